// Package submission accepts completed forms, persists them and queues
// notifications about them.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/forms"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/store"
	"github.com/BTreeMap/VoiceForm/internal/util"
)

// SuccessMessage is the acknowledgement message for a persisted submission.
const SuccessMessage = "Form submitted successfully"

var (
	ErrUnknownField = errors.New("unknown field")
	ErrMissingField = errors.New("missing required field")
	ErrPersistence  = errors.New("failed to persist submission")
)

// FieldError names the field that failed the presence check.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return fmt.Sprintf("%v: %s", e.Err, e.Field) }

func (e *FieldError) Unwrap() error { return e.Err }

// Check verifies that fields only names fields of def and that every required
// field has a non-empty value.
func Check(def models.FormDefinition, fields map[string]string) error {
	known := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		known[f.Name] = true
	}
	unknown := make([]string, 0)
	for name := range fields {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &FieldError{Field: unknown[0], Err: ErrUnknownField}
	}
	for _, f := range def.Fields {
		if !f.Optional && fields[f.Name] == "" {
			return &FieldError{Field: f.Name, Err: ErrMissingField}
		}
	}
	return nil
}

// Request is one submission attempt.
type Request struct {
	Form           string
	Fields         map[string]string
	Source         models.SubmissionSource
	IdempotencyKey string
}

// Notice is the outbox payload announcing a submission.
type Notice struct {
	SubmissionID string            `json:"submission_id"`
	Form         string            `json:"form"`
	Fields       map[string]string `json:"fields"`
	Source       string            `json:"source"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Opts holds optional Service settings.
type Opts struct {
	NotifyRecipient string
	Now             func() time.Time
}

// Option configures a Service.
type Option func(*Opts)

// WithNotifyRecipient enables a notification per submission sent to recipient.
func WithNotifyRecipient(recipient string) Option {
	return func(o *Opts) {
		o.NotifyRecipient = recipient
	}
}

// WithClock overrides the submission timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Service validates and stores submissions.
type Service struct {
	backend  store.Backend
	registry *forms.Registry
	opts     Opts

	// idemMu serializes the lookup-insert-record sequence for keyed requests.
	idemMu sync.Mutex
}

// NewService creates a Service over backend using the forms in registry.
func NewService(backend store.Backend, registry *forms.Registry, opts ...Option) *Service {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{backend: backend, registry: registry, opts: cfg}
}

// Forms returns the registry the service checks against.
func (s *Service) Forms() *forms.Registry { return s.registry }

// Submit checks and persists req. A repeated IdempotencyKey returns the
// acknowledgement of the first submission without storing a new record.
func (s *Service) Submit(ctx context.Context, req Request) (models.SubmissionAck, error) {
	if err := ctx.Err(); err != nil {
		return models.SubmissionAck{}, err
	}
	def, err := s.registry.Get(req.Form)
	if err != nil {
		return models.SubmissionAck{}, err
	}
	if err := Check(def, req.Fields); err != nil {
		slog.Debug("Service.Submit: rejected", "form", def.Name, "error", err)
		return models.SubmissionAck{}, err
	}

	if req.IdempotencyKey == "" {
		return s.persist(def, req)
	}

	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	key := def.Name + ":" + req.IdempotencyKey
	if id, ok, err := s.backend.GetIdempotentResult(key); err != nil {
		slog.Error("Service.Submit: idempotency lookup failed", "error", err)
		return models.SubmissionAck{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	} else if ok {
		slog.Info("Service.Submit: idempotent replay", "form", def.Name, "id", id)
		return models.SubmissionAck{ID: id, Message: SuccessMessage}, nil
	}

	ack, err := s.persist(def, req)
	if err != nil {
		return ack, err
	}
	if _, err := s.backend.RecordIdempotencyKey(key, ack.ID); err != nil {
		slog.Error("Service.Submit: record idempotency key failed", "id", ack.ID, "error", err)
	}
	return ack, nil
}

func (s *Service) persist(def models.FormDefinition, req Request) (models.SubmissionAck, error) {
	fields := make(map[string]string, len(def.Fields))
	for _, f := range def.Fields {
		fields[f.Name] = req.Fields[f.Name]
	}
	source := req.Source
	if source == "" {
		source = models.SourceAPI
	}
	sub := models.Submission{
		ID:        util.GenerateSubmissionID(),
		Form:      def.Name,
		Fields:    fields,
		Source:    source,
		CreatedAt: s.opts.Now().UTC(),
	}
	if err := s.backend.AddSubmission(sub); err != nil {
		slog.Error("Service.Submit: persist failed", "form", def.Name, "error", err)
		return models.SubmissionAck{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	slog.Info("Service.Submit: stored", "id", sub.ID, "form", sub.Form, "source", sub.Source)

	if s.opts.NotifyRecipient != "" {
		s.enqueueNotice(sub)
	}
	return models.SubmissionAck{ID: sub.ID, Message: SuccessMessage}, nil
}

// enqueueNotice queues a notification. Failures are logged; the submission stands.
func (s *Service) enqueueNotice(sub models.Submission) {
	payload, err := json.Marshal(Notice{
		SubmissionID: sub.ID,
		Form:         sub.Form,
		Fields:       sub.Fields,
		Source:       string(sub.Source),
		CreatedAt:    sub.CreatedAt,
	})
	if err != nil {
		slog.Error("Service.enqueueNotice: marshal failed", "id", sub.ID, "error", err)
		return
	}
	id, err := store.EnqueueSubmissionNotice(s.backend, s.opts.NotifyRecipient, sub.ID, payload)
	if err != nil {
		slog.Error("Service.enqueueNotice: enqueue failed", "id", sub.ID, "error", err)
		return
	}
	slog.Debug("Service.enqueueNotice: queued", "submission", sub.ID, "outbox", id)
}

// List returns every stored submission.
func (s *Service) List() ([]models.Submission, error) {
	return s.backend.GetSubmissions()
}

// SubmitFunc adapts the service to a dialogue controller's submit capability.
func (s *Service) SubmitFunc(form string, source models.SubmissionSource) dialogue.SubmitFunc {
	return func(ctx context.Context, draft dialogue.FormDraft) (dialogue.Ack, error) {
		ack, err := s.Submit(ctx, Request{Form: form, Fields: draft.Map(), Source: source})
		if err != nil {
			return dialogue.Ack{}, err
		}
		return dialogue.Ack{ID: ack.ID, Message: ack.Message}, nil
	}
}

// DecodeNotice parses an outbox payload written by the service.
func DecodeNotice(payload string) (Notice, error) {
	var n Notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("decode submission notice: %w", err)
	}
	return n, nil
}
