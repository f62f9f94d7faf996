// Package session runs server-side dialogues for remote clients. Each session
// owns one controller; the client supplies transcripts and plays the prompts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/forms"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/recovery"
	"github.com/BTreeMap/VoiceForm/internal/util"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// Submitter turns a form name and source into a controller submit capability.
type Submitter interface {
	Forms() *forms.Registry
	SubmitFunc(form string, source models.SubmissionSource) dialogue.SubmitFunc
}

// View is the client-facing state of a session.
type View struct {
	ID         string            `json:"id"`
	Form       string            `json:"form"`
	Channel    models.Channel    `json:"channel"`
	State      models.StateType  `json:"state"`
	FieldIndex int               `json:"field_index"`
	Field      string            `json:"field,omitempty"`
	Retry      int               `json:"retry"`
	Prompt     string            `json:"prompt"`
	Said       []string          `json:"said,omitempty"`
	Listening  bool              `json:"listening"`
	Done       bool              `json:"done"`
	Draft      map[string]string `json:"draft"`

	// FailedTurns counts recognition failures since the last transcript.
	FailedTurns int `json:"failed_turns"`
}

// Session is one running dialogue.
type Session struct {
	ID      string
	Form    string
	Channel models.Channel

	controller *dialogue.Controller
	voice      *Voice
	input      *RemoteInput
	fields     []dialogue.FieldSpec

	// mu serializes client requests on this session.
	mu          sync.Mutex
	lastActive  time.Time
	failedTurns int
}

func (s *Session) view(mark int) View {
	snap := s.controller.Snapshot()
	v := View{
		ID:         s.ID,
		Form:       s.Form,
		Channel:    s.Channel,
		State:      snap.State.Kind,
		FieldIndex: snap.State.FieldIndex,
		Retry:      snap.Retry,
		Prompt:     s.voice.Last(),
		Said:       s.voice.Since(mark),
		Listening:  s.input.Listening(),
		Done:       snap.State.Kind.IsTerminal(),
		Draft:      snap.Draft,

		FailedTurns: s.failedTurns,
	}
	if snap.State.HasField() && snap.State.FieldIndex < len(s.fields) {
		v.Field = s.fields[snap.State.FieldIndex].Name
	}
	return v
}

// Opts configures a Manager.
type Opts struct {
	States             *StoreBasedStateManager
	MaxRetries         int
	RestartAfterSubmit bool
	RepromptAfter      time.Duration
	Timer              dialogue.Timer
	Now                func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithStateManager persists every transition through sm.
func WithStateManager(sm *StoreBasedStateManager) Option {
	return func(o *Opts) { o.States = sm }
}

// WithMaxRetries sets the controllers' retry limit.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithRestartAfterSubmit controls whether web sessions start over after a
// successful submission. Phone sessions always end.
func WithRestartAfterSubmit(restart bool) Option {
	return func(o *Opts) { o.RestartAfterSubmit = restart }
}

// WithRepromptAfter enables the controllers' reprompt timer.
func WithRepromptAfter(d time.Duration) Option {
	return func(o *Opts) { o.RepromptAfter = d }
}

// WithTimer shares one timer between all controllers. Without it the timer is
// taken from the recovery registry, or each controller keeps its own.
func WithTimer(t dialogue.Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithClock overrides the activity clock.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Manager owns the running sessions.
type Manager struct {
	submitter Submitter
	opts      Opts

	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ recovery.Recoverable = (*Manager)(nil)

// NewManager creates a Manager that submits through submitter.
func NewManager(submitter Submitter, opts ...Option) *Manager {
	cfg := Opts{
		MaxRetries:         dialogue.DefaultMaxRetries,
		RestartAfterSubmit: true,
		Now:                time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		submitter: submitter,
		opts:      cfg,
		sessions:  make(map[string]*Session),
	}
}

// Create starts a session with a generated ID.
func (m *Manager) Create(ctx context.Context, form string, channel models.Channel) (View, error) {
	return m.CreateWithID(ctx, util.GenerateSessionID(), form, channel)
}

// CreateWithID starts a session under a caller-chosen ID, such as a call SID.
func (m *Manager) CreateWithID(ctx context.Context, id, form string, channel models.Channel) (View, error) {
	if !models.IsValidChannel(channel) {
		return View{}, fmt.Errorf("invalid channel %q", channel)
	}
	def, err := m.submitter.Forms().Get(form)
	if err != nil {
		return View{}, err
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := m.newSession(id, def, channel)
	m.sessions[id] = s
	m.mu.Unlock()

	var v View
	err = m.launch(s, func() error {
		mark := s.voice.Mark()
		if err := s.controller.Start(ctx, s.fields, m.submitFunc(s)); err != nil {
			return err
		}
		v = s.view(mark)
		return nil
	})
	if err != nil {
		return View{}, err
	}
	slog.Info("Manager.Create: session started", "id", id, "form", def.Name, "channel", channel)
	return v, nil
}

// launch runs start under s.mu and unregisters s if it fails. s.mu is released
// first: m.mu is always taken before a session lock, never after.
func (m *Manager) launch(s *Session, start func() error) error {
	s.mu.Lock()
	err := start()
	s.mu.Unlock()
	if err != nil {
		m.remove(s.ID)
	}
	return err
}

func (m *Manager) newSession(id string, def models.FormDefinition, channel models.Channel) *Session {
	s := &Session{
		ID:         id,
		Form:       def.Name,
		Channel:    channel,
		voice:      &Voice{},
		input:      &RemoteInput{},
		fields:     forms.ToFieldSpecs(def),
		lastActive: m.opts.Now(),
	}
	restart := m.opts.RestartAfterSubmit && channel != models.ChannelPhone
	ctrlOpts := []dialogue.Option{
		dialogue.WithMaxRetries(m.opts.MaxRetries),
		dialogue.WithRestartAfterSubmit(restart),
		dialogue.WithObserver(m.observer(s)),
		dialogue.WithLogger(slog.Default().With("session", id)),
	}
	if m.opts.RepromptAfter > 0 {
		ctrlOpts = append(ctrlOpts, dialogue.WithRepromptAfter(m.opts.RepromptAfter))
		if m.opts.Timer != nil {
			ctrlOpts = append(ctrlOpts, dialogue.WithTimer(m.opts.Timer))
		}
	}
	s.controller = dialogue.NewController(s.input, s.voice, ctrlOpts...)
	return s
}

func (m *Manager) submitFunc(s *Session) dialogue.SubmitFunc {
	source := models.SourceVoice
	if s.Channel == models.ChannelPhone {
		source = models.SourcePhone
	}
	return m.submitter.SubmitFunc(s.Form, source)
}

// observer persists each transition. Terminal sessions have nothing to resume.
func (m *Manager) observer(s *Session) func(dialogue.Snapshot) {
	return func(snap dialogue.Snapshot) {
		if m.opts.States == nil {
			return
		}
		ctx := context.Background()
		if snap.State.Kind.IsTerminal() {
			if err := m.opts.States.Reset(ctx, s.ID); err != nil {
				slog.Warn("Manager.observer: reset failed", "id", s.ID, "error", err)
			}
			return
		}
		if err := m.opts.States.Save(ctx, s.ID, s.Form, s.Channel, snap); err != nil {
			slog.Warn("Manager.observer: save failed", "id", s.ID, "error", err)
		}
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// resolve finds a live session, resuming it from the state store when another
// process (or an earlier run of this one) left it there.
func (m *Manager) resolve(ctx context.Context, id string) (*Session, error) {
	s, err := m.lookup(id)
	if err == nil || m.opts.States == nil {
		return s, err
	}
	st, loadErr := m.opts.States.Load(ctx, id)
	if loadErr != nil || st == nil {
		return nil, err
	}
	if rerr := m.restore(ctx, *st); rerr != nil && !errors.Is(rerr, ErrSessionExists) {
		slog.Warn("Manager.resolve: discarding session", "id", id, "error", rerr)
		if rerr := m.opts.States.Reset(ctx, id); rerr != nil {
			slog.Error("Manager.resolve: reset failed", "id", id, "error", rerr)
		}
		return nil, err
	}
	slog.Info("Manager.resolve: session resumed from store", "id", id, "state", st.State)
	return m.lookup(id)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// do runs fn on session id and returns the resulting view.
func (m *Manager) do(ctx context.Context, id string, fn func(s *Session)) (View, error) {
	s, err := m.resolve(ctx, id)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = m.opts.Now()
	mark := s.voice.Mark()
	if fn != nil {
		fn(s)
	}
	return s.view(mark), nil
}

// Get returns the current view of a session.
func (m *Manager) Get(id string) (View, error) {
	s, err := m.resolve(context.Background(), id)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(s.voice.Mark()), nil
}

// Transcript delivers recognized text to the open attempt of a session.
func (m *Manager) Transcript(ctx context.Context, id, text string) (View, error) {
	return m.do(ctx, id, func(s *Session) {
		s.failedTurns = 0
		if a := s.input.take(); a != nil {
			a.Transcript(ctx, text)
			return
		}
		s.controller.HandleTranscript(ctx, text)
	})
}

// RecognitionError reports a recognizer failure. unsupported ends the dialogue.
func (m *Manager) RecognitionError(ctx context.Context, id, reason string, unsupported bool) (View, error) {
	var err error = dialogue.ErrRecognition
	if unsupported {
		err = dialogue.ErrRecognitionUnsupported
	}
	if reason != "" {
		err = fmt.Errorf("%w: %s", err, reason)
	}
	return m.do(ctx, id, func(s *Session) {
		s.failedTurns++
		if a := s.input.take(); a != nil {
			a.Fail(ctx, err)
			return
		}
		s.controller.HandleRecognitionError(ctx, err)
	})
}

// Cancel stops a session's dialogue. The session stays registered until deleted or swept.
func (m *Manager) Cancel(ctx context.Context, id string) (View, error) {
	return m.do(ctx, id, func(s *Session) {
		s.controller.Cancel(ctx)
	})
}

// Delete cancels and forgets a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.controller.Cancel(ctx)
	s.mu.Unlock()
	m.remove(id)
	if m.opts.States != nil {
		if err := m.opts.States.Reset(ctx, id); err != nil {
			return err
		}
	}
	slog.Info("Manager.Delete: session removed", "id", id)
	return nil
}

// List returns views of all sessions ordered by ID.
func (m *Manager) List() []View {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	views := make([]View, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		views = append(views, s.view(s.voice.Mark()))
		s.mu.Unlock()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SweepIdle deletes sessions with no client activity for longer than maxIdle
// and returns how many were removed.
func (m *Manager) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := m.opts.Now().Add(-maxIdle)
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.lastActive.Before(cutoff) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if err := m.Delete(ctx, id); err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				slog.Warn("Manager.SweepIdle: delete failed", "id", id, "error", err)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Manager.SweepIdle: expired idle sessions", "count", removed)
	}
	return removed
}

// Recover restores persisted sessions and returns how many resumed. States that
// cannot be resumed are discarded.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.opts.States == nil {
		return 0, nil
	}
	states, err := m.opts.States.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list session states: %w", err)
	}

	restored := 0
	for _, st := range states {
		if err := m.restore(ctx, st); err != nil {
			if errors.Is(err, ErrSessionExists) {
				continue
			}
			slog.Warn("Manager.Recover: discarding session", "id", st.SessionID, "error", err)
			if err := m.opts.States.Reset(ctx, st.SessionID); err != nil {
				slog.Error("Manager.Recover: reset failed", "id", st.SessionID, "error", err)
			}
			continue
		}
		restored++
	}
	slog.Info("Manager.Recover: sessions restored", "restored", restored, "persisted", len(states))
	return restored, nil
}

func (m *Manager) restore(ctx context.Context, st models.SessionState) error {
	def, err := m.submitter.Forms().Get(st.Form)
	if err != nil {
		return err
	}
	channel := st.Channel
	if !models.IsValidChannel(channel) {
		channel = models.ChannelWeb
	}

	m.mu.Lock()
	if _, ok := m.sessions[st.SessionID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, st.SessionID)
	}
	s := m.newSession(st.SessionID, def, channel)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return m.launch(s, func() error {
		return s.controller.Restore(ctx, s.fields, m.submitFunc(s), SnapshotFromState(st))
	})
}

// RecoverState restores persisted sessions during application startup.
// Restored and later sessions arm their reprompts on the registry's timer
// unless the manager was given one.
func (m *Manager) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	if registry != nil && registry.GetTimer() != nil {
		m.mu.Lock()
		if m.opts.Timer == nil {
			m.opts.Timer = registry.GetTimer()
		}
		m.mu.Unlock()
	}
	_, err := m.Recover(ctx)
	return err
}

// timerLister is implemented by timers that can report what is pending.
type timerLister interface {
	ListActive() []models.TimerInfo
}

// Reprompts returns the pending reprompt timers, soonest first. Per-controller
// timers are not reported.
func (m *Manager) Reprompts() []models.TimerInfo {
	m.mu.RLock()
	t := m.opts.Timer
	m.mu.RUnlock()
	if l, ok := t.(timerLister); ok {
		return l.ListActive()
	}
	return nil
}
