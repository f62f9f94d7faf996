// Package api provides the HTTP server for VoiceForm: the form submission
// endpoint, the session API for browser clients and the Twilio voice webhooks.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/VoiceForm/internal/forms"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/submission"
)

// IdempotencyHeader lets clients retry a submission without storing it twice.
const IdempotencyHeader = "Idempotency-Key"

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.submitHandler: processing submit request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		slog.Warn("Server.submitHandler: method not allowed", "method", r.Method)
		methodNotAllowed(w, http.MethodPost)
		return
	}

	fields, err := decodeFields(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Server.submitHandler: invalid body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ack, err := s.submissions.Submit(r.Context(), submission.Request{
		Form:           r.URL.Query().Get("form"),
		Fields:         fields,
		Source:         models.SourceAPI,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	})
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(ack.Message, map[string]string{"id": ack.ID}))
	case errors.Is(err, submission.ErrMissingField):
		writeJSONResponse(w, http.StatusBadRequest, fieldErrorResponse("All fields are required", err))
	case errors.Is(err, submission.ErrUnknownField):
		writeJSONResponse(w, http.StatusBadRequest, fieldErrorResponse("Unknown field", err))
	case errors.Is(err, forms.ErrUnknownForm):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error("Server.submitHandler: submission failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Server error"))
	}
}

// decodeFields reads a JSON object whose values must all be strings.
func decodeFields(body io.Reader) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, errors.New("invalid JSON format")
	}
	if raw == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	fields := make(map[string]string, len(raw))
	for name, value := range raw {
		var v string
		if err := json.Unmarshal(value, &v); err != nil || string(value) == "null" {
			return nil, fmt.Errorf("field %s must be a string", name)
		}
		fields[name] = v
	}
	return fields, nil
}

func fieldErrorResponse(message string, err error) models.APIResponse {
	b := models.NewAPIResponseBuilder().WithStatus(models.APIStatusError).WithMessage(message)
	var fe *submission.FieldError
	if errors.As(err, &fe) {
		b = b.WithResult(map[string]string{"field": fe.Field})
	}
	return b.Build()
}

func (s *Server) submissionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.submissionsHandler: processing list request", "method", r.Method)
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	subs, err := s.submissions.List()
	if err != nil {
		slog.Error("Server.submissionsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Server error"))
		return
	}
	if subs == nil {
		subs = []models.Submission{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(subs))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	reprompts := s.sessions.Reprompts()
	if reprompts == nil {
		reprompts = []models.TimerInfo{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"sessions":  s.sessions.Len(),
		"forms":     s.submissions.Forms().Names(),
		"reprompts": reprompts,
	}))
}
