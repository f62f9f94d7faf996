package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/VoiceForm/internal/forms"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/session"
)

// CreateSessionRequest starts a browser-driven dialogue.
type CreateSessionRequest struct {
	Form string `json:"form,omitempty"`
}

// TranscriptRequest carries recognized speech.
type TranscriptRequest struct {
	Text string `json:"text"`
}

// RecognitionErrorRequest reports a recognizer failure on the client.
type RecognitionErrorRequest struct {
	Error       string `json:"error"`
	Unsupported bool   `json:"unsupported,omitempty"`
}

// decodeOptional decodes body into v; an empty body leaves v untouched.
func decodeOptional(body io.Reader, v interface{}) error {
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.sessions.List()))
	case http.MethodPost:
		s.limiter.Middleware(s.createSessionHandler)(w, r)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req CreateSessionRequest
	if err := decodeOptional(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON format"))
		return
	}
	view, err := s.sessions.Create(r.Context(), req.Form, models.ChannelWeb)
	if err != nil {
		s.writeSessionError(w, "Server.createSessionHandler", err)
		return
	}
	slog.Info("Server.createSessionHandler: session created", "id", view.ID, "form", view.Form)
	writeJSONResponse(w, http.StatusCreated, models.Success(view))
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		view, err := s.sessions.Get(id)
		if err != nil {
			s.writeSessionError(w, "Server.sessionHandler", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(view))
	case http.MethodDelete:
		if err := s.sessions.Delete(r.Context(), id); err != nil {
			s.writeSessionError(w, "Server.sessionHandler", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
	default:
		methodNotAllowed(w, "GET, DELETE")
	}
}

func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req TranscriptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.transcriptHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON format"))
		return
	}
	view, err := s.sessions.Transcript(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		s.writeSessionError(w, "Server.transcriptHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) recognitionErrorHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req RecognitionErrorRequest
	if err := decodeOptional(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		slog.Warn("Server.recognitionErrorHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON format"))
		return
	}
	view, err := s.sessions.RecognitionError(r.Context(), r.PathValue("id"), req.Error, req.Unsupported)
	if err != nil {
		s.writeSessionError(w, "Server.recognitionErrorHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) writeSessionError(w http.ResponseWriter, where string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
	case errors.Is(err, forms.ErrUnknownForm):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error(where+": session operation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Server error"))
	}
}
