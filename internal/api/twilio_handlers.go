package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/session"
	"github.com/BTreeMap/VoiceForm/internal/twiliovoice"
)

// Messages spoken when a call cannot continue.
const (
	callErrorMessage   = "Sorry, something went wrong. Goodbye."
	callExpiredMessage = "Sorry, this call has expired. Goodbye."
	callSilentMessage  = "Sorry, I can't hear you. Please call back later. Goodbye."
)

// maxSilentTurns ends a call after this many gathers in a row hear nothing.
const maxSilentTurns = 3

func (s *Server) gatherURL(sessionID string) string {
	return s.opts.PublicURL + "/twilio/gather?session=" + url.QueryEscape(sessionID)
}

// twilioVoiceHandler answers an incoming call by starting a phone session keyed by the call SID.
func (s *Server) twilioVoiceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioVoiceHandler: bad form", "error", err)
		s.hangup(w, callErrorMessage)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	if callSID == "" {
		slog.Warn("Server.twilioVoiceHandler: missing CallSid")
		s.hangup(w, callErrorMessage)
		return
	}

	view, err := s.sessions.CreateWithID(r.Context(), callSID, r.URL.Query().Get("form"), models.ChannelPhone)
	if errors.Is(err, session.ErrSessionExists) {
		// Twilio retried the webhook; repeat where the caller is.
		view, err = s.sessions.Get(callSID)
		view.Said = []string{view.Prompt}
	}
	if err != nil {
		slog.Error("Server.twilioVoiceHandler: could not start session", "call", callSID, "error", err)
		s.hangup(w, callErrorMessage)
		return
	}
	slog.Info("Server.twilioVoiceHandler: call answered", "call", callSID, "from", r.PostForm.Get("From"), "form", view.Form)
	s.renderTurn(w, r, view)
}

// twilioGatherHandler receives the caller's speech for the open turn.
func (s *Server) twilioGatherHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioGatherHandler: bad form", "error", err)
		s.hangup(w, callErrorMessage)
		return
	}
	id := r.URL.Query().Get("session")
	if id == "" {
		id = r.PostForm.Get("CallSid")
	}

	var (
		view session.View
		err  error
	)
	if speech := strings.TrimSpace(r.PostForm.Get("SpeechResult")); speech != "" {
		slog.Debug("Server.twilioGatherHandler: speech received", "session", id, "confidence", r.PostForm.Get("Confidence"))
		view, err = s.sessions.Transcript(r.Context(), id, speech)
	} else {
		// <Gather> timed out and fell through to the <Redirect>.
		view, err = s.sessions.RecognitionError(r.Context(), id, "no speech detected", false)
		if err == nil && !view.Done && view.FailedTurns >= maxSilentTurns {
			slog.Info("Server.twilioGatherHandler: caller silent, ending call", "session", id, "turns", view.FailedTurns)
			s.endCall(r, id)
			s.hangup(w, callSilentMessage)
			return
		}
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		slog.Warn("Server.twilioGatherHandler: unknown session", "session", id)
		s.hangup(w, callExpiredMessage)
		return
	}
	if err != nil {
		slog.Error("Server.twilioGatherHandler: session update failed", "session", id, "error", err)
		s.hangup(w, callErrorMessage)
		return
	}
	s.renderTurn(w, r, view)
}

// renderTurn speaks what the dialogue said and opens the next gather, or ends
// the call and forgets the session once the dialogue is over.
func (s *Server) renderTurn(w http.ResponseWriter, r *http.Request, view session.View) {
	said := view.Said
	if len(said) == 0 && view.Prompt != "" {
		said = []string{view.Prompt}
	}
	listening := view.Listening && !view.Done
	doc, err := twiliovoice.Turn(said, s.gatherURL(view.ID), s.opts.SpeechLanguage, listening)
	if err != nil {
		slog.Error("Server.renderTurn: failed to render TwiML", "session", view.ID, "error", err)
		s.hangup(w, "")
		return
	}
	if !listening {
		s.endCall(r, view.ID)
		slog.Info("Server.renderTurn: call finished", "session", view.ID, "state", view.State)
	}
	writeTwiML(w, doc)
}

// endCall forgets the session of a call that is being hung up.
func (s *Server) endCall(r *http.Request, id string) {
	if err := s.sessions.Delete(r.Context(), id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		slog.Warn("Server.endCall: failed to remove call session", "session", id, "error", err)
	}
}

func (s *Server) hangup(w http.ResponseWriter, message string) {
	doc, err := twiliovoice.Hangup(message)
	if err != nil {
		slog.Error("Server.hangup: failed to render TwiML", "error", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, doc)
}
