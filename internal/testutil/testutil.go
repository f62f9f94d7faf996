// Package testutil provides common test utilities and helpers for VoiceForm tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/api"
	"github.com/BTreeMap/VoiceForm/internal/forms"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/session"
	"github.com/BTreeMap/VoiceForm/internal/store"
	"github.com/BTreeMap/VoiceForm/internal/submission"
)

// TB is the subset of testing.TB used by the helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Fixture is an API server wired to in-memory dependencies.
type Fixture struct {
	Server      *api.Server
	Store       *store.InMemoryStore
	Submissions *submission.Service
	Sessions    *session.Manager
}

// NewTestServer creates a test API server with in-memory dependencies and
// rate limiting disabled unless opts enable it.
func NewTestServer(opts ...api.Option) *Fixture {
	st := store.NewInMemoryStore()
	subs := submission.NewService(st, forms.NewRegistry())
	sessions := session.NewManager(subs, session.WithStateManager(session.NewStoreBasedStateManager(st)))
	opts = append([]api.Option{api.WithRateLimit(0, 0)}, opts...)
	return &Fixture{
		Server:      api.NewServer(subs, sessions, opts...),
		Store:       st,
		Submissions: subs,
		Sessions:    sessions,
	}
}

// Do serves req and returns the recorded response.
func (f *Fixture) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.Server.ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
// A string body is sent verbatim.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody []byte
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = []byte(b)
	default:
		reqBody = MustMarshalJSON(t, body)
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertSubmissionCount validates the number of submissions in the store.
func AssertSubmissionCount(t TB, st store.Store, expected int, context string) {
	t.Helper()
	subs, err := st.GetSubmissions()
	if err != nil {
		t.Fatalf("%s: failed to get submissions: %v", context, err)
		return
	}
	if len(subs) != expected {
		t.Errorf("%s: expected %d submissions, got %d", context, expected, len(subs))
	}
}

// SeedSubmissions adds two contact form submissions to the store.
func SeedSubmissions(t TB, st store.Store) []models.Submission {
	t.Helper()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seeded := []models.Submission{
		{
			ID:        "sub_seed1",
			Form:      forms.DefaultFormName,
			Fields:    map[string]string{"name": "alice", "email": "alice@example.com", "message": "hello"},
			Source:    models.SourceAPI,
			CreatedAt: base,
		},
		{
			ID:        "sub_seed2",
			Form:      forms.DefaultFormName,
			Fields:    map[string]string{"name": "bob", "email": "bob@example.com", "message": "call me"},
			Source:    models.SourceVoice,
			CreatedAt: base.Add(time.Minute),
		},
	}
	for _, sub := range seeded {
		if err := st.AddSubmission(sub); err != nil {
			t.Fatalf("failed to add test submission: %v", err)
		}
	}
	return seeded
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// RecordingOutput is a speech output that remembers every utterance.
type RecordingOutput struct {
	mu     sync.Mutex
	spoken []string
}

// Speak records text.
func (o *RecordingOutput) Speak(_ context.Context, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spoken = append(o.spoken, text)
}

// All returns the utterances in order.
func (o *RecordingOutput) All() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.spoken...)
}

// Has reports whether text was spoken.
func (o *RecordingOutput) Has(text string) bool {
	for _, s := range o.All() {
		if s == text {
			return true
		}
	}
	return false
}

// Last returns the latest utterance.
func (o *RecordingOutput) Last() string {
	all := o.All()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}
