package api

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/twiliovoice"
)

func twilioRequest(t *testing.T, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func gather(t *testing.T, server *testServer, callSID, speech string) string {
	t.Helper()
	form := url.Values{"CallSid": {callSID}}
	if speech != "" {
		form.Set("SpeechResult", speech)
		form.Set("Confidence", "0.9")
	}
	rr := server.do(twilioRequest(t, "/twilio/gather?session="+callSID, form))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "gather "+speech)
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	return rr.Body.String()
}

func TestTwilioVoiceStartsSession(t *testing.T) {
	server := newTestServer(t, WithPublicURL("https://forms.example.com/"))

	rr := server.do(twilioRequest(t, "/twilio/voice", url.Values{"CallSid": {"CA100"}, "From": {"+15550001"}}))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "incoming call")
	body := rr.Body.String()
	for _, want := range []string{"<Gather", `input="speech"`, "Please say your name.", "https://forms.example.com/twilio/gather?session=CA100"} {
		if !strings.Contains(body, want) {
			t.Errorf("TwiML missing %q:\n%s", want, body)
		}
	}

	view, err := server.sessions.Get("CA100")
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if view.Channel != models.ChannelPhone {
		t.Errorf("channel = %q", view.Channel)
	}

	// A retried webhook repeats the current prompt instead of failing.
	rr = server.do(twilioRequest(t, "/twilio/voice", url.Values{"CallSid": {"CA100"}}))
	if !strings.Contains(rr.Body.String(), "Please say your name.") {
		t.Errorf("retry did not repeat the prompt:\n%s", rr.Body.String())
	}
}

func TestTwilioCallCompletesForm(t *testing.T) {
	server := newTestServer(t)
	server.do(twilioRequest(t, "/twilio/voice", url.Values{"CallSid": {"CA200"}}))

	if out := gather(t, server, "CA200", "Carol."); !strings.Contains(out, "Please say your email.") {
		t.Errorf("expected email prompt:\n%s", out)
	}
	gather(t, server, "CA200", "carol@example.com")
	if out := gather(t, server, "CA200", "Please call me back"); !strings.Contains(out, "Say yes to submit or no to cancel.") {
		t.Errorf("expected summary:\n%s", out)
	}

	out := gather(t, server, "CA200", "yes")
	if !strings.Contains(out, "<Hangup") || strings.Contains(out, "<Gather") {
		t.Errorf("expected the call to end:\n%s", out)
	}
	if !strings.Contains(out, "Form submitted successfully.") {
		t.Errorf("expected success notice:\n%s", out)
	}

	if server.sessions.Len() != 0 {
		t.Errorf("finished call should be forgotten, %d sessions remain", server.sessions.Len())
	}
	subs, _ := server.st.GetSubmissions()
	if len(subs) != 1 || subs[0].Source != models.SourcePhone {
		t.Fatalf("expected one phone submission, got %+v", subs)
	}
	// Recognizer punctuation is part of the answer.
	if subs[0].Fields["name"] != "carol." {
		t.Errorf("name = %q", subs[0].Fields["name"])
	}
}

func TestTwilioGatherWithoutSpeechReprompts(t *testing.T) {
	server := newTestServer(t)
	server.do(twilioRequest(t, "/twilio/voice", url.Values{"CallSid": {"CA300"}}))

	out := gather(t, server, "CA300", "")
	if !strings.Contains(out, "Please say your name.") || !strings.Contains(out, "<Gather") {
		t.Errorf("expected a reprompt:\n%s", out)
	}
	if !strings.Contains(out, "catch that") {
		t.Errorf("expected the recognition notice:\n%s", out)
	}
}

func TestTwilioGatherUnknownSessionHangsUp(t *testing.T) {
	server := newTestServer(t)
	out := gather(t, server, "CA404", "hello")
	if !strings.Contains(out, "<Hangup") || !strings.Contains(out, "expired") {
		t.Errorf("expected hangup:\n%s", out)
	}
}

func TestTwilioVoiceMissingCallSid(t *testing.T) {
	server := newTestServer(t)
	rr := server.do(twilioRequest(t, "/twilio/voice", url.Values{}))
	if !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("expected hangup:\n%s", rr.Body.String())
	}
	if server.sessions.Len() != 0 {
		t.Error("no session should be created")
	}
}

func signTwilio(token, target string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(target)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhooksRequireSignature(t *testing.T) {
	const token = "twilio-secret"
	server := newTestServer(t, WithPublicURL("https://forms.example.com"), WithTwilioCredentials("AC1", token, "+15550000"))
	form := url.Values{"CallSid": {"CA500"}}

	rr := server.do(twilioRequest(t, "/twilio/voice", form))
	assertHTTPStatus(t, http.StatusForbidden, rr.Code, "unsigned webhook")
	if server.sessions.Len() != 0 {
		t.Fatal("unsigned webhook must not start a session")
	}

	req := twilioRequest(t, "/twilio/voice", form)
	req.Header.Set(twiliovoice.SignatureHeader, signTwilio(token, "https://forms.example.com/twilio/voice", form))
	rr = server.do(req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "signed webhook")
	if server.sessions.Len() != 1 {
		t.Error("signed webhook should start a session")
	}

	// The submit endpoint is not signed by Twilio and stays open.
	rr = server.do(createJSONRequest(t, http.MethodPost, "/api/submit", validBody))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "submit with Twilio configured")
}

func TestTwilioSilentCallerIsHungUp(t *testing.T) {
	server := newTestServer(t)
	server.do(twilioRequest(t, "/twilio/voice", url.Values{"CallSid": {"CA500"}}))

	for i := 1; i < maxSilentTurns; i++ {
		if out := gather(t, server, "CA500", ""); !strings.Contains(out, "<Gather") {
			t.Fatalf("silent turn %d should reprompt:\n%s", i, out)
		}
	}
	out := gather(t, server, "CA500", "")
	if !strings.Contains(out, "<Hangup") || !strings.Contains(out, "can't hear you") {
		t.Errorf("expected hangup after %d silent turns:\n%s", maxSilentTurns, out)
	}
	if server.sessions.Len() != 0 {
		t.Error("silent call session should be removed")
	}
	if states, _ := server.st.ListSessionStates(); len(states) != 0 {
		t.Errorf("silent call left %d persisted states", len(states))
	}
}

func TestTwilioSpeechResetsSilenceCount(t *testing.T) {
	server := newTestServer(t)
	server.do(twilioRequest(t, "/twilio/voice", url.Values{"CallSid": {"CA501"}}))

	for i := 1; i < maxSilentTurns; i++ {
		gather(t, server, "CA501", "")
	}
	gather(t, server, "CA501", "carol")
	for i := 1; i < maxSilentTurns; i++ {
		if out := gather(t, server, "CA501", ""); !strings.Contains(out, "<Gather") {
			t.Fatalf("count should restart after speech, turn %d:\n%s", i, out)
		}
	}
	v, err := server.sessions.Get("CA501")
	if err != nil || v.FailedTurns != maxSilentTurns-1 {
		t.Errorf("FailedTurns = %d, %v", v.FailedTurns, err)
	}
}
