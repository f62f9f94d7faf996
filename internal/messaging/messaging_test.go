package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/store"
	"github.com/BTreeMap/VoiceForm/internal/submission"
	"github.com/BTreeMap/VoiceForm/internal/twiliovoice"
	"github.com/BTreeMap/VoiceForm/internal/whatsapp"
)

func TestWhatsAppServiceSend(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	if err := svc.SendMessage(context.Background(), "+1 555 000 1234", "hi"); err != nil {
		t.Fatal(err)
	}
	if len(mock.Sent) != 1 || mock.Sent[0].To != "15550001234" {
		t.Errorf("unexpected sent: %+v", mock.Sent)
	}
	if err := svc.SendMessage(context.Background(), "12", "hi"); err == nil {
		t.Error("expected validation error")
	}

	svc.Stop()
	svc.Stop()
	if err := svc.SendMessage(context.Background(), "15550001234", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("got %v, want ErrServiceStopped", err)
	}
}

func TestTwilioServiceCanonicalize(t *testing.T) {
	svc := NewTwilioService(&twiliovoice.MockSender{})
	tests := map[string]string{
		"+1 (555) 000-1234":        "+15550001234",
		"whatsapp:+1 555 000 1234": "whatsapp:+15550001234",
		"15550001234":              "+15550001234",
	}
	for in, want := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(in)
		if err != nil || got != want {
			t.Errorf("canonicalize(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("abc"); err == nil {
		t.Error("expected error for non-numeric recipient")
	}
}

func TestTwilioServiceSendPropagatesErrors(t *testing.T) {
	mock := &twiliovoice.MockSender{Err: errors.New("rate limited")}
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "+15550001234", "hi"); err == nil {
		t.Error("expected send error")
	}
}

func TestLogService(t *testing.T) {
	var buf strings.Builder
	svc := NewLogService(slog.New(slog.NewTextHandler(&buf, nil)))
	if err := svc.SendMessage(context.Background(), "ops", "hello"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("message not logged: %s", buf.String())
	}
	if err := svc.SendMessage(context.Background(), " ", "x"); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestFormatNotice(t *testing.T) {
	got := FormatNotice(submission.Notice{
		SubmissionID: "sub_1",
		Form:         "contact",
		Source:       "voice",
		Fields:       map[string]string{"name": "alice", "message": "", "email": "a@b.co"},
	})
	want := "New contact submission (sub_1) via voice\nemail: a@b.co\nmessage: -\nname: alice"
	if got != want {
		t.Errorf("FormatNotice =\n%s\nwant\n%s", got, want)
	}
}

func TestOutboxSendFuncDeliversNotices(t *testing.T) {
	backend := store.NewInMemoryStore()
	payload := `{"submission_id":"sub_1","form":"contact","fields":{"name":"alice"},"source":"api","created_at":"2026-01-01T00:00:00Z"}`
	id, _ := backend.EnqueueOutboxMessage("+15550001234", store.OutboxKindSubmissionNotice, payload, "sub_1")

	mock := &twiliovoice.MockSender{}
	send := OutboxSendFunc(NewTwilioService(mock))
	sender := store.NewOutboxSender(backend, send, time.Second)
	sender.Run(cancelAfterPoll(t))

	if len(mock.Sent) != 1 || !strings.Contains(mock.Sent[0].Body, "name: alice") {
		t.Fatalf("unexpected sent: %+v", mock.Sent)
	}
	m, _ := backend.GetOutboxMessage(id)
	if m.Status != store.OutboxStatusSent {
		t.Errorf("status = %s", m.Status)
	}
}

// cancelAfterPoll returns a context that ends shortly after the sender's first tick.
func cancelAfterPoll(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestOutboxSendFuncRejectsUnknownKind(t *testing.T) {
	send := OutboxSendFunc(NewLogService(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := send(context.Background(), store.OutboxMessage{ID: "x", Kind: "mystery"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := send(context.Background(), store.OutboxMessage{ID: "y", Kind: store.OutboxKindSubmissionNotice, PayloadJSON: "{"}); err == nil {
		t.Error("expected error for corrupt payload")
	}
}
