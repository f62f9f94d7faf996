package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/VoiceForm/internal/twiliovoice"
)

// TwilioService implements Service using Twilio messaging (SMS or WhatsApp).
type TwilioService struct {
	client twiliovoice.MessageSender
	stopFlag
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliovoice.MessageSender) *TwilioService {
	return &TwilioService{client: client, stopFlag: newStopFlag()}
}

// ValidateAndCanonicalizeRecipient normalizes a phone number to E.164 form,
// keeping an explicit "whatsapp:" prefix.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	prefix := ""
	if strings.HasPrefix(recipient, "whatsapp:") {
		prefix = "whatsapp:"
		recipient = strings.TrimPrefix(recipient, prefix)
	}
	var b strings.Builder
	for _, r := range recipient {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number %q: need at least 6 digits", recipient)
	}
	return prefix + "+" + digits, nil
}

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped.
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	slog.Info("TwilioService message sent", "to", canonicalTo)
	return nil
}
