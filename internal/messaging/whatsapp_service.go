package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/VoiceForm/internal/whatsapp"
)

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client whatsapp.Sender
	stopFlag
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{client: client, stopFlag: newStopFlag()}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return whatsapp.CanonicalizeRecipient(recipient)
}

// Start is a no-op; the client connects on creation.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	return nil
}

// Stop disconnects the underlying client when it is a live connection.
func (s *WhatsAppService) Stop() error {
	if !s.stop() {
		return nil
	}
	if c, ok := s.client.(*whatsapp.Client); ok {
		c.Close()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends body to the phone number to.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", canonical)
	return nil
}
