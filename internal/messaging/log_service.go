package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogService implements Service by logging messages. It backs deployments
// without an outbound channel.
type LogService struct {
	logger *slog.Logger
	stopFlag
}

var _ Service = (*LogService)(nil)

// NewLogService creates a LogService. A nil logger uses slog.Default().
func NewLogService(logger *slog.Logger) *LogService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogService{logger: logger, stopFlag: newStopFlag()}
}

// ValidateAndCanonicalizeRecipient accepts any non-empty recipient.
func (s *LogService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (s *LogService) Start(ctx context.Context) error { return nil }

func (s *LogService) Stop() error {
	s.stop()
	return nil
}

// SendMessage logs the message.
func (s *LogService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.logger.Info("LogService message", "to", to, "body", body)
	return nil
}
