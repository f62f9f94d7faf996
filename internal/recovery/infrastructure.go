package recovery

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/VoiceForm/internal/store"
)

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context, registry *RecoveryRegistry) error

// RecoverState calls f.
func (f RecoverableFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// OutboxRecovery requeues notifications that were being sent when the process stopped.
func OutboxRecovery(sender *store.OutboxSender) Recoverable {
	return RecoverableFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		slog.Info("Recovering outbox messages")
		return sender.RecoverStaleMessages()
	})
}
