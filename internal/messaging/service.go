// Package messaging delivers submission notifications over a pluggable channel.
package messaging

import (
	"context"
	"errors"
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Each service applies its own addressing rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop releases resources. Later sends fail with ErrServiceStopped.
	Stop() error
}

// stopFlag is embedded by services to implement Stop semantics.
type stopFlag struct {
	stopped chan struct{}
}

func newStopFlag() stopFlag { return stopFlag{stopped: make(chan struct{})} }

func (f *stopFlag) stop() bool {
	select {
	case <-f.stopped:
		return false
	default:
		close(f.stopped)
		return true
	}
}

func (f *stopFlag) isStopped() bool {
	select {
	case <-f.stopped:
		return true
	default:
		return false
	}
}
