package session

import (
	"context"
	"sync"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
)

// RemoteInput is the speech input of a remote session. The client owns the
// recognizer; it learns from Listening whether to capture and posts results back.
type RemoteInput struct {
	mu      sync.Mutex
	current *dialogue.Attempt
}

// StartListening records a as the open attempt.
func (in *RemoteInput) StartListening(ctx context.Context, a *dialogue.Attempt) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.current = a
	return nil
}

// StopListening forgets a if it is still open.
func (in *RemoteInput) StopListening(a *dialogue.Attempt) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.current == a {
		in.current = nil
	}
}

// Listening reports whether an attempt is open.
func (in *RemoteInput) Listening() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.current != nil
}

// take returns and clears the open attempt.
func (in *RemoteInput) take() *dialogue.Attempt {
	in.mu.Lock()
	defer in.mu.Unlock()
	a := in.current
	in.current = nil
	return a
}
