package session

import (
	"context"
	"sync"
)

// maxHistory bounds the utterances a Voice keeps.
const maxHistory = 64

// Voice is the speech output of a remote session. It records utterances for the
// client to synthesize; the latest utterance replaces the previous one.
type Voice struct {
	mu      sync.Mutex
	history []string
	total   int
}

// Speak records text.
func (v *Voice) Speak(ctx context.Context, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.history = append(v.history, text)
	if len(v.history) > maxHistory {
		v.history = v.history[len(v.history)-maxHistory:]
	}
	v.total++
}

// Last returns the most recent utterance.
func (v *Voice) Last() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.history) == 0 {
		return ""
	}
	return v.history[len(v.history)-1]
}

// Mark returns a position for Since.
func (v *Voice) Mark() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

// Since returns the utterances spoken after mark.
func (v *Voice) Since(mark int) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.total - mark
	if n <= 0 {
		return nil
	}
	if n > len(v.history) {
		n = len(v.history)
	}
	return append([]string(nil), v.history[len(v.history)-n:]...)
}
