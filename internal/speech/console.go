package speech

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
)

// ConsoleOutput prints utterances to a terminal.
type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleOutput creates a ConsoleOutput writing to w.
func NewConsoleOutput(w io.Writer) *ConsoleOutput {
	return &ConsoleOutput{w: w}
}

// Speak prints text on its own line.
func (o *ConsoleOutput) Speak(ctx context.Context, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, "voiceform> %s\n", text)
}

// ConsoleInput treats each line read from r as one utterance. Lines typed while
// no attempt is open are dropped. End of input ends recognition for good.
type ConsoleInput struct {
	r      io.Reader
	logger *slog.Logger
	once   sync.Once

	mu      sync.Mutex
	current *dialogue.Attempt
	ctx     context.Context
	closed  bool
}

// NewConsoleInput creates a ConsoleInput reading from r.
func NewConsoleInput(r io.Reader) *ConsoleInput {
	return &ConsoleInput{r: r, logger: slog.Default()}
}

// StartListening opens a for the next line.
func (in *ConsoleInput) StartListening(ctx context.Context, a *dialogue.Attempt) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return fmt.Errorf("%w: console input closed", dialogue.ErrRecognitionUnsupported)
	}
	in.current = a
	in.ctx = context.WithoutCancel(ctx)
	in.mu.Unlock()

	// The reader starts after the first attempt is open so the first line is not dropped.
	in.once.Do(func() { go in.readLines() })
	return nil
}

// StopListening forgets a if it is still open.
func (in *ConsoleInput) StopListening(a *dialogue.Attempt) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.current == a {
		in.current = nil
	}
}

func (in *ConsoleInput) take() (*dialogue.Attempt, context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	a, ctx := in.current, in.ctx
	in.current = nil
	return a, ctx
}

func (in *ConsoleInput) readLines() {
	scanner := bufio.NewScanner(in.r)
	for scanner.Scan() {
		line := scanner.Text()
		a, ctx := in.take()
		if a == nil {
			in.logger.Debug("ConsoleInput.readLines: not listening, line dropped")
			continue
		}
		a.Transcript(ctx, line)
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}

	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()

	if a, ctx := in.take(); a != nil {
		a.Fail(ctx, fmt.Errorf("%w: %v", dialogue.ErrRecognitionUnsupported, err))
	}
}
