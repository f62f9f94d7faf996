package dialogue

import "context"

// SpeechOutput speaks text. Speak must not block on playback; a later call
// pre-empts an earlier one.
type SpeechOutput interface {
	Speak(ctx context.Context, text string)
}

// SpeechInput captures one utterance per Attempt. An implementation resolves the
// attempt at most once by calling Transcript or Fail, from any goroutine and
// possibly before StartListening returns. StopListening abandons an attempt that
// has not resolved.
type SpeechInput interface {
	StartListening(ctx context.Context, a *Attempt) error
	StopListening(a *Attempt)
}

// Ack is the backend's acknowledgement of a submission.
type Ack struct {
	ID      string
	Message string
}

// SubmitFunc performs one submission round trip.
type SubmitFunc func(ctx context.Context, draft FormDraft) (Ack, error)

// Attempt is a handle for one listening attempt. Results delivered through an
// attempt that is no longer current are discarded.
type Attempt struct {
	id uint64
	c  *Controller
}

// ID returns the attempt's sequence number within its controller.
func (a *Attempt) ID() uint64 { return a.id }

// Transcript delivers the recognized text.
func (a *Attempt) Transcript(ctx context.Context, text string) {
	a.c.dispatch(ctx, event{kind: evTranscript, text: text, attempt: a.id})
}

// Fail delivers a recognition failure. Errors wrapping ErrRecognitionUnsupported end the dialogue.
func (a *Attempt) Fail(ctx context.Context, err error) {
	if err == nil {
		err = ErrRecognition
	}
	a.c.dispatch(ctx, event{kind: evRecognitionError, err: err, attempt: a.id})
}
