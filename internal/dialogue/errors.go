package dialogue

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFields is returned by Start when the field list is empty.
	ErrNoFields = errors.New("dialogue: no fields")
	// ErrInvalidField is returned by Start when a field has no name or validator or a duplicate name.
	ErrInvalidField = errors.New("dialogue: invalid field")
	// ErrNoSubmitter is returned by Start when no submit function is supplied.
	ErrNoSubmitter = errors.New("dialogue: nil submit function")
	// ErrSessionActive is returned by Start and Restore while a dialogue is running.
	ErrSessionActive = errors.New("dialogue: session already active")
	// ErrNothingToRestore is returned by Restore for snapshots of finished dialogues.
	ErrNothingToRestore = errors.New("dialogue: snapshot is not resumable")
	// ErrRecognitionUnsupported means the speech input can never produce transcripts.
	ErrRecognitionUnsupported = errors.New("speech recognition unsupported")
	// ErrRecognition is a transient recognition failure.
	ErrRecognition = errors.New("speech recognition failed")
	// ErrUnknownField is returned by FormDraft.Set for a name outside the form.
	ErrUnknownField = errors.New("dialogue: unknown field")
)

// ValidationFailure records a rejected answer.
type ValidationFailure struct {
	Field string
	Retry int
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("invalid answer for %s (attempt %d)", e.Field, e.Retry)
}

// SubmissionFailure wraps an error returned by the submit function.
type SubmissionFailure struct {
	Err error
}

func (e *SubmissionFailure) Error() string {
	return "submission failed: " + e.Err.Error()
}

func (e *SubmissionFailure) Unwrap() error { return e.Err }
