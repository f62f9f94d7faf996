package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
)

// SpeakerOutput synthesizes utterances and plays them. A new utterance stops
// the one still playing.
type SpeakerOutput struct {
	synth  Synthesizer
	player Player

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSpeakerOutput creates a SpeakerOutput.
func NewSpeakerOutput(synth Synthesizer, player Player) *SpeakerOutput {
	return &SpeakerOutput{synth: synth, player: player}
}

// Speak starts rendering text in the background.
func (s *SpeakerOutput) Speak(ctx context.Context, text string) {
	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	prevCancel, prevDone := s.cancel, s.done
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if prevCancel != nil {
			prevCancel()
			<-prevDone
		}
		samples, err := s.synth.Synthesize(playCtx, text)
		if err != nil {
			if playCtx.Err() == nil {
				slog.Error("SpeakerOutput.Speak: synthesis failed", "error", err, "text", text)
			}
			return
		}
		if err := s.player.Play(playCtx, samples, SynthesisSampleRate); err != nil && playCtx.Err() == nil {
			slog.Error("SpeakerOutput.Speak: playback failed", "error", err)
		}
	}()
}

// Wait blocks until the latest utterance has finished or ctx ends.
func (s *SpeakerOutput) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts playback.
func (s *SpeakerOutput) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// waiter is satisfied by outputs that can report when they fall silent.
type waiter interface {
	Wait(ctx context.Context) error
}

// MicrophoneInput records one utterance per attempt and transcribes it.
type MicrophoneInput struct {
	rec    Recorder
	stt    Transcriber
	output waiter

	device sync.Mutex

	mu      sync.Mutex
	current *dialogue.Attempt
	cancel  context.CancelFunc
}

// NewMicrophoneInput creates a MicrophoneInput. When output is non-nil each
// recording starts only after it has finished speaking.
func NewMicrophoneInput(rec Recorder, stt Transcriber, output waiter) *MicrophoneInput {
	return &MicrophoneInput{rec: rec, stt: stt, output: output}
}

// StartListening begins capturing for a.
func (m *MicrophoneInput) StartListening(ctx context.Context, a *dialogue.Attempt) error {
	base := context.WithoutCancel(ctx)
	actx, cancel := context.WithCancel(base)

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.current, m.cancel = a, cancel
	m.mu.Unlock()

	go m.capture(actx, base, a)
	return nil
}

// StopListening abandons a if it is still being captured.
func (m *MicrophoneInput) StopListening(a *dialogue.Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != a {
		return
	}
	m.cancel()
	m.current, m.cancel = nil, nil
}

// release clears a from the current slot, reporting whether it was still current.
func (m *MicrophoneInput) release(a *dialogue.Attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != a {
		return false
	}
	m.cancel()
	m.current, m.cancel = nil, nil
	return true
}

func (m *MicrophoneInput) capture(actx, base context.Context, a *dialogue.Attempt) {
	if m.output != nil {
		if err := m.output.Wait(actx); err != nil {
			return
		}
	}

	m.device.Lock()
	samples, err := m.rec.Record(actx)
	m.device.Unlock()

	if actx.Err() != nil {
		return
	}
	if err != nil {
		if m.release(a) {
			a.Fail(base, recognitionError(err))
		}
		return
	}

	text, err := m.stt.Transcribe(actx, EncodeWAV(samples, m.rec.SampleRate()))
	if actx.Err() != nil {
		return
	}
	if err == nil && text == "" {
		err = ErrNoSpeech
	}
	if !m.release(a) {
		return
	}
	if err != nil {
		slog.Warn("MicrophoneInput.capture: recognition failed", "attempt", a.ID(), "error", err)
		a.Fail(base, recognitionError(err))
		return
	}
	slog.Debug("MicrophoneInput.capture: transcript", "attempt", a.ID(), "text", text)
	a.Transcript(base, text)
}

func recognitionError(err error) error {
	if errors.Is(err, ErrAudioUnavailable) {
		return fmt.Errorf("%w: %v", dialogue.ErrRecognitionUnsupported, err)
	}
	return fmt.Errorf("%w: %v", dialogue.ErrRecognition, err)
}
