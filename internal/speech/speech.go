// Package speech provides local speech capabilities for the dialogue
// controller: a terminal front end, OpenAI speech-to-text and text-to-speech,
// and PortAudio capture and playback.
package speech

import (
	"context"
	"errors"
)

// ErrAudioUnavailable is returned by audio devices in builds without PortAudio.
var ErrAudioUnavailable = errors.New("audio device not available: rebuild with -tags portaudio")

// Transcriber converts a WAV recording to text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Synthesizer converts text to 16-bit mono PCM at SynthesisSampleRate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]int16, error)
}

// Recorder captures one utterance, returning when the speaker falls silent.
type Recorder interface {
	Record(ctx context.Context) ([]int16, error)
	SampleRate() int
}

// Player plays 16-bit mono PCM. Play returns early when ctx ends.
type Player interface {
	Play(ctx context.Context, samples []int16, sampleRate int) error
}
