//go:build portaudio
// +build portaudio

package speech

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// AudioDevice records from the default input and plays to the default output.
type AudioDevice struct {
	opts DeviceOpts
}

// OpenAudioDevice initializes PortAudio. Close must be called when done.
func OpenAudioDevice(opts ...DeviceOption) (*AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", err)
	}
	d := &AudioDevice{opts: defaultDeviceOpts(opts...)}
	slog.Info("AudioDevice opened", "sampleRate", d.opts.SampleRate)
	return d, nil
}

// SampleRate returns the capture rate.
func (d *AudioDevice) SampleRate() int {
	return d.opts.SampleRate
}

// Record captures one utterance from the default input device.
func (d *AudioDevice) Record(ctx context.Context) ([]int16, error) {
	frame := make([]int16, d.opts.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.opts.SampleRate), len(frame), frame)
	if err != nil {
		return nil, fmt.Errorf("opening input stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("starting input stream: %w", err)
	}
	defer stream.Stop()

	u := &utterance{opts: d.opts}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("reading from stream: %w", err)
		}
		done, err := u.add(frame)
		if err != nil {
			return nil, err
		}
		if done {
			slog.Debug("AudioDevice.Record: utterance captured", "samples", len(u.samples))
			return u.samples, nil
		}
	}
}

// Play writes samples to the default output device.
func (d *AudioDevice) Play(ctx context.Context, samples []int16, sampleRate int) error {
	frame := make([]int16, d.opts.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(frame), frame)
	if err != nil {
		return fmt.Errorf("opening output stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting output stream: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(samples); off += len(frame) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(frame, samples[off:])
		clear(frame[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("writing to stream: %w", err)
		}
	}
	return nil
}

// Close releases PortAudio.
func (d *AudioDevice) Close() error {
	return portaudio.Terminate()
}
