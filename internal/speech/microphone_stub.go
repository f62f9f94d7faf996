//go:build !portaudio
// +build !portaudio

package speech

import "context"

// AudioDevice stub when portaudio is not available
type AudioDevice struct {
	opts DeviceOpts
}

// OpenAudioDevice returns a device whose operations fail with ErrAudioUnavailable.
func OpenAudioDevice(opts ...DeviceOption) (*AudioDevice, error) {
	return &AudioDevice{opts: defaultDeviceOpts(opts...)}, ErrAudioUnavailable
}

func (d *AudioDevice) SampleRate() int {
	return d.opts.SampleRate
}

func (d *AudioDevice) Record(_ context.Context) ([]int16, error) {
	return nil, ErrAudioUnavailable
}

func (d *AudioDevice) Play(_ context.Context, _ []int16, _ int) error {
	return ErrAudioUnavailable
}

func (d *AudioDevice) Close() error {
	return nil
}
