package speech

import (
	"errors"
	"time"
)

// ErrNoSpeech is returned by Record when nothing louder than the silence
// threshold was heard before the listen timeout.
var ErrNoSpeech = errors.New("no speech detected")

// DefaultSampleRate is the capture rate used for recordings.
const DefaultSampleRate = 16000

// DeviceOpts configures an AudioDevice.
type DeviceOpts struct {
	SampleRate       int
	FramesPerBuffer  int
	SilenceThreshold int16
	TrailingSilence  time.Duration
	ListenTimeout    time.Duration
	MaxUtterance     time.Duration
}

// DeviceOption applies a setting to DeviceOpts.
type DeviceOption func(*DeviceOpts)

// WithSampleRate sets the capture sample rate.
func WithSampleRate(rate int) DeviceOption {
	return func(o *DeviceOpts) {
		if rate > 0 {
			o.SampleRate = rate
		}
	}
}

// WithSilenceThreshold sets the absolute amplitude below which a frame counts as silence.
func WithSilenceThreshold(t int16) DeviceOption {
	return func(o *DeviceOpts) {
		if t > 0 {
			o.SilenceThreshold = t
		}
	}
}

// WithTrailingSilence sets how long the speaker must be quiet to end a recording.
func WithTrailingSilence(d time.Duration) DeviceOption {
	return func(o *DeviceOpts) { o.TrailingSilence = d }
}

// WithListenTimeout bounds the wait for speech to begin.
func WithListenTimeout(d time.Duration) DeviceOption {
	return func(o *DeviceOpts) { o.ListenTimeout = d }
}

// WithMaxUtterance caps the length of one recording.
func WithMaxUtterance(d time.Duration) DeviceOption {
	return func(o *DeviceOpts) { o.MaxUtterance = d }
}

func defaultDeviceOpts(opts ...DeviceOption) DeviceOpts {
	cfg := DeviceOpts{
		SampleRate:       DefaultSampleRate,
		FramesPerBuffer:  1024,
		SilenceThreshold: 500,
		TrailingSilence:  time.Second,
		ListenTimeout:    8 * time.Second,
		MaxUtterance:     15 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// utterance accumulates captured frames and decides when a recording is complete.
type utterance struct {
	opts     DeviceOpts
	samples  []int16
	heard    bool
	waited   int
	quietRun int
}

// add appends one frame. It returns true once the recording should stop and
// ErrNoSpeech if the listen timeout passed without speech.
func (u *utterance) add(frame []int16) (bool, error) {
	rate := u.opts.SampleRate
	silent := isSilent(frame, u.opts.SilenceThreshold)

	if !u.heard {
		if silent {
			u.waited += len(frame)
			if limit := samplesFor(u.opts.ListenTimeout, rate); limit > 0 && u.waited >= limit {
				return true, ErrNoSpeech
			}
			return false, nil
		}
		u.heard = true
	}

	u.samples = append(u.samples, frame...)
	if silent {
		u.quietRun += len(frame)
	} else {
		u.quietRun = 0
	}
	if u.quietRun >= samplesFor(u.opts.TrailingSilence, rate) {
		return true, nil
	}
	if limit := samplesFor(u.opts.MaxUtterance, rate); limit > 0 && len(u.samples) >= limit {
		return true, nil
	}
	return false, nil
}

func samplesFor(d time.Duration, rate int) int {
	return int(d.Seconds() * float64(rate))
}
