// Package portaudio captures microphone input through PortAudio.
//
// Every Open initialises the PortAudio library and every Close terminates it
// again; PortAudio reference-counts these calls, so several captures may be
// open at once.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/tuner/pkg/audio"
)

// ErrDeviceNotFound is returned by Open when the configured device name
// matches no input device.
var ErrDeviceNotFound = errors.New("portaudio: input device not found")

// Capture opens a mono input stream on a PortAudio device.
type Capture struct {
	device      string
	highLatency bool
}

// Option configures a [Capture].
type Option func(*Capture)

// WithDevice selects the input device by 1-based index or by name prefix.
// An empty string selects the host's default input device.
func WithDevice(device string) Option {
	return func(c *Capture) { c.device = device }
}

// WithHighLatency opens the stream with the device's high-latency defaults,
// which trade responsiveness for fewer overflows on busy machines.
func WithHighLatency(high bool) Option {
	return func(c *Capture) { c.highLatency = high }
}

// New returns a Capture.
func New(opts ...Option) *Capture {
	c := &Capture{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open implements [audio.Capture].
func (c *Capture) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("portaudio: open: %w", err)
	}

	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	dev, err := c.resolve()
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}

	var params pa.StreamParameters
	if c.highLatency {
		params = pa.HighLatencyParameters(dev, nil)
	} else {
		params = pa.LowLatencyParameters(dev, nil)
	}
	params.Input.Channels = 1
	params.Output.Channels = 0
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = format.BufferSize

	buf := make([]float32, format.BufferSize)
	st, err := pa.OpenStream(params, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open stream on %q: %w", dev.Name, err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start stream on %q: %w", dev.Name, err)
	}

	slog.Info("portaudio: capture started",
		"device", dev.Name,
		"sample_rate", format.SampleRate,
		"buffer_size", format.BufferSize,
		"latency", params.Input.Latency,
	)
	return &stream{st: st, buf: buf, format: format, device: dev.Name}, nil
}

func (c *Capture) resolve() (*pa.DeviceInfo, error) {
	if c.device == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	return selectDevice(devices, c.device)
}

// selectDevice picks an input device by 1-based index or by name prefix.
func selectDevice(devices []*pa.DeviceInfo, want string) (*pa.DeviceInfo, error) {
	if i, err := strconv.Atoi(want); err == nil {
		if i >= 1 && i <= len(devices) && devices[i-1].MaxInputChannels > 0 {
			return devices[i-1], nil
		}
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, i)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.HasPrefix(d.Name, want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, want)
}

var _ audio.Capture = (*Capture)(nil)

type stream struct {
	format audio.Format
	device string

	mu     sync.Mutex
	st     *pa.Stream
	buf    []float32
	closed bool
}

// Read implements [audio.Stream]. It blocks until PortAudio has a full
// buffer.
func (s *stream) Read(buf audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audio.ErrClosed
	}
	if buf.Len() != len(s.buf) {
		return fmt.Errorf("portaudio: buffer has %d samples, want %d", buf.Len(), len(s.buf))
	}
	if err := s.st.Read(); err != nil {
		return classify(err)
	}
	copy(buf.Samples(), s.buf)
	return nil
}

// classify separates PortAudio errors a session can ride out from those that
// mean the device is gone.
func classify(err error) error {
	switch {
	case errors.Is(err, pa.InputOverflowed), errors.Is(err, pa.TimedOut):
		return fmt.Errorf("portaudio: read: %w", err)
	default:
		return fmt.Errorf("portaudio: read: %w: %w", audio.ErrDeviceLost, err)
	}
}

// Format implements [audio.Stream].
func (s *stream) Format() audio.Format {
	return s.format
}

// Close implements [audio.Stream].
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.st.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop: %w", err))
	}
	if err := s.st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	slog.Info("portaudio: capture stopped", "device", s.device)
	return errors.Join(errs...)
}

var _ audio.Stream = (*stream)(nil)
