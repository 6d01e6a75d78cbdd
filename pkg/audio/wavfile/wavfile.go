// Package wavfile replays a WAV recording as an [audio.Capture], so the
// tuner can be exercised without a microphone.
//
// Multi-channel files are down-mixed to mono. The file's sample rate must
// match the requested format; there is no resampling.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/tuner/pkg/audio"
)

// Capture opens a WAV file for every session.
type Capture struct {
	path   string
	loop   bool
	paced  bool
	now    func() time.Time
	sleep  func(time.Duration)
	logger *slog.Logger
}

// Option configures a [Capture].
type Option func(*Capture)

// WithLoop restarts the recording when it ends. Without it the stream
// delivers silence after the last sample.
func WithLoop(loop bool) Option {
	return func(c *Capture) { c.loop = loop }
}

// WithPacing controls whether Read blocks until the returned buffer would
// have been recorded in real time. Enabled by default.
func WithPacing(paced bool) Option {
	return func(c *Capture) { c.paced = paced }
}

// New returns a Capture replaying the file at path.
func New(path string, opts ...Option) *Capture {
	c := &Capture{
		path:   path,
		paced:  true,
		now:    time.Now,
		sleep:  time.Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open implements [audio.Capture].
func (c *Capture) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("wavfile: open: %w", err)
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("wavfile: %s is not a valid WAV file", c.path)
	}
	if int(dec.SampleRate) != format.SampleRate {
		f.Close()
		return nil, fmt.Errorf("wavfile: %s has sample rate %d, want %d: %w",
			c.path, dec.SampleRate, format.SampleRate, audio.ErrInvalidFormat)
	}
	channels := int(dec.NumChans)
	if channels < 1 || dec.BitDepth == 0 {
		f.Close()
		return nil, fmt.Errorf("wavfile: %s has %d channels at %d bits: %w",
			c.path, channels, dec.BitDepth, audio.ErrInvalidFormat)
	}

	s := &stream{
		c:        c,
		file:     f,
		dec:      dec,
		format:   format,
		channels: channels,
		scale:    float32(int64(1) << (dec.BitDepth - 1)),
		offset:   pcmOffset(int(dec.BitDepth)),
		pcm: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: format.SampleRate},
			Data:   make([]int, format.BufferSize*channels),
		},
		started: c.now(),
	}
	c.logger.Info("wavfile: replaying recording",
		"path", c.path,
		"sample_rate", format.SampleRate,
		"channels", channels,
		"bit_depth", dec.BitDepth,
		"loop", c.loop,
	)
	return s, nil
}

var _ audio.Capture = (*Capture)(nil)

type stream struct {
	c        *Capture
	format   audio.Format
	channels int
	scale    float32
	offset   int

	mu        sync.Mutex
	file      *os.File
	dec       *wav.Decoder
	pcm       *goaudio.IntBuffer
	started   time.Time
	delivered int64
	ended     bool
	closed    bool
}

// Read implements [audio.Stream].
func (s *stream) Read(buf audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audio.ErrClosed
	}
	if buf.Len() != s.format.BufferSize {
		return fmt.Errorf("wavfile: buffer has %d samples, want %d", buf.Len(), s.format.BufferSize)
	}

	dst := buf.Samples()
	if err := s.fill(dst); err != nil {
		return err
	}

	s.delivered += int64(len(dst))
	if s.c.paced {
		due := s.started.Add(time.Duration(s.delivered) * time.Second / time.Duration(s.format.SampleRate))
		if d := due.Sub(s.c.now()); d > 0 {
			s.c.sleep(d)
		}
	}
	return nil
}

// fill decodes len(dst) mono samples into dst, rewinding at the end of the
// recording when looping.
func (s *stream) fill(dst []float32) error {
	filled := 0
	rewound := false
	for filled < len(dst) {
		if s.ended {
			clear(dst[filled:])
			return nil
		}

		want := (len(dst) - filled) * s.channels
		s.pcm.Data = s.pcm.Data[:want]
		n, err := s.dec.PCMBuffer(s.pcm)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("wavfile: decode: %w", err)
		}

		frames := n / s.channels
		s.downmix(dst[filled:filled+frames], s.pcm.Data[:frames*s.channels])
		filled += frames
		if n > 0 {
			rewound = false
			continue
		}

		// End of the data chunk.
		if !s.c.loop {
			s.ended = true
			s.c.logger.Info("wavfile: recording ended", "path", s.c.path)
			continue
		}
		if rewound {
			return fmt.Errorf("wavfile: %s contains no samples", s.c.path)
		}
		if err := s.dec.Rewind(); err != nil {
			return fmt.Errorf("wavfile: rewind: %w", err)
		}
		rewound = true
	}
	return nil
}

// downmix averages interleaved frames from src into dst, normalised to
// [-1, 1).
func (s *stream) downmix(dst []float32, src []int) {
	for i := range dst {
		var sum int
		for ch := range s.channels {
			sum += src[i*s.channels+ch] - s.offset
		}
		dst[i] = float32(sum) / float32(s.channels) / s.scale
	}
}

// pcmOffset returns the zero level of unsigned sample formats. 8-bit WAV
// data is unsigned, wider depths are signed.
func pcmOffset(bitDepth int) int {
	if bitDepth == 8 {
		return 128
	}
	return 0
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
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("wavfile: close: %w", err)
	}
	return nil
}

var _ audio.Stream = (*stream)(nil)
