// Package codec turns PCM frames from a ring buffer into a compressed
// stream. Encoder implementations are pluggable backends looked up in a
// registry; a backend that is missing at runtime is reported as
// ErrBackendUnavailable rather than crashing the process.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"glasscoder/internal/platform/logger"
	"glasscoder/internal/platform/metrics"
	"glasscoder/internal/ringbuffer"
)

var (
	// ErrBackendUnavailable is returned by Start when the encoder library or
	// binary for the requested format is not present.
	ErrBackendUnavailable = errors.New("codec backend unavailable")

	// ErrUnsupportedFormat is returned for format keywords with no backend.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrInvalidConfiguration is returned when the channel, rate, bitrate
	// and quality combination is illegal for the format.
	ErrInvalidConfiguration = errors.New("invalid codec configuration")
)

// QualityUnset marks Config.Quality as inactive (constant bitrate mode).
const QualityUnset = -1.0

// Type identifies an audio format.
type Type int

const (
	TypeAAC Type = iota
	TypeMP2
	TypeMP3
	TypeVorbis
	TypePCM16
	TypeOpus
)

var typeKeywords = map[Type]string{
	TypeAAC:    "aacp",
	TypeMP2:    "mp2",
	TypeMP3:    "mp3",
	TypeVorbis: "vorbis",
	TypePCM16:  "pcm16",
	TypeOpus:   "opus",
}

// String returns the configuration keyword of t.
func (t Type) String() string {
	if s, ok := typeKeywords[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType maps a configuration keyword to a Type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, kw := range typeKeywords {
		if kw == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Config describes one encoder instance. Exactly one of Bitrate and Quality
// is active.
type Config struct {
	Type       Type
	Channels   int
	SourceRate int
	StreamRate int
	// Bitrate is in kbit/s; zero in quality mode.
	Bitrate int
	// Quality is in [0,1]; QualityUnset in bitrate mode.
	Quality float64
	// EncoderBinary is the external encoder used by subprocess backends.
	EncoderBinary string
}

// DefaultConfig returns 128 kbit/s stereo at 48 kHz.
func DefaultConfig(t Type) Config {
	return Config{
		Type:          t,
		Channels:      2,
		SourceRate:    48000,
		StreamRate:    48000,
		Bitrate:       128,
		Quality:       QualityUnset,
		EncoderBinary: "ffmpeg",
	}
}

// ConstantBitrate reports whether the codec runs in bitrate mode.
func (c Config) ConstantBitrate() bool {
	return c.Quality == QualityUnset
}

// BitsPerSecond returns Bitrate in bit/s.
func (c Config) BitsPerSecond() int {
	return c.Bitrate * 1000
}

// BitratePerChannel returns the per-channel bitrate in kbit/s for backends
// that are configured per channel.
func (c Config) BitratePerChannel() int {
	if c.Channels <= 0 {
		return c.Bitrate
	}
	return c.Bitrate / c.Channels
}

// NeedsResampling reports whether capture and publish rates differ.
func (c Config) NeedsResampling() bool {
	return c.SourceRate != c.StreamRate
}

// Validate checks the generic constraints shared by all backends.
func (c Config) Validate() error {
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: %d channels", ErrInvalidConfiguration, c.Channels)
	}
	if c.SourceRate <= 0 || c.StreamRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidConfiguration)
	}
	cbr := c.Bitrate > 0
	vbr := c.Quality != QualityUnset
	switch {
	case cbr && vbr:
		return fmt.Errorf("%w: bitrate and quality are mutually exclusive", ErrInvalidConfiguration)
	case !cbr && !vbr:
		return fmt.Errorf("%w: bitrate or quality is required", ErrInvalidConfiguration)
	case vbr && (c.Quality < 0 || c.Quality > 1):
		return fmt.Errorf("%w: quality %.2f out of range", ErrInvalidConfiguration, c.Quality)
	}
	return nil
}

// Sink receives encoded data. frames is the number of PCM frames (at the
// stream rate) the bytes represent.
type Sink interface {
	WriteData(frames int, data []byte) int
}

// Codec drains a ring buffer through an encoder backend.
type Codec struct {
	cfg      Config
	provider Provider
	backend  Backend
	ring     *ringbuffer.RingBuffer
	log      *slog.Logger
	metrics  *metrics.Metrics

	resampler *Resampler
	srcRing   *ringbuffer.RingBuffer
	inBuf     []float32
	outBuf    []float32
	pcm       []float32

	resampledIn  int64
	resampledOut int64
	driftLogged  bool
	started   bool
}

// resampleChunk is how many capture frames are pulled per resampler pass.
const resampleChunk = 4096

// New returns a Codec for cfg reading from ring. It fails with
// ErrUnsupportedFormat when no backend is registered for cfg.Type.
func New(cfg Config, ring *ringbuffer.RingBuffer, log *slog.Logger, m *metrics.Metrics) (*Codec, error) {
	p, ok := Lookup(cfg.Type)
	if !ok {
		known := make([]string, 0)
		for _, pr := range Providers() {
			known = append(known, pr.Type.String())
		}
		return nil, fmt.Errorf("%w: %s (have %s)", ErrUnsupportedFormat, cfg.Type, strings.Join(known, ", "))
	}
	return &Codec{
		cfg:      cfg,
		provider: p,
		ring:     ring,
		log:      logger.OrDiscard(log).With(slog.String("codec", cfg.Type.String())),
		metrics:  m,
	}, nil
}

// Start validates the configuration and initializes the backend. After a
// successful Start the codec is ready to Encode.
func (c *Codec) Start() error {
	if c.started {
		return nil
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if c.ring != nil && c.ring.Channels() != c.cfg.Channels {
		return fmt.Errorf("%w: ring has %d channels, codec %d", ErrInvalidConfiguration, c.ring.Channels(), c.cfg.Channels)
	}
	if !c.provider.Available(c.cfg) {
		return fmt.Errorf("%w: %s (%s)", ErrBackendUnavailable, c.cfg.Type, c.provider.Name)
	}

	b := c.provider.New()
	if err := b.Start(c.cfg); err != nil {
		return err
	}
	c.backend = b

	if c.cfg.NeedsResampling() {
		rs, err := NewResampler(c.cfg.SourceRate, c.cfg.StreamRate, c.cfg.Channels)
		if err != nil {
			return err
		}
		c.resampler = rs
		c.srcRing = ringbuffer.New(ringbuffer.DefaultFrames, c.cfg.Channels)
		c.inBuf = make([]float32, resampleChunk*c.cfg.Channels)
		c.log.Info("resampling enabled",
			slog.Int("source_rate", c.cfg.SourceRate),
			slog.Int("stream_rate", c.cfg.StreamRate),
			slog.Float64("ratio", rs.Ratio()))
	}
	c.pcm = make([]float32, b.FrameSize()*c.cfg.Channels)
	c.started = true
	c.log.Info("codec started",
		slog.String("backend", c.provider.Name),
		slog.Int("channels", c.cfg.Channels),
		slog.Int("bitrate", c.cfg.Bitrate),
		slog.Float64("quality", c.cfg.Quality))
	return nil
}

// Encode drains every complete encoder frame currently in the ring and
// forwards the encoded bytes to sink. Output is not paced to wall-clock.
func (c *Codec) Encode(sink Sink) error {
	if !c.started {
		return fmt.Errorf("codec %s not started", c.cfg.Type)
	}
	src := c.ring
	if c.resampler != nil {
		c.resample()
		src = c.srcRing
	}
	fs := c.backend.FrameSize()
	emit := c.emitter(sink)
	for src.ReadSpace() >= fs {
		n := src.Read(c.pcm, fs)
		if err := c.backend.Encode(c.pcm, n, emit); err != nil {
			return err
		}
	}
	return nil
}

// Flush encodes any partial frame left in the ring, zero padded, and drains
// the backend. Call once when the stream ends.
func (c *Codec) Flush(sink Sink) error {
	if !c.started {
		return nil
	}
	if err := c.Encode(sink); err != nil {
		return err
	}
	src := c.ring
	if c.resampler != nil {
		src = c.srcRing
	}
	emit := c.emitter(sink)
	if left := src.ReadSpace(); left > 0 {
		clear(c.pcm)
		src.Read(c.pcm, left)
		if err := c.backend.Encode(c.pcm, c.backend.FrameSize(), emit); err != nil {
			return err
		}
	}
	return c.backend.Flush(emit)
}

func (c *Codec) resample() {
	ch := c.cfg.Channels
	for {
		n := c.ring.Read(c.inBuf, resampleChunk)
		if n == 0 {
			return
		}
		if need := (c.resampler.OutputFrames(n) + 1) * ch; cap(c.outBuf) < need {
			c.outBuf = make([]float32, 0, need)
		}
		c.outBuf = c.resampler.Process(c.inBuf[:n*ch], c.outBuf[:0])
		frames := len(c.outBuf) / ch
		c.checkResampled(n, frames)
		if w := c.srcRing.Write(c.outBuf, frames); w < frames {
			c.log.Warn("resampler ring overflow", slog.Int("dropped_frames", frames-w))
			c.metrics.AddRingOverflow(frames - w)
		}
	}
}

// checkResampled tracks produced against expected frames. The two may
// differ by the resampler's look-ahead; anything beyond that is logged once.
func (c *Codec) checkResampled(in, out int) {
	c.resampledIn += int64(in)
	c.resampledOut += int64(out)
	want := int64(c.resampler.OutputFrames(int(c.resampledIn)))
	slack := int64(c.resampler.OutputFrames(c.resampler.Latency())) + 2
	if drift := want - c.resampledOut; (drift < 0 || drift > slack) && !c.driftLogged {
		c.driftLogged = true
		c.log.Warn("resampler output drift",
			slog.Int64("input_frames", c.resampledIn),
			slog.Int64("output_frames", c.resampledOut),
			slog.Int64("expected_frames", want))
	}
}

func (c *Codec) emitter(sink Sink) Emitter {
	return func(frames int, data []byte) {
		if len(data) == 0 {
			return
		}
		c.metrics.AddEncodedBytes(len(data))
		sink.WriteData(frames, data)
	}
}

// StreamPrologue returns the container header that must precede the first
// data frame on every connection. It may be nil.
func (c *Codec) StreamPrologue() []byte {
	if c.backend == nil {
		return nil
	}
	return c.backend.Prologue()
}

// Close releases the backend.
func (c *Codec) Close() error {
	if c.backend == nil {
		return nil
	}
	err := c.backend.Close()
	c.backend = nil
	c.started = false
	return err
}

// Config returns the configuration the codec was built with.
func (c *Codec) Config() Config { return c.cfg }

// Resampler returns the active resampler, or nil when rates match.
func (c *Codec) Resampler() *Resampler { return c.resampler }

// ContentType is the MIME type of the encoded stream.
func (c *Codec) ContentType() string { return c.provider.ContentType }

// Extension is the file extension used for segments and archives.
func (c *Codec) Extension() string { return c.provider.Extension }

// FormatIdentifier is the RFC 6381 codec string used in HLS master
// playlists. Empty when none applies.
func (c *Codec) FormatIdentifier() string { return c.provider.FormatIdentifier }

// FrameSize is the backend's native PCM frame count per encode call.
func (c *Codec) FrameSize() int {
	if c.backend == nil {
		return 0
	}
	return c.backend.FrameSize()
}
