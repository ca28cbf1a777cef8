package codec

import (
	"bytes"
	"encoding/binary"
	"math"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glasscoder/internal/ringbuffer"
)

type captureSink struct {
	frames int
	data   bytes.Buffer
	writes int
}

func (s *captureSink) WriteData(frames int, data []byte) int {
	s.frames += frames
	s.writes++
	n, _ := s.data.Write(data)
	return n
}

func TestParseType(t *testing.T) {
	for kw, want := range map[string]Type{"aacp": TypeAAC, "MP3": TypeMP3, "vorbis": TypeVorbis, "pcm16": TypePCM16, "opus": TypeOpus, "mp2": TypeMP2} {
		got, err := ParseType(kw)
		require.NoError(t, err, kw)
		assert.Equal(t, want, got)
	}
	_, err := ParseType("flac")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig(TypePCM16)
	require.NoError(t, cfg.Validate())

	both := cfg
	both.Quality = 0.5
	assert.ErrorIs(t, both.Validate(), ErrInvalidConfiguration)

	neither := cfg
	neither.Bitrate = 0
	assert.ErrorIs(t, neither.Validate(), ErrInvalidConfiguration)

	vbr := neither
	vbr.Quality = 0.4
	assert.NoError(t, vbr.Validate())
	assert.False(t, vbr.ConstantBitrate())

	chans := cfg
	chans.Channels = 3
	assert.ErrorIs(t, chans.Validate(), ErrInvalidConfiguration)

	assert.Equal(t, 64, cfg.BitratePerChannel())
	assert.Equal(t, 128000, cfg.BitsPerSecond())
}

func TestStartBackendUnavailable(t *testing.T) {
	Register(Provider{
		Type:      Type(99),
		Name:      "missing",
		Available: func(Config) bool { return false },
		New:       func() Backend { return nil },
	})
	cfg := DefaultConfig(Type(99))
	c, err := New(cfg, ringbuffer.New(1024, 2), nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(), ErrBackendUnavailable)
}

func TestNewUnsupportedFormat(t *testing.T) {
	_, err := New(DefaultConfig(Type(1234)), ringbuffer.New(16, 2), nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "pcm16")
}

func TestStartRingChannelMismatch(t *testing.T) {
	c, err := New(DefaultConfig(TypePCM16), ringbuffer.New(1024, 1), nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(), ErrInvalidConfiguration)
}

func decodePCM16(t *testing.T, prologue, data []byte, channels int) []float32 {
	t.Helper()
	require.Len(t, prologue, WAVHeaderSize)
	require.Equal(t, "RIFF", string(prologue[:4]))
	require.Equal(t, uint16(channels), binary.LittleEndian.Uint16(prologue[22:]))
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32767
	}
	return out
}

func TestPCM16RoundTrip(t *testing.T) {
	ring := ringbuffer.New(1<<16, 2)
	c, err := New(DefaultConfig(TypePCM16), ring, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	const frames = 4096
	in := make([]float32, frames*2)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) / 20))
	}
	require.Equal(t, frames, ring.Write(in, frames))

	sink := &captureSink{}
	require.NoError(t, c.Encode(sink))

	assert.Equal(t, frames, sink.frames)
	got := decodePCM16(t, c.StreamPrologue(), sink.data.Bytes(), 2)
	require.Len(t, got, len(in))
	for i := range in {
		assert.InDelta(t, in[i], got[i], 1.0/16384)
	}
	assert.Equal(t, "audio/x-wav", c.ContentType())
	assert.Equal(t, "wav", c.Extension())
}

func TestEncodeLeavesPartialFrameUntilFlush(t *testing.T) {
	ring := ringbuffer.New(8192, 1)
	cfg := DefaultConfig(TypePCM16)
	cfg.Channels = 1
	c, err := New(cfg, ring, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	ring.Write(make([]float32, 1500), 1500)
	sink := &captureSink{}
	require.NoError(t, c.Encode(sink))
	assert.Equal(t, 1024, sink.frames)
	assert.Equal(t, 476, ring.ReadSpace())

	require.NoError(t, c.Flush(sink))
	assert.Equal(t, 2048, sink.frames)
	assert.Equal(t, 0, ring.ReadSpace())
}

func TestResamplingScenario(t *testing.T) {
	cfg := DefaultConfig(TypePCM16)
	cfg.Bitrate = 128
	cfg.Channels = 2
	cfg.SourceRate = 48000
	cfg.StreamRate = 44100

	ring := ringbuffer.New(ringbuffer.DefaultFrames, 2)
	c, err := New(cfg, ring, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	require.NotNil(t, c.Resampler())
	assert.Equal(t, 44100.0/48000.0, c.Resampler().Ratio())

	silence := make([]float32, 48000*2)
	require.Equal(t, 48000, ring.Write(silence, 48000))

	sink := &captureSink{}
	require.NoError(t, c.Encode(sink))
	assert.Greater(t, sink.data.Len(), 0)

	require.NoError(t, c.Flush(sink))
	// One second in, one second out, within one encoder frame plus the
	// resampler look-ahead.
	assert.InDelta(t, 44100, sink.frames, float64(c.FrameSize()+c.Resampler().Latency()))
}

func TestFFmpegAvailability(t *testing.T) {
	cfg := DefaultConfig(TypeMP3)
	cfg.EncoderBinary = "glasscoder-no-such-encoder"
	assert.False(t, Available(cfg))

	c, err := New(cfg, ringbuffer.New(4096, 2), nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(), ErrBackendUnavailable)
}

func TestFFmpegArgs(t *testing.T) {
	b := &ffmpegBackend{format: ffmpegFormats[TypeMP3], cfg: DefaultConfig(TypeMP3)}
	args, err := b.args()
	require.NoError(t, err)
	assert.Contains(t, args, "libmp3lame")
	assert.Contains(t, args, "128k")

	b.cfg.Bitrate = 0
	b.cfg.Quality = 1
	args, err = b.args()
	require.NoError(t, err)
	assert.Contains(t, args, "-q:a")
	assert.Contains(t, args, "0")

	mp2 := &ffmpegBackend{format: ffmpegFormats[TypeMP2], cfg: b.cfg}
	_, err = mp2.args()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestFFmpegMP3Encode(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	ring := ringbuffer.New(1<<16, 2)
	c, err := New(DefaultConfig(TypeMP3), ring, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	ring.Write(make([]float32, 48000*2), 48000)
	sink := &captureSink{}
	require.NoError(t, c.Encode(sink))
	require.NoError(t, c.Flush(sink))

	assert.Greater(t, sink.data.Len(), 0)
	assert.GreaterOrEqual(t, sink.frames, 48000)
}

func TestResamplerOutputFramesTracksProcess(t *testing.T) {
	r, err := NewResampler(48000, 44100, 1)
	require.NoError(t, err)
	assert.Equal(t, 3764, r.OutputFrames(4096))

	in := make([]float32, 4096)
	var out []float32
	produced := 0
	for i := 1; i <= 10; i++ {
		out = r.Process(in, out[:0])
		produced += len(out)
		want := r.OutputFrames(4096 * i)
		assert.LessOrEqual(t, produced, want)
		assert.GreaterOrEqual(t, produced, want-r.OutputFrames(r.Latency())-2)
	}
}
