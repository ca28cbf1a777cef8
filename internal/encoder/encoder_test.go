package encoder

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glasscoder/internal/capture"
	"glasscoder/internal/codec"
	"glasscoder/internal/connector"
	"glasscoder/internal/metadata"
	"glasscoder/internal/platform/config"
)

// burstSource writes a fixed amount of audio on Start and ends at once.
type burstSource struct {
	rate, channels, frames int
	done                   chan struct{}
	once                   sync.Once
}

func newBurst(rate, channels, frames int) *burstSource {
	return &burstSource{rate: rate, channels: channels, frames: frames, done: make(chan struct{})}
}

func (b *burstSource) Channels() int   { return b.channels }
func (b *burstSource) SampleRate() int { return b.rate }

func (b *burstSource) Start(_ context.Context, w capture.Writer) error {
	buf := make([]float32, b.frames*b.channels)
	for i := range buf {
		buf[i] = 0.25
	}
	w.Write(buf, b.frames)
	b.Stop()
	return nil
}

func (b *burstSource) Stop() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *burstSource) Done() <-chan struct{} { return b.done }

func pcmConfig(t connector.ServerType, u *url.URL) Config {
	cc := codec.DefaultConfig(codec.TypePCM16)
	cc.SourceRate, cc.StreamRate = 8000, 8000
	return Config{
		Codec:        cc,
		ServerType:   t,
		URL:          u,
		Settings:     connector.DefaultSettings(),
		RingFrames:   65536,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestRunToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.wav")
	cfg := pcmConfig(connector.ServerFile, &url.URL{Scheme: "file", Path: out})
	var status bytes.Buffer

	e, err := New(cfg, Options{Source: newBurst(8000, 2, 8000), Status: &status})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	info, err := os.Stat(out)
	require.NoError(t, err)
	// 8000 frames are padded to whole 1024-frame blocks by the final flush.
	assert.Equal(t, int64(codec.WAVHeaderSize+8192*2*2), info.Size())

	lines := strings.Split(strings.TrimSpace(status.String()), "\n")
	assert.Equal(t, []string{"CS 1", "CS 2", "CS 4"}, lines)
}

func TestRunRemixesMonoCapture(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.wav")
	cfg := pcmConfig(connector.ServerFile, &url.URL{Scheme: "file", Path: out})

	e, err := New(cfg, Options{Source: newBurst(8000, 1, 1024)})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(codec.WAVHeaderSize+1024*2*2), info.Size())
}

func TestMultiBitrateHLS(t *testing.T) {
	dir := t.TempDir()
	cfg := pcmConfig(connector.ServerHLS, &url.URL{Scheme: "file", Path: dir + "/live.m3u8"})
	cfg.Bitrates = []int{64, 128}
	cfg.Settings.SegmentSeconds = 1
	cfg.Settings.NoDeletes = true
	cfg.WorkDir = t.TempDir()

	e, err := New(cfg, Options{Source: newBurst(8000, 2, 20000)})
	require.NoError(t, err)
	require.Len(t, e.Connectors(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	master, err := os.ReadFile(filepath.Join(dir, "live.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(master), "live.64.m3u8")
	assert.Contains(t, string(master), "live.128.m3u8")

	media, err := os.ReadFile(filepath.Join(dir, "live.128.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(media), "#EXT-X-ENDLIST")

	for _, br := range []string{"64", "128"} {
		segs, err := filepath.Glob(filepath.Join(dir, "live."+br+"-*.wav"))
		require.NoError(t, err)
		assert.Len(t, segs, 3, "bitrate %s", br)
	}
	assert.ElementsMatch(t, []string{"live.64", "live.128"}, renditionNames(e))
}

func renditionNames(e *Encoder) []string {
	var out []string
	for _, id := range e.Playlists().Registry().Renditions() {
		out = append(out, string(id))
	}
	return out
}

func TestMultiBitrateNeedsHLS(t *testing.T) {
	cfg := pcmConfig(connector.ServerFile, &url.URL{Scheme: "file", Path: "/tmp/x.wav"})
	cfg.Bitrates = []int{64, 128}
	_, err := New(cfg, Options{Source: newBurst(8000, 2, 0)})
	assert.ErrorIs(t, err, connector.ErrInvalidSettings)
	assert.True(t, IsFatal(err))
}

func TestRemixFailureIsFatal(t *testing.T) {
	cfg := pcmConfig(connector.ServerFile, &url.URL{Scheme: "file", Path: filepath.Join(t.TempDir(), "x.wav")})
	e, err := New(cfg, Options{Source: newBurst(8000, 6, 16)})
	require.NoError(t, err)
	err = e.Run(context.Background())
	assert.ErrorIs(t, err, capture.ErrRemix)
	assert.True(t, IsFatal(err))
}

func TestCaptureRateMismatch(t *testing.T) {
	cfg := pcmConfig(connector.ServerFile, &url.URL{Scheme: "file", Path: filepath.Join(t.TempDir(), "x.wav")})
	e, err := New(cfg, Options{Source: newBurst(44100, 2, 16)})
	require.NoError(t, err)
	err = e.Run(context.Background())
	assert.ErrorIs(t, err, codec.ErrInvalidConfiguration)
}

func TestUnknownCodecIsFatal(t *testing.T) {
	cfg := pcmConfig(connector.ServerFile, &url.URL{Scheme: "file", Path: "/tmp/x.wav"})
	cfg.Codec.Type = codec.Type(99)
	_, err := New(cfg, Options{Source: newBurst(8000, 2, 0)})
	assert.ErrorIs(t, err, codec.ErrUnsupportedFormat)
	assert.True(t, IsFatal(err))
	assert.False(t, IsFatal(connector.ErrProtocolRejected))
}

type metaRecorder struct {
	connector.Connector
	got []metadata.Event
}

func (m *metaRecorder) SendMetadata(ev metadata.Event) { m.got = append(m.got, ev) }

func TestSendMetadataReachesEveryRendition(t *testing.T) {
	a, b := &metaRecorder{}, &metaRecorder{}
	e := &Encoder{renditions: []*rendition{{conn: a}, {conn: b}}}
	e.SendMetadata(metadata.Event{StreamTitle: "Song"})
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestFromConfig(t *testing.T) {
	u, err := url.Parse("http://example.com:8000/live.m3u8")
	require.NoError(t, err)
	cfg := &config.Config{
		Audio: config.Audio{
			Format: "opus", Bitrates: []int{96, 64}, Quality: config.QualityUnset,
			Channels: 2, SampleRate: 48000, SourceSampleRate: 44100,
			Device: "generator", DeviceChannels: 1, RingFrames: 1024, EncoderBinary: "ffmpeg",
		},
		Server: config.Server{Type: "hls", URL: u, Username: "source", Password: "pw", TransferClient: "curl", NoDeletes: true},
		Stream: config.Stream{Name: "Radio", TimestampOffset: 3},
		HLS:    config.HLS{SegmentSeconds: 6, Window: 5},
	}

	ec, cc, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeOpus, ec.Codec.Type)
	assert.Equal(t, 96, ec.Codec.Bitrate)
	assert.Equal(t, 44100, ec.Codec.SourceRate)
	assert.Equal(t, []int{96, 64}, ec.Bitrates)
	assert.Equal(t, connector.ServerHLS, ec.ServerType)
	assert.Equal(t, 6, ec.Settings.SegmentSeconds)
	assert.Equal(t, 3*time.Second, ec.Settings.TimestampOffset)
	assert.Equal(t, "Radio", ec.Settings.Stream.Name)
	assert.True(t, ec.Transfer.NoDeletes)
	assert.Equal(t, 5, ec.HLSWindow)
	assert.Equal(t, 1, cc.Channels)
	assert.Equal(t, 44100, cc.SampleRate)

	cfg.Server = config.Server{Type: "iceout"}
	ec, _, err = FromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, ec.URL)
}
