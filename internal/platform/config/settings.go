package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ErrConfiguration marks an illegal combination of settings. It is fatal and
// is reported before any connection is attempted.
var ErrConfiguration = errors.New("configuration error")

// QualityUnset is the Audio.Quality value when constant bitrate is in use.
const QualityUnset = -1.0

var (
	audioFormats = []string{"aacp", "mp2", "mp3", "vorbis", "pcm16", "opus"}
	serverTypes  = []string{"hls", "icecast2", "shout1", "shout2", "file", "filearchive", "icecaststreamer", "iceout"}
	audioDevices = []string{"generator", "file", "portaudio"}
)

// Config is the resolved, validated configuration of one encoder run.
// Treat it as read-only once FromEnv returns.
type Config struct {
	Audio       Audio
	Server      Server
	Stream      Stream
	HLS         HLS
	Metadata    Metadata
	Log         Log
	StatusLines bool
}

// Audio describes capture and encoding.
type Audio struct {
	Format           string
	Bitrates         []int
	Quality          float64
	Channels         int
	SampleRate       int
	SourceSampleRate int
	Device           string
	// DeviceChannels is the capture channel count, remixed to Channels.
	DeviceChannels int
	File           string
	FileLoop       bool
	// ToneHz is the generator frequency; zero generates silence.
	ToneHz        float64
	RingFrames    int
	EncoderBinary string
}

// Bitrate returns the first configured bitrate, or 0 in quality mode.
func (a Audio) Bitrate() int {
	if len(a.Bitrates) == 0 {
		return 0
	}
	return a.Bitrates[0]
}

// Server describes the publish point.
type Server struct {
	Type           string
	URL            *url.URL
	Username       string
	Password       string
	UserAgent      string
	ScriptUp       string
	ScriptDown     string
	NoDeletes      bool
	MaxConnections int
	ExitOnLast     bool
	Pipe           string
	Auth           string
	SSHIdentity    string
	TransferClient string
}

// Stream holds the descriptive stream metadata sent to servers.
type Stream struct {
	Name            string
	Description     string
	Genre           string
	URL             string
	IRC             string
	ICQ             string
	AIM             string
	Public          bool
	TimestampOffset int
}

// HLS holds segmenter settings.
type HLS struct {
	SegmentSeconds int
	Window         int
}

// Metadata holds the admin side channel settings.
type Metadata struct {
	Port        int
	NATSURL     string
	NATSSubject string
}

// Log holds logger settings.
type Log struct {
	Level       string
	Format      string
	Destination string
}

// FromEnv resolves a Config from the process environment and validates it.
// Call Load first to pull in a .env file.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Audio: Audio{
			Format:        strings.ToLower(GetEnv("AUDIO_FORMAT", "pcm16")),
			Quality:       GetEnvFloat("AUDIO_QUALITY", QualityUnset),
			Channels:      GetEnvInt("AUDIO_CHANNELS", 2),
			SampleRate:    GetEnvInt("AUDIO_SAMPLERATE", 48000),
			Device:        strings.ToLower(GetEnv("AUDIO_DEVICE", "generator")),
			File:          GetEnv("AUDIO_FILE", ""),
			RingFrames:    GetEnvInt("AUDIO_RING_FRAMES", 262144),
			EncoderBinary: GetEnv("ENCODER_BINARY", "ffmpeg"),
		},
		Server: Server{
			Type:           strings.ToLower(GetEnv("SERVER_TYPE", "")),
			Username:       GetEnv("SERVER_USERNAME", "source"),
			Password:       GetEnv("SERVER_PASSWORD", ""),
			UserAgent:      GetEnv("SERVER_USER_AGENT", ""),
			ScriptUp:       GetEnv("SERVER_SCRIPT_UP", ""),
			ScriptDown:     GetEnv("SERVER_SCRIPT_DOWN", ""),
			NoDeletes:      GetEnvBool("SERVER_NO_DELETES", false),
			MaxConnections: GetEnvInt("SERVER_MAX_CONNECTIONS", 0),
			ExitOnLast:     GetEnvBool("SERVER_EXIT_ON_LAST", false),
			Pipe:           GetEnv("SERVER_PIPE", ""),
			Auth:           GetEnv("SERVER_AUTH", ""),
			SSHIdentity:    GetEnv("SSH_IDENTITY", ""),
			TransferClient: GetEnv("TRANSFER_CLIENT", "curl"),
		},
		Stream: Stream{
			Name:            GetEnv("STREAM_NAME", "no name"),
			Description:     GetEnv("STREAM_DESCRIPTION", "unknown"),
			Genre:           GetEnv("STREAM_GENRE", "unknown"),
			URL:             GetEnv("STREAM_URL", ""),
			IRC:             GetEnv("STREAM_IRC", ""),
			ICQ:             GetEnv("STREAM_ICQ", ""),
			AIM:             GetEnv("STREAM_AIM", ""),
			Public:          GetEnvBool("STREAM_PUBLIC", true),
			TimestampOffset: GetEnvInt("STREAM_TIMESTAMP_OFFSET", 0),
		},
		HLS: HLS{
			SegmentSeconds: GetEnvInt("HLS_SEGMENT_SECONDS", 10),
			Window:         GetEnvInt("HLS_WINDOW", 4),
		},
		Metadata: Metadata{
			Port:        GetEnvInt("METADATA_PORT", 0),
			NATSURL:     GetEnv("METADATA_NATS_URL", ""),
			NATSSubject: GetEnv("METADATA_NATS_SUBJECT", "glasscoder.metadata"),
		},
		Log: Log{
			Level:       GetEnv("LOG_LEVEL", "info"),
			Format:      GetEnv("LOG_FORMAT", "json"),
			Destination: GetEnv("LOG_DESTINATION", "stdout"),
		},
		StatusLines: GetEnvBool("STATUS_LINES", true),
	}
	cfg.Audio.SourceSampleRate = GetEnvInt("AUDIO_SOURCE_SAMPLERATE", cfg.Audio.SampleRate)
	cfg.Audio.DeviceChannels = GetEnvInt("AUDIO_DEVICE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.FileLoop = GetEnvBool("AUDIO_FILE_LOOP", false)
	cfg.Audio.ToneHz = GetEnvFloat("AUDIO_TONE_HZ", 0)

	rates := GetEnvList("AUDIO_BITRATE")
	for _, r := range rates {
		n, err := strconv.Atoi(r)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: invalid AUDIO_BITRATE value %q", ErrConfiguration, r)
		}
		cfg.Audio.Bitrates = append(cfg.Audio.Bitrates, n)
	}
	if len(cfg.Audio.Bitrates) == 0 && cfg.Audio.Quality == QualityUnset {
		cfg.Audio.Bitrates = []int{128}
	}

	if raw := GetEnv("SERVER_URL", ""); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid SERVER_URL: %v", ErrConfiguration, err)
		}
		cfg.Server.URL = u
	}

	if path := GetEnv("CREDENTIALS_FILE", ""); path != "" {
		if err := cfg.readCredentials(path, GetEnvBool("DELETE_CREDENTIALS", false)); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readCredentials loads SERVER_USERNAME and SERVER_PASSWORD from an
// env-format file, optionally unlinking it afterwards.
func (c *Config) readCredentials(path string, remove bool) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("%w: credentials file: %v", ErrConfiguration, err)
	}
	if u := vals["SERVER_USERNAME"]; u != "" {
		c.Server.Username = u
	}
	if p := vals["SERVER_PASSWORD"]; p != "" {
		c.Server.Password = p
	}
	if remove {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("%w: deleting credentials file: %v", ErrConfiguration, err)
		}
	}
	return nil
}

// Validate checks the settings for illegal combinations. Every failure wraps
// ErrConfiguration.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if !slices.Contains(audioFormats, c.Audio.Format) {
		return bad("unknown audio format %q", c.Audio.Format)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return bad("invalid audio channels %d", c.Audio.Channels)
	}
	if c.Audio.DeviceChannels <= 0 {
		return bad("invalid device channels %d", c.Audio.DeviceChannels)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.SourceSampleRate <= 0 {
		return bad("invalid sample rate")
	}
	if c.Audio.RingFrames <= 0 {
		return bad("invalid ring size %d", c.Audio.RingFrames)
	}
	hasQuality := c.Audio.Quality != QualityUnset
	if hasQuality && len(c.Audio.Bitrates) > 0 {
		return bad("audio quality and audio bitrate are mutually exclusive")
	}
	if !hasQuality && len(c.Audio.Bitrates) == 0 {
		return bad("one of audio quality or audio bitrate is required")
	}
	if hasQuality && (c.Audio.Quality < 0 || c.Audio.Quality > 1) {
		return bad("audio quality %.2f out of range", c.Audio.Quality)
	}
	if !slices.Contains(audioDevices, c.Audio.Device) {
		return bad("unknown audio device %q", c.Audio.Device)
	}
	if c.Audio.Device == "file" && c.Audio.File == "" {
		return bad("audio device \"file\" requires AUDIO_FILE")
	}

	if !slices.Contains(serverTypes, c.Server.Type) {
		return bad("unknown server type %q", c.Server.Type)
	}
	if len(c.Audio.Bitrates) > 1 && c.Server.Type != "hls" {
		return bad("multiple bitrates are only supported by hls")
	}
	if c.Server.Type != "iceout" && c.Server.URL == nil {
		return bad("missing server url")
	}
	if u := c.Server.URL; u != nil {
		switch c.Server.Type {
		case "icecast2", "shout1", "shout2", "icecaststreamer":
			if u.Scheme != "http" || u.Hostname() == "" {
				return bad("server type %s requires an http url", c.Server.Type)
			}
		case "hls":
			if !slices.Contains([]string{"http", "https", "sftp", "file"}, u.Scheme) {
				return bad("unsupported hls url scheme %q", u.Scheme)
			}
		case "file", "filearchive":
			if u.Scheme != "file" && u.Scheme != "" {
				return bad("server type %s requires a file url", c.Server.Type)
			}
			if c.Server.Type == "filearchive" && strings.HasSuffix(u.Path, "/") {
				return bad("filearchive mountpoint may not be a directory")
			}
		}
	}
	if c.Server.Auth != "" && !strings.Contains(c.Server.Auth, ":") {
		return bad("server auth must be user:password")
	}
	if c.Server.MaxConnections < 0 {
		return bad("invalid max connections %d", c.Server.MaxConnections)
	}

	if c.HLS.SegmentSeconds <= 0 || c.HLS.Window <= 0 {
		return bad("invalid hls segment settings")
	}
	if c.Metadata.Port < 0 || c.Metadata.Port > 65535 {
		return bad("invalid metadata port %d", c.Metadata.Port)
	}
	return nil
}
