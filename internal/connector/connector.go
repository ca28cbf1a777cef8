// Package connector delivers encoded audio to streaming servers. Every
// protocol shares one state machine:
//
//	Idle -> Connecting -> Connected -> (Failed <-> Connecting) -> Stopping -> Stopped
//
// Failures start a watchdog that retries the connection after a fixed
// interval; Stop ends all retries.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"glasscoder/internal/metadata"
)

var (
	// ErrProtocolRejected marks a server that answered the handshake with
	// a non-success status or line.
	ErrProtocolRejected = errors.New("protocol rejected")

	// ErrTransportLost marks a socket or file error on an established
	// connection.
	ErrTransportLost = errors.New("transport lost")

	// ErrStopped is returned when a stopped connector is asked to connect.
	ErrStopped = errors.New("connector stopped")

	// ErrInvalidSettings marks a setting combination a connector cannot
	// run with. It is fatal.
	ErrInvalidSettings = errors.New("invalid connector settings")
)

// DefaultWatchdog is the reconnect interval after a failure.
const DefaultWatchdog = 5 * time.Second

// DefaultPort is used when the server URL carries none.
const DefaultPort = 80

// Connector is the capability set shared by all protocols.
type Connector interface {
	Type() ServerType
	// Configure replaces the settings. It must be called before Connect.
	Configure(s Settings) error
	// Connect starts connecting to u. Progress is reported through state
	// changes; only invalid settings are returned as errors.
	Connect(ctx context.Context, u *url.URL) error
	// WriteData delivers encoded bytes covering frames sample frames and
	// returns the number of bytes accepted. Data is dropped while the
	// connector is not connected.
	WriteData(frames int, data []byte) int
	// SendMetadata forwards a now-playing update. Protocols without a
	// metadata channel ignore it.
	SendMetadata(ev metadata.Event)
	// Stop ends the connector and waits for its resources to be released.
	Stop(ctx context.Context) error

	State() State
	Connected() bool
	// OnState registers fn to observe every state change.
	OnState(fn func(State))
	// Done is closed once the connector has stopped.
	Done() <-chan struct{}
}

// State is a connector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StatusCode returns the machine-readable status number for s, or -1 for
// states that have none.
func (s State) StatusCode() int {
	switch s {
	case StateIdle:
		return 0
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateFailed:
		return 3
	case StateStopped:
		return 4
	}
	return -1
}

// ServerType selects a protocol.
type ServerType int

const (
	ServerHLS ServerType = iota
	ServerShoutcast1
	ServerShoutcast2
	ServerIcecast2
	ServerFile
	ServerFileArchive
	ServerIcecastStreamer
	ServerIcecastOut
)

var serverKeywords = map[ServerType]string{
	ServerHLS:             "hls",
	ServerShoutcast1:      "shout1",
	ServerShoutcast2:      "shout2",
	ServerIcecast2:        "icecast2",
	ServerFile:            "file",
	ServerFileArchive:     "filearchive",
	ServerIcecastStreamer: "icecaststreamer",
	ServerIcecastOut:      "iceout",
}

// String returns the configuration keyword of t.
func (t ServerType) String() string {
	if kw, ok := serverKeywords[t]; ok {
		return kw
	}
	return fmt.Sprintf("server(%d)", int(t))
}

// ParseServerType maps a configuration keyword to a ServerType.
func ParseServerType(s string) (ServerType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, kw := range serverKeywords {
		if kw == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown server type %q", ErrInvalidSettings, s)
}

// StreamInfo describes the stream to directories and listeners.
type StreamInfo struct {
	Name        string
	Description string
	Genre       string
	URL         string
	IRC         string
	ICQ         string
	AIM         string
	Public      bool
}

// Settings holds everything a connector needs before Connect.
type Settings struct {
	// Mountpoint overrides the path of the URL given to Connect.
	Mountpoint string
	Username   string
	Password   string
	UserAgent  string

	ContentType      string
	Extension        string
	FormatIdentifier string
	Channels         int
	SampleRate       int
	// Bitrate is in kbit/s. Bitrates lists every variant of a
	// multi-bitrate publication and is used by the top-level playlist.
	Bitrate  int
	Bitrates []int

	Stream StreamInfo

	ScriptUp   string
	ScriptDown string
	// Watchdog is the reconnect interval, DefaultWatchdog when zero.
	Watchdog time.Duration

	// Prologue returns the container header sent before the first audio
	// byte of every new stream.
	Prologue func() []byte

	SegmentSeconds  int
	TimestampOffset time.Duration
	NoDeletes       bool

	MaxConnections int
	ExitOnLast     bool
	Pipe           string
	// Auth is "user:password" required for metadata updates sent to the
	// embedded server.
	Auth string
}

// DefaultSettings returns the settings a connector starts from.
func DefaultSettings() Settings {
	return Settings{
		Username:   "source",
		Channels:   2,
		SampleRate: 44100,
		Bitrate:    128,
		Stream: StreamInfo{
			Name:        "no name",
			Description: "unknown",
			Genre:       "unknown",
			Public:      true,
		},
		Watchdog:       DefaultWatchdog,
		SegmentSeconds: 10,
	}
}
