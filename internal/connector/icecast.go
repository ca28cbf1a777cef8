package connector

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"glasscoder/internal/conveyor"
	"glasscoder/internal/metadata"
	"glasscoder/internal/platform/metrics"
)

// Icecast publishes to an Icecast 2 server with the SOURCE method.
type Icecast struct {
	*base
	tcpStream
	meta *conveyor.Conveyor
}

// NewIcecast returns an Icecast source connector. meta serializes the
// admin metadata requests and may be nil to disable metadata.
func NewIcecast(s Settings, meta *conveyor.Conveyor, log *slog.Logger, m *metrics.Metrics) *Icecast {
	c := &Icecast{base: newBase(ServerIcecast2, s, log, m), meta: meta}
	c.tcpStream = tcpStream{b: c.base, dialer: defaultDial}
	c.base.drv = c
	return c
}

func (c *Icecast) Connect(ctx context.Context, u *url.URL) error {
	if c.meta != nil {
		c.meta.Start(ctx)
	}
	return c.base.Connect(ctx, u)
}

func (c *Icecast) dial(ctx context.Context) {
	go func() {
		conn, err := c.dialer(ctx, "tcp", c.hostPort(0))
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
			return
		}
		rd, err := c.handshake(conn)
		if err != nil {
			conn.Close()
			c.fail(err)
			return
		}
		c.attach(conn, rd)
		c.connected()
		if !c.Connected() {
			c.tcpStream.hangup()
		}
	}()
}

// SourceHeaders returns the SOURCE request for the current settings.
func (c *Icecast) SourceHeaders() []byte {
	s := c.Settings()
	user := s.Username
	if user == "" {
		user = "source"
	}
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + s.Password))
	return headerBlock(
		"SOURCE "+c.mountpoint()+" HTTP/1.0",
		"Authorization: Basic "+auth,
		"User-Agent: "+s.UserAgent,
		"Content-Type: "+s.ContentType,
		"ice-name: "+s.Stream.Name,
		"ice-description: "+s.Stream.Description,
		"ice-genre: "+s.Stream.Genre,
		"ice-public: "+boolDigit(s.Stream.Public),
		fmt.Sprintf("ice-audio-info: bitrate=%d;channels=%d;samplerate=%d", s.Bitrate, s.Channels, s.SampleRate),
	)
}

func (c *Icecast) handshake(conn net.Conn) (*bufio.Reader, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(c.SourceHeaders()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	br := bufio.NewReader(conn)
	line, err := textproto.NewReader(br).ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: reading status: %v", ErrTransportLost, err)
	}

	f := strings.SplitN(line, " ", 3)
	if len(f) < 2 || !strings.HasPrefix(f[0], "HTTP/1.") {
		c.log.Error(fmt.Sprintf("server %q returned unrecognized response", c.endpoint()), slog.String("line", line))
		return nil, fmt.Errorf("%w: unrecognized response %q", ErrProtocolRejected, line)
	}
	code, _ := strconv.Atoi(f[1])
	if code != 200 {
		text := ""
		if len(f) == 3 {
			text = f[2]
		}
		c.log.Error(fmt.Sprintf("server %q returned \"%d %s\"", c.endpoint(), code, text))
		return nil, fmt.Errorf("%w: %d %s", ErrProtocolRejected, code, text)
	}
	return br, nil
}

func (c *Icecast) hangup() { c.tcpStream.hangup() }

func (c *Icecast) deliver(frames int, data []byte) int { return c.tcpStream.deliver(frames, data) }

func (c *Icecast) shutdown(ctx context.Context) error {
	c.tcpStream.hangup()
	if c.meta != nil {
		return c.meta.Stop(ctx)
	}
	return nil
}

// MetadataURL returns the admin request that sets the stream title.
func (c *Icecast) MetadataURL(title string) *url.URL {
	srv := c.URL()
	q := url.Values{}
	q.Set("mount", c.mountpoint())
	q.Set("mode", "updinfo")
	q.Set("song", title)
	scheme := srv.Scheme
	if scheme != "https" {
		scheme = "http"
	}
	return &url.URL{Scheme: scheme, Host: c.hostPort(0), Path: "/admin/metadata", RawQuery: q.Encode()}
}

func (c *Icecast) sendMetadata(ev metadata.Event) {
	if c.meta == nil || ev.StreamTitle == "" || c.URL() == nil {
		return
	}
	err := c.meta.Push(conveyor.Event{
		Method: conveyor.MethodGet,
		URL:    c.MetadataURL(ev.StreamTitle),
		Done:   c.metadataDone,
	})
	if err != nil {
		c.log.Warn("metadata update not queued", slog.String("error", err.Error()))
	}
}

func (c *Icecast) metadataDone(r conveyor.Result) {
	if !r.OK() {
		c.log.Warn("metadata update failed",
			slog.Int("status", r.Status),
			slog.Int("exit_code", r.ExitCode),
			slog.String("error", errString(r.Err)))
	}
}
