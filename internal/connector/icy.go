package connector

import (
	"bufio"
	"context"
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

// ShoutcastAdminUserAgent is sent with admin.cgi requests. Shoutcast
// servers reject unknown agents.
const ShoutcastAdminUserAgent = "Mozilla/5.0 (Windows; U; Windows NT 5.1; en-US; rv:1.8.1.2) Gecko/20070219 Firefox/2.0.0.2"

// Shoutcast publishes with the ICY login protocol. Version 1 sends
// icy-url in the stream headers; version 2 also accepts a user name in
// the login line.
type Shoutcast struct {
	*base
	tcpStream
	version int
	meta    *conveyor.Conveyor
}

// NewShoutcast returns an ICY connector for protocol version 1 or 2.
func NewShoutcast(version int, s Settings, meta *conveyor.Conveyor, log *slog.Logger, m *metrics.Metrics) *Shoutcast {
	kind := ServerShoutcast2
	if version == 1 {
		kind = ServerShoutcast1
	}
	c := &Shoutcast{base: newBase(kind, s, log, m), version: version, meta: meta}
	c.tcpStream = tcpStream{b: c.base, dialer: defaultDial}
	c.base.drv = c
	return c
}

func (c *Shoutcast) Connect(ctx context.Context, u *url.URL) error {
	if c.meta != nil {
		c.meta.Start(ctx)
	}
	return c.base.Connect(ctx, u)
}

func (c *Shoutcast) dial(ctx context.Context) {
	go func() {
		conn, err := c.dialer(ctx, "tcp", c.hostPort(1))
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
			return
		}
		rd, err := c.login(conn)
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

// LoginLine returns the password line that opens an ICY session.
func (c *Shoutcast) LoginLine() string {
	s := c.Settings()
	if c.version >= 2 && s.Username != "" && s.Username != "source" {
		return s.Username + ":" + s.Password + "\r\n"
	}
	return s.Password + "\r\n"
}

// StreamHeaders returns the icy-* block sent after a successful login.
func (c *Shoutcast) StreamHeaders() []byte {
	s := c.Settings()
	lines := []string{
		"icy-name: " + s.Stream.Name,
		"icy-genre: " + s.Stream.Genre,
		"icy-pub: " + boolDigit(s.Stream.Public),
		"icy-br: " + strconv.Itoa(s.Bitrate),
	}
	if c.version == 1 {
		lines = append(lines, "icy-url: "+s.Stream.URL)
	}
	lines = append(lines,
		"icy-irc: "+s.Stream.IRC,
		"icy-icq: "+s.Stream.ICQ,
		"icy-aim: "+s.Stream.AIM,
		"Content-Type: "+s.ContentType,
	)
	return headerBlock(lines...)
}

func (c *Shoutcast) login(conn net.Conn) (*bufio.Reader, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(c.LoginLine())); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	br := bufio.NewReader(conn)
	line, err := textproto.NewReader(br).ReadLine()
	if err != nil {
		// Shoutcast hangs up on a bad password without answering.
		c.log.Error(fmt.Sprintf("login to %q rejected", c.endpoint()), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: no login response: %v", ErrProtocolRejected, err)
	}
	if strings.TrimSpace(line) != "OK2" {
		c.log.Error(fmt.Sprintf("login to %q rejected", c.endpoint()), slog.String("response", line))
		return nil, fmt.Errorf("%w: %q", ErrProtocolRejected, line)
	}
	if _, err := conn.Write(c.StreamHeaders()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	return br, nil
}

func (c *Shoutcast) hangup() { c.tcpStream.hangup() }

func (c *Shoutcast) deliver(frames int, data []byte) int { return c.tcpStream.deliver(frames, data) }

func (c *Shoutcast) shutdown(ctx context.Context) error {
	c.tcpStream.hangup()
	if c.meta != nil {
		return c.meta.Stop(ctx)
	}
	return nil
}

// MetadataURL returns the admin.cgi request that sets the stream title.
// The admin interface listens on the base port.
func (c *Shoutcast) MetadataURL(ev metadata.Event) *url.URL {
	q := "pass=" + url.QueryEscape(c.Settings().Password) +
		"&mode=updinfo" +
		"&song=" + url.QueryEscape(ev.StreamTitle) +
		"&url=" + url.QueryEscape(ev.StreamURL)
	return &url.URL{Scheme: "http", Host: c.hostPort(0), Path: "/admin.cgi", RawQuery: q}
}

func (c *Shoutcast) sendMetadata(ev metadata.Event) {
	if c.meta == nil || !ev.HasStreamInfo() || c.URL() == nil {
		return
	}
	err := c.meta.Push(conveyor.Event{
		Method:          conveyor.MethodGet,
		URL:             c.MetadataURL(ev),
		UserAgent:       ShoutcastAdminUserAgent,
		AllowEmptyReply: true,
		Done:            c.metadataDone,
	})
	if err != nil {
		c.log.Warn("metadata update not queued", slog.String("error", err.Error()))
	}
}

func (c *Shoutcast) metadataDone(r conveyor.Result) {
	if !r.OK() {
		c.log.Warn("metadata update failed",
			slog.Int("status", r.Status),
			slog.Int("exit_code", r.ExitCode),
			slog.String("error", errString(r.Err)))
	}
}
