package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"glasscoder/internal/platform/metrics"
)

// serverIdent is the Server header presented to players.
const serverIdent = "Icecast 2.4.0"

// ListenerHeaders renders the response an Icecast server sends a player.
// metaint is zero when the player did not ask for in-band metadata.
func ListenerHeaders(s Settings, now time.Time, metaint int) []byte {
	lines := []string{
		"HTTP/1.0 200 OK",
		"Server: " + serverIdent,
		"Date: " + now.UTC().Format(http.TimeFormat),
		"Content-Type: " + s.ContentType,
		"Cache-Control: no-cache",
		"Pragma: no-cache",
		"icy-br: " + strconv.Itoa(s.Bitrate),
		fmt.Sprintf("ice-audio-info: bitrate=%d", s.Bitrate),
		"icy-description: " + s.Stream.Description,
		"icy-genre: " + s.Stream.Genre,
		"icy-name: " + s.Stream.Name,
		"icy-pub: " + boolDigit(s.Stream.Public),
		"icy-url: " + s.Stream.URL,
	}
	if metaint > 0 {
		lines = append(lines, "icy-metaint: "+strconv.Itoa(metaint))
	}
	return headerBlock(lines...)
}

// IcecastOut writes an Icecast listener response followed by the stream to
// a writer, stdout by default. It suits inetd style launchers.
type IcecastOut struct {
	*base
	out io.Writer
	now func() time.Time

	wmu  sync.Mutex
	sent bool
}

func NewIcecastOut(s Settings, out io.Writer, log *slog.Logger, m *metrics.Metrics) *IcecastOut {
	if out == nil {
		out = os.Stdout
	}
	c := &IcecastOut{base: newBase(ServerIcecastOut, s, log, m), out: out, now: time.Now}
	c.base.drv = c
	return c
}

func (c *IcecastOut) dial(ctx context.Context) {
	if err := c.writeHead(); err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		return
	}
	c.connected()
}

// writeHead sends the response headers and prologue once per process.
func (c *IcecastOut) writeHead() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.sent {
		return nil
	}
	head := ListenerHeaders(c.Settings(), c.now(), 0)
	head = append(head, c.prologue()...)
	if _, err := c.out.Write(head); err != nil {
		return err
	}
	c.sent = true
	return nil
}

func (c *IcecastOut) hangup() {}

func (c *IcecastOut) deliver(frames int, data []byte) int {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, err := c.out.Write(data)
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
	}
	return n
}

func (c *IcecastOut) shutdown(context.Context) error {
	if f, ok := c.out.(interface{ Sync() error }); ok {
		f.Sync()
	}
	return nil
}
