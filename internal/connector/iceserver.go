package connector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"glasscoder/internal/metadata"
	"glasscoder/internal/platform/metrics"
)

const (
	// MetadataInterval is the icy-metaint offered to listeners.
	MetadataInterval = 16000
	// NegotiateTimeout drops connections that never send a request.
	NegotiateTimeout = 10 * time.Second
	// listenerQueue is the number of writes buffered per listener before
	// it is dropped as too slow.
	listenerQueue = 128
	// maxIcyTitle keeps a metadata block within its one-byte length.
	maxIcyTitle = 255*16 - len("StreamTitle='';")
)

// IcecastServer serves the stream to players directly, speaking enough of
// the Icecast listener protocol for common clients.
type IcecastServer struct {
	*base
	listen func(network, addr string) (net.Listener, error)

	smu       sync.Mutex
	sockets   []net.Listener
	slots     []*session
	players   int
	metaBlock []byte
	wg        sync.WaitGroup
}

// session is one accepted connection. It occupies a slot until closed.
type session struct {
	slot      int
	id        uuid.UUID
	conn      net.Conn
	player    bool
	icy       bool
	sinceMeta int
	out       chan []byte
	done      chan struct{}
	once      sync.Once
}

// NewIcecastServer returns the embedded server connector. The URL given to
// Connect names the listen address and mountpoint.
func NewIcecastServer(s Settings, log *slog.Logger, m *metrics.Metrics) *IcecastServer {
	c := &IcecastServer{
		base:      newBase(ServerIcecastStreamer, s, log, m),
		listen:    net.Listen,
		metaBlock: []byte{0},
	}
	c.base.drv = c
	return c
}

func (c *IcecastServer) validate(u *url.URL) error {
	mount := c.Settings().Mountpoint
	if mount == "" {
		mount = u.Path
	}
	if mount == "" || mount == "/" {
		return fmt.Errorf("%w: embedded server needs a mountpoint", ErrInvalidSettings)
	}
	return nil
}

// Addr returns the TCP listen address, or nil before listening.
func (c *IcecastServer) Addr() net.Addr {
	c.smu.Lock()
	defer c.smu.Unlock()
	if len(c.sockets) == 0 {
		return nil
	}
	return c.sockets[0].Addr()
}

// Listeners returns the number of connected players.
func (c *IcecastServer) Listeners() int {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.players
}

func (c *IcecastServer) dial(ctx context.Context) {
	u := c.URL()
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), strconv.Itoa(DefaultPort))
	}
	ln, err := c.listen("tcp", addr)
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		return
	}
	sockets := []net.Listener{ln}
	if pipe := c.Settings().Pipe; pipe != "" {
		os.Remove(pipe)
		pl, err := c.listen("unix", pipe)
		if err != nil {
			ln.Close()
			c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
			return
		}
		sockets = append(sockets, pl)
	}

	c.smu.Lock()
	c.sockets = sockets
	c.smu.Unlock()
	for _, l := range sockets {
		c.wg.Add(1)
		go c.accept(l)
	}
	c.log.Info("embedded server listening", slog.String("addr", ln.Addr().String()), slog.String("mount", c.mountpoint()))
	c.connected()
}

func (c *IcecastServer) accept(l net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			c.log.Warn("accept failed", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		sess := c.open(conn)
		c.wg.Add(1)
		go c.serve(sess)
	}
}

// open assigns conn the lowest free slot.
func (c *IcecastServer) open(conn net.Conn) *session {
	sess := &session{
		id:   uuid.New(),
		conn: conn,
		out:  make(chan []byte, listenerQueue),
		done: make(chan struct{}),
	}
	c.smu.Lock()
	defer c.smu.Unlock()
	for i, s := range c.slots {
		if s == nil {
			sess.slot = i
			c.slots[i] = sess
			return sess
		}
	}
	sess.slot = len(c.slots)
	c.slots = append(c.slots, sess)
	return sess
}

// drop closes sess and frees its slot.
func (c *IcecastServer) drop(sess *session) {
	sess.once.Do(func() {
		close(sess.done)
		sess.conn.Close()

		c.smu.Lock()
		if sess.slot < len(c.slots) && c.slots[sess.slot] == sess {
			c.slots[sess.slot] = nil
		}
		wasPlayer := sess.player
		if wasPlayer {
			c.players--
		}
		n := c.players
		c.smu.Unlock()

		if !wasPlayer {
			return
		}
		c.metrics.SetListeners(n)
		c.log.Info("listener left", slog.String("session", sess.id.String()), slog.Int("listeners", n))
		if n == 0 && c.Settings().ExitOnLast && c.Connected() {
			c.log.Info("last listener left, stopping")
			go c.Stop(context.Background())
		}
	})
}

func (c *IcecastServer) serve(sess *session) {
	defer c.wg.Done()
	conn := sess.conn

	conn.SetReadDeadline(time.Now().Add(NegotiateTimeout))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) && !errors.Is(err, io.EOF) && !isClosed(err) {
			c.respond(conn, http.StatusBadRequest, "Malformed request")
		}
		c.drop(sess)
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch {
	case req.Method != http.MethodGet:
		c.respond(conn, http.StatusBadRequest, "Malformed request")
	case req.URL.Path == c.mountpoint():
		c.play(sess, req, br)
	case req.URL.Path == "/admin/metadata":
		c.updateInfo(conn, req)
	default:
		c.respond(conn, http.StatusBadRequest, "Malformed request")
	}
	c.drop(sess)
}

func (c *IcecastServer) play(sess *session, req *http.Request, br *bufio.Reader) {
	s := c.Settings()
	icy := req.Header.Get("Icy-MetaData") == "1"

	c.smu.Lock()
	if s.MaxConnections > 0 && c.players >= s.MaxConnections {
		c.smu.Unlock()
		c.log.Warn("listener refused, server full", slog.Int("max_connections", s.MaxConnections))
		c.respond(sess.conn, http.StatusServiceUnavailable, "Server full")
		return
	}
	sess.icy = icy
	metaint := 0
	if icy {
		metaint = MetadataInterval
	}
	sess.out <- ListenerHeaders(s, time.Now(), metaint)
	if p := c.prologue(); len(p) > 0 {
		sess.out <- sess.frame(p, c.metaBlock)
	}
	sess.player = true
	c.players++
	n := c.players
	c.smu.Unlock()

	c.metrics.SetListeners(n)
	c.log.Info("listener joined",
		slog.String("session", sess.id.String()),
		slog.String("remote", sess.conn.RemoteAddr().String()),
		slog.Bool("icy_metadata", icy),
		slog.Int("listeners", n))

	c.wg.Add(1)
	go c.write(sess)
	io.Copy(io.Discard, br)
}

func (c *IcecastServer) write(sess *session) {
	defer c.wg.Done()
	for {
		select {
		case b := <-sess.out:
			sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := sess.conn.Write(b); err != nil {
				c.drop(sess)
				return
			}
		case <-sess.done:
			return
		}
	}
}

// frame copies data for the listener, inserting meta every
// MetadataInterval bytes when the listener asked for it. Callers hold smu.
func (sess *session) frame(data, meta []byte) []byte {
	if !sess.icy {
		return append([]byte(nil), data...)
	}
	out := make([]byte, 0, len(data)+len(meta))
	for len(data) > 0 {
		room := MetadataInterval - sess.sinceMeta
		if len(data) < room {
			out = append(out, data...)
			sess.sinceMeta += len(data)
			break
		}
		out = append(out, data[:room]...)
		out = append(out, meta...)
		data = data[room:]
		sess.sinceMeta = 0
	}
	return out
}

func (c *IcecastServer) updateInfo(conn net.Conn, req *http.Request) {
	q := req.URL.Query()
	mount := c.mountpoint()
	if q.Get("mode") != "updinfo" || (q.Get("mount") != mount && "/"+q.Get("mount") != mount) {
		c.respond(conn, http.StatusBadRequest, "Malformed request")
		return
	}
	user, pass, ok := req.BasicAuth()
	if !ok || user+":"+pass != c.credentials() {
		c.log.Warn("metadata update refused", slog.String("remote", conn.RemoteAddr().String()))
		c.respond(conn, http.StatusUnauthorized, "Unauthorized",
			"WWW-Authenticate: Basic realm="+strings.TrimPrefix(mount, "/"))
		return
	}
	c.setTitle(q.Get("song"))
	c.metrics.IncMetadataUpdates(ServerIcecastStreamer.String())
	c.respond(conn, http.StatusOK, "Metadata update successful")
}

func (c *IcecastServer) credentials() string {
	s := c.Settings()
	if s.Auth != "" {
		return s.Auth
	}
	return s.Username + ":" + s.Password
}

// respond writes a complete short reply. The caller closes the connection.
func (c *IcecastServer) respond(conn net.Conn, code int, body string, extra ...string) {
	body += "\r\n"
	lines := []string{
		fmt.Sprintf("HTTP/1.0 %d %s", code, http.StatusText(code)),
		"Server: " + serverIdent,
		"Date: " + time.Now().UTC().Format(http.TimeFormat),
		"Content-Type: text/plain",
		"Content-Length: " + strconv.Itoa(len(body)),
		"Connection: close",
	}
	lines = append(lines, extra...)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.Write(append(headerBlock(lines...), body...))
}

func (c *IcecastServer) setTitle(title string) {
	block := IcyMetadataBlock(title)
	c.smu.Lock()
	c.metaBlock = block
	c.smu.Unlock()
}

func (c *IcecastServer) sendMetadata(ev metadata.Event) {
	if ev.StreamTitle != "" {
		c.setTitle(ev.StreamTitle)
	}
}

func (c *IcecastServer) deliver(frames int, data []byte) int {
	var slow []*session
	c.smu.Lock()
	for _, sess := range c.slots {
		if sess == nil || !sess.player {
			continue
		}
		select {
		case sess.out <- sess.frame(data, c.metaBlock):
		default:
			slow = append(slow, sess)
		}
	}
	c.smu.Unlock()

	for _, sess := range slow {
		c.log.Warn("listener too slow, dropped", slog.String("session", sess.id.String()))
		c.drop(sess)
	}
	return len(data)
}

func (c *IcecastServer) hangup() {
	c.smu.Lock()
	sockets := c.sockets
	c.sockets = nil
	var open []*session
	for _, sess := range c.slots {
		if sess != nil {
			open = append(open, sess)
		}
	}
	c.smu.Unlock()

	for _, l := range sockets {
		l.Close()
	}
	for _, sess := range open {
		c.drop(sess)
	}
}

func (c *IcecastServer) shutdown(ctx context.Context) error {
	c.hangup()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IcyMetadataBlock renders an in-band metadata block: a length byte
// counting 16-byte units, then StreamTitle padded with NULs.
func IcyMetadataBlock(title string) []byte {
	if len(title) > maxIcyTitle {
		title = title[:maxIcyTitle]
	}
	body := []byte("StreamTitle='" + title + "';")
	for len(body)%16 != 0 {
		body = append(body, 0)
	}
	return append([]byte{byte(len(body) / 16)}, body...)
}
