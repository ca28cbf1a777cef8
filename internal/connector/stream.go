package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// handshakeTimeout bounds connecting plus the server's first answer.
	handshakeTimeout = 10 * time.Second
	// writeTimeout bounds a single audio write to a stalled server.
	writeTimeout = 5 * time.Second
)

// dialFunc opens a network connection.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: handshakeTimeout}
	return d.DialContext(ctx, network, addr)
}

// tcpStream is the outbound audio socket shared by the source protocols.
// Each attached connection gets a generation so that late errors from a
// replaced socket are ignored.
type tcpStream struct {
	b      *base
	dialer dialFunc

	mu    sync.Mutex
	conn  net.Conn
	fresh bool
	gen   uint64
}

// attach installs conn as the live socket and drains rd until the server
// hangs up.
func (s *tcpStream) attach(conn net.Conn, rd io.Reader) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.fresh = true
	s.mu.Unlock()

	go func() {
		_, err := io.Copy(io.Discard, rd)
		if err == nil {
			err = errors.New("server closed the connection")
		}
		s.lost(gen, err)
	}()
}

func (s *tcpStream) lost(gen uint64, err error) {
	s.mu.Lock()
	current := gen == s.gen && s.conn != nil
	s.mu.Unlock()
	if current && !isClosed(err) {
		s.b.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
	}
}

func (s *tcpStream) hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.gen++
}

func (s *tcpStream) deliver(frames int, data []byte) int {
	s.mu.Lock()
	conn, fresh, gen := s.conn, s.fresh, s.gen
	s.fresh = false
	s.mu.Unlock()
	if conn == nil {
		return 0
	}

	payload, head := data, 0
	if fresh {
		if p := s.b.prologue(); len(p) > 0 {
			head = len(p)
			payload = append(append(make([]byte, 0, head+len(data)), p...), data...)
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := conn.Write(payload)
	if err != nil {
		s.mu.Lock()
		current := gen == s.gen
		s.mu.Unlock()
		if current {
			s.b.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		}
	}
	return payloadWritten(n, head, len(data))
}

// payloadWritten converts a socket write count that includes head prologue
// bytes into the count of caller bytes written.
func payloadWritten(n, head, size int) int {
	return max(0, min(n-head, size))
}

// headerBlock renders CRLF-terminated lines followed by the blank line.
func headerBlock(lines ...string) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
