package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"glasscoder/internal/platform/logger"
)

// DefaultNATSSubject is the subject metadata events are read from.
const DefaultNATSSubject = "glasscoder.metadata"

// NATSConn is the part of a NATS connection the subscriber uses.
type NATSConn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

type natsAdapter struct {
	conn *nats.Conn
}

func (a natsAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a natsAdapter) Close() { a.conn.Close() }

// ConnectNATS dials a NATS server. The client keeps reconnecting on its own
// after the first connection succeeds.
func ConnectNATS(url string, log *slog.Logger) (NATSConn, error) {
	log = logger.OrDiscard(log)
	nc, err := nats.Connect(url,
		nats.Name("glasscoder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return natsAdapter{conn: nc}, nil
}

// NATSSubscriber feeds JSON Event messages from a NATS subject into a
// Dispatcher.
type NATSSubscriber struct {
	conn    NATSConn
	subject string
	d       *Dispatcher
	log     *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSSubscriber returns a subscriber reading subject on conn.
func NewNATSSubscriber(conn NATSConn, subject string, d *Dispatcher, log *slog.Logger) *NATSSubscriber {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSSubscriber{
		conn:    conn,
		subject: subject,
		d:       d,
		log:     logger.OrDiscard(log).With(slog.String("subject", subject)),
	}
}

// Start subscribes to the subject.
func (s *NATSSubscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("nats subscriber already started")
	}
	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.Info("subscribed to metadata subject")
	return nil
}

func (s *NATSSubscriber) handle(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.log.Warn("invalid metadata message", slog.String("error", err.Error()))
		return
	}
	if ev.Empty() {
		return
	}
	ev.Source = "nats"
	s.d.Dispatch(ev)
}

// Close drops the subscription and the connection.
func (s *NATSSubscriber) Close() {
	s.mu.Lock()
	s.sub = nil
	s.mu.Unlock()
	s.conn.Close()
}
