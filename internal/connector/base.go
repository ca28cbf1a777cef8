package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"glasscoder/internal/metadata"
	"glasscoder/internal/platform/logger"
	"glasscoder/internal/platform/metrics"
)

// driver is the protocol half of a connector. base owns the state machine
// and calls into the driver:
//   - dial starts a connection attempt and must eventually call
//     base.connected or base.fail, from any goroutine
//   - hangup releases the current connection after a failure
//   - deliver writes audio while connected
//   - shutdown releases everything on Stop
type driver interface {
	dial(ctx context.Context)
	hangup()
	deliver(frames int, data []byte) int
	shutdown(ctx context.Context) error
}

// metadataSender is implemented by drivers with a metadata channel.
type metadataSender interface {
	sendMetadata(ev metadata.Event)
}

// validator is implemented by drivers that check the destination before the
// first attempt.
type validator interface {
	validate(u *url.URL) error
}

// timer is the part of *time.Timer the watchdog needs.
type timer interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

type base struct {
	kind    ServerType
	log     *slog.Logger
	metrics *metrics.Metrics
	drv     driver

	// afterFunc schedules watchdog retries.
	afterFunc func(time.Duration, func()) timer
	up, down  *hook

	mu             sync.Mutex
	settings       Settings
	state          State
	url            *url.URL
	watchdogActive bool
	retry          timer
	ctx            context.Context
	cancel         context.CancelFunc
	observers      []func(State)
	done           chan struct{}
}

func newBase(kind ServerType, s Settings, log *slog.Logger, m *metrics.Metrics) *base {
	log = logger.OrDiscard(log).With(slog.String("server_type", kind.String()))
	return &base{
		kind:      kind,
		log:       log,
		metrics:   m,
		afterFunc: afterFunc,
		up:        newHook("up", s.ScriptUp, log),
		down:      newHook("down", s.ScriptDown, log),
		settings:  s,
		done:      make(chan struct{}),
	}
}

func (b *base) Type() ServerType { return b.kind }

func (b *base) Configure(s Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateIdle {
		return fmt.Errorf("%w: configure after connect", ErrInvalidSettings)
	}
	b.settings = s
	b.up.command = s.ScriptUp
	b.down.command = s.ScriptDown
	return nil
}

func (b *base) Settings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Connected() bool {
	return b.State() == StateConnected
}

func (b *base) OnState(fn func(State)) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

func (b *base) Done() <-chan struct{} { return b.done }

// URL returns the destination given to Connect.
func (b *base) URL() *url.URL {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

// mountpoint returns the configured mountpoint, or the URL path.
func (b *base) mountpoint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settings.Mountpoint != "" {
		return b.settings.Mountpoint
	}
	if b.url != nil {
		return b.url.Path
	}
	return ""
}

// hostPort returns the URL's host and port, the port shifted by offset.
func (b *base) hostPort(offset int) string {
	u := b.URL()
	port := DefaultPort
	if p, err := strconv.Atoi(u.Port()); err == nil && p > 0 {
		port = p
	}
	return net.JoinHostPort(u.Hostname(), strconv.Itoa(port+offset))
}

// endpoint names the destination in log lines, "host:port/mount".
func (b *base) endpoint() string {
	u := b.URL()
	if u == nil {
		return ""
	}
	mount := b.mountpoint()
	if u.Host == "" {
		return mount
	}
	return b.hostPort(0) + mount
}

func (b *base) prologue() []byte {
	b.mu.Lock()
	fn := b.settings.Prologue
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (b *base) Connect(ctx context.Context, u *url.URL) error {
	if u == nil {
		return fmt.Errorf("%w: no server url", ErrInvalidSettings)
	}
	if v, ok := b.drv.(validator); ok {
		if err := v.validate(u); err != nil {
			return err
		}
	}

	b.mu.Lock()
	switch b.state {
	case StateIdle:
	case StateStopping, StateStopped:
		b.mu.Unlock()
		return ErrStopped
	default:
		b.mu.Unlock()
		return fmt.Errorf("connector already started")
	}
	b.url = u
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.log = b.log.With(slog.String("server", b.endpoint()))
	b.attempt()
	return nil
}

// attempt moves to Connecting and dials. The watchdog calls it too.
func (b *base) attempt() {
	b.mu.Lock()
	if b.state == StateStopping || b.state == StateStopped {
		b.mu.Unlock()
		return
	}
	b.retry = nil
	from := b.state
	b.state = StateConnecting
	ctx := b.ctx
	b.mu.Unlock()

	b.emit(from, StateConnecting)
	b.drv.dial(ctx)
}

// connected completes a connection attempt.
func (b *base) connected() {
	b.mu.Lock()
	if b.state != StateConnecting {
		b.mu.Unlock()
		return
	}
	restored := b.watchdogActive
	b.watchdogActive = false
	b.state = StateConnected
	b.mu.Unlock()

	if restored {
		b.log.Warn(fmt.Sprintf("connection to %q restored", b.endpoint()))
	}
	b.emit(StateConnecting, StateConnected)
}

// fail records a failed attempt or a lost connection and schedules exactly
// one watchdog retry. It is a no-op while already failed or stopping.
func (b *base) fail(err error) {
	b.mu.Lock()
	if b.state == StateFailed || b.state == StateStopping || b.state == StateStopped || b.state == StateIdle {
		b.mu.Unlock()
		return
	}
	first := !b.watchdogActive
	b.watchdogActive = true
	from := b.state
	b.state = StateFailed
	interval := b.settings.Watchdog
	if interval <= 0 {
		interval = DefaultWatchdog
	}
	if b.retry == nil {
		b.retry = b.afterFunc(interval, b.attempt)
	}
	b.mu.Unlock()

	b.drv.hangup()
	if first {
		b.log.Warn(fmt.Sprintf("connection to %q lost", b.endpoint()),
			slog.String("error", errString(err)),
			slog.Duration("retry_in", interval))
	} else {
		b.log.Debug("reconnect failed", slog.String("error", errString(err)))
	}
	b.emit(from, StateFailed)
}

func (b *base) WriteData(frames int, data []byte) int {
	if b.State() != StateConnected {
		return 0
	}
	return b.drv.deliver(frames, data)
}

func (b *base) SendMetadata(ev metadata.Event) {
	if ms, ok := b.drv.(metadataSender); ok {
		ms.sendMetadata(ev)
	}
}

func (b *base) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateStopping || b.state == StateStopped {
		b.mu.Unlock()
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	from := b.state
	b.state = StateStopping
	if b.retry != nil {
		b.retry.Stop()
		b.retry = nil
	}
	cancel := b.cancel
	b.mu.Unlock()

	b.emit(from, StateStopping)
	err := b.drv.shutdown(ctx)
	if cancel != nil {
		cancel()
	}

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	b.emit(StateStopping, StateStopped)
	close(b.done)
	return err
}

// emit publishes a transition to metrics, hooks and observers.
func (b *base) emit(from, to State) {
	b.metrics.SetConnectorState(b.kind.String(), int(to), to.String())
	b.log.Debug("connector state", slog.String("state", to.String()), slog.String("previous", from.String()))

	if to == StateConnected && from != StateConnected {
		b.up.fire()
	}
	if from == StateConnected && to != StateConnected {
		b.down.fire()
	}

	b.mu.Lock()
	observers := make([]func(State), len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()
	for _, fn := range observers {
		fn(to)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
