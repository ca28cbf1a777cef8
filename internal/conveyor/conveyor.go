// Package conveyor serializes file transfers to publishing servers. Events
// run strictly in push order and at most one transfer is in flight, so a
// slow upload can never race a later delete of the same object.
package conveyor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"glasscoder/internal/platform/logger"
	"glasscoder/internal/platform/metrics"
)

// DefaultKillDelay bounds how long an in-flight transfer may run after Stop
// gives up waiting for the queue to drain.
const DefaultKillDelay = 3 * time.Second

// Config configures a Conveyor.
type Config struct {
	// TempDir is the parent of the private snapshot directory. Defaults to
	// $TEMP, then os.TempDir().
	TempDir   string
	Username  string
	Password  string
	Identity  string
	UserAgent string
	// Client is the external transfer client, curl by default.
	Client string
	// NoDeletes skips remote cleanup on Stop.
	NoDeletes bool
	KillDelay time.Duration
	// Transports overrides the transport used per URL scheme.
	Transports map[string]Transport
}

// Conveyor is a FIFO, single-worker transfer queue.
type Conveyor struct {
	cfg        Config
	log        *slog.Logger
	metrics    *metrics.Metrics
	dir        string
	transports map[string]Transport

	mu         sync.Mutex
	queue      []*Event
	confirmed  map[string]struct{}
	stopping   bool
	seq        uint64
	onComplete func(Result)

	wake     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	inFlight atomic.Int32
	started  atomic.Bool
}

// New creates a Conveyor and its private snapshot directory.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Conveyor, error) {
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = DefaultKillDelay
	}
	parent := cfg.TempDir
	if parent == "" {
		parent = os.Getenv("TEMP")
	}
	if parent == "" {
		parent = os.TempDir()
	}
	dir, err := os.MkdirTemp(parent, "glassconv-")
	if err != nil {
		return nil, fmt.Errorf("conveyor temp dir: %w", err)
	}

	curl := &CurlTransport{
		Client:    cfg.Client,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Identity:  cfg.Identity,
		UserAgent: cfg.UserAgent,
		KillDelay: cfg.KillDelay,
	}
	transports := map[string]Transport{
		"file":  FileTransport{},
		"http":  curl,
		"https": curl,
		"sftp":  curl,
	}
	for scheme, t := range cfg.Transports {
		transports[scheme] = t
	}

	log = logger.OrDiscard(log)
	log.Debug("conveyor working directory", slog.String("dir", dir))
	return &Conveyor{
		cfg:        cfg,
		log:        log.With(slog.String("component", "conveyor")),
		metrics:    m,
		dir:        dir,
		transports: transports,
		confirmed:  make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// OnComplete registers fn to observe every result, after the event's own
// Done callback. Set it before Start.
func (c *Conveyor) OnComplete(fn func(Result)) {
	c.mu.Lock()
	c.onComplete = fn
	c.mu.Unlock()
}

// Dir returns the snapshot directory.
func (c *Conveyor) Dir() string { return c.dir }

// Start launches the worker. The worker keeps ctx's values but not its
// cancellation: it runs until Stop drains the queue or kills it.
func (c *Conveyor) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.Load() {
		return
	}
	ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.started.Store(true)
	go c.run(ctx)
}

// Push enqueues ev. A PUT source is hard-linked into the conveyor's
// directory before Push returns, so the caller may unlink or rename over
// the original immediately. Rewriting it in place changes the upload.
func (c *Conveyor) Push(ev Event) error {
	if ev.Method != MethodNone {
		if ev.URL == nil {
			return errors.New("conveyor: event without destination")
		}
		if _, ok := c.transports[ev.URL.Scheme]; !ok {
			return fmt.Errorf("conveyor: unsupported scheme %q", ev.URL.Scheme)
		}
	}
	ev.last, ev.cleanup = false, false

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return ErrStopped
	}
	return c.enqueueLocked(ev)
}

func (c *Conveyor) enqueueLocked(ev Event) error {
	c.seq++
	ev.id = c.seq
	if ev.Method == MethodPut {
		snap, err := c.snapshot(ev.id, ev.Source)
		if err != nil {
			return err
		}
		ev.snapshot = snap
	}
	c.queue = append(c.queue, &ev)
	c.metrics.SetQueueDepth(len(c.queue))
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// snapshot hard-links src into the conveyor directory, replacing any stale
// entry of the same name. Sources on another filesystem are copied.
func (c *Conveyor) snapshot(id uint64, src string) (string, error) {
	name := filepath.Join(c.dir, fmt.Sprintf("%d-PUT-%s", id, filepath.Base(src)))
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.Link(src, name); err != nil {
		if err := copyFile(src, name); err != nil {
			return "", fmt.Errorf("conveyor snapshot %s: %w", src, err)
		}
	}
	return name, nil
}

// Len returns the number of queued events including the one in flight.
func (c *Conveyor) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// InFlight returns the number of transfers currently running (0 or 1).
func (c *Conveyor) InFlight() int {
	return int(c.inFlight.Load())
}

// Confirmed returns the destinations of successful PUTs not yet deleted.
func (c *Conveyor) Confirmed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.confirmed))
	for u := range c.confirmed {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// IsConfirmed reports whether target was PUT successfully and not deleted.
func (c *Conveyor) IsConfirmed(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.confirmed[target]
	return ok
}

// Stop drains the queue. Unless NoDeletes is set, every upload confirmed
// by the time the queue drains is deleted again, including PUTs that were
// still queued when Stop was called. A terminating NONE event ends the
// worker. If ctx ends first the in-flight transfer is killed.
func (c *Conveyor) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.stopping = true
	if c.started.Load() && c.workerGone() {
		c.mu.Unlock()
		os.RemoveAll(c.dir)
		return ErrWorkerGone
	}
	if !c.cfg.NoDeletes {
		c.enqueueLocked(Event{Method: MethodNone, cleanup: true})
	}
	c.enqueueLocked(Event{Method: MethodNone, last: true})
	c.mu.Unlock()

	if !c.started.Load() {
		c.Start(context.Background())
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		c.log.Warn("conveyor stop timed out, killing transfer", slog.Int("pending", c.Len()))
		cancel()
		<-c.done
		err = ctx.Err()
	}
	cancel()
	if rmErr := os.RemoveAll(c.dir); rmErr != nil {
		c.log.Warn("removing conveyor directory", slog.String("error", rmErr.Error()))
	}
	return err
}

func (c *Conveyor) workerGone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// expandCleanup replaces the cleanup marker at the head of the queue with
// a DELETE for every confirmed upload.
func (c *Conveyor) expandCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	targets := make([]string, 0, len(c.confirmed))
	for u := range c.confirmed {
		targets = append(targets, u)
	}
	sort.Strings(targets)

	queue := make([]*Event, 0, len(targets)+len(c.queue)-1)
	for _, t := range targets {
		u, err := url.Parse(t)
		if err != nil {
			continue
		}
		c.seq++
		queue = append(queue, &Event{Method: MethodDelete, URL: u, id: c.seq})
	}
	c.queue = append(queue, c.queue[1:]...)
	c.metrics.SetQueueDepth(len(c.queue))
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	return u.Redacted()
}

func (c *Conveyor) run(ctx context.Context) {
	defer close(c.done)
	for {
		ev := c.head()
		if ev == nil {
			select {
			case <-c.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if ev.cleanup {
			c.expandCleanup()
			continue
		}

		res := c.dispatch(ctx, ev)
		c.finish(ev, res)
		if ev.last || ctx.Err() != nil {
			return
		}
	}
}

func (c *Conveyor) head() *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

func (c *Conveyor) dispatch(ctx context.Context, ev *Event) Result {
	if ev.Method == MethodNone {
		return Result{Event: *ev, Status: 200}
	}
	target := ev.Target()
	res := Result{Event: *ev, Target: target.String(), ExitCode: -1}

	if n := c.inFlight.Add(1); n != 1 {
		c.log.Error("conveyor concurrency violated", slog.Int("in_flight", int(n)))
	}
	status, args, err := c.transports[target.Scheme].Transfer(ctx, ev, target, ev.snapshot)
	c.inFlight.Add(-1)

	res.Status = status
	res.Args = redactArgs(args)
	res.ExitCode = exitCodeOf(err)
	res.Err = err
	if err == nil && (status < 200 || status > 299) {
		res.Err = transferError("response code %d", status)
	}
	return res
}

func (c *Conveyor) finish(ev *Event, res Result) {
	if ev.snapshot != "" {
		if err := os.Remove(ev.snapshot); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("removing snapshot", slog.String("path", ev.snapshot), slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	if res.OK() {
		switch ev.Method {
		case MethodPut:
			c.confirmed[res.Target] = struct{}{}
		case MethodDelete:
			delete(c.confirmed, res.Target)
		}
	}
	c.queue = c.queue[1:]
	depth := len(c.queue)
	observer := c.onComplete
	c.mu.Unlock()

	c.metrics.SetQueueDepth(depth)
	if ev.Method != MethodNone {
		c.metrics.IncTransfer(ev.Method.String(), res.OK())
		if res.OK() {
			c.log.Debug("transfer complete",
				slog.String("method", ev.Method.String()),
				slog.String("url", redactURL(res.Target)),
				slog.Int("status", res.Status))
		} else {
			c.log.Warn("transfer failed",
				slog.String("method", ev.Method.String()),
				slog.String("url", redactURL(res.Target)),
				slog.Int("exit_code", res.ExitCode),
				slog.Int("status", res.Status),
				slog.Any("args", res.Args),
				slog.String("error", res.Err.Error()))
		}
	}

	if ev.Done != nil {
		ev.Done(res)
	}
	if observer != nil {
		observer(res)
	}
}
