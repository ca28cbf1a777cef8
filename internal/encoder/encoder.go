// Package encoder runs the encode-and-deliver pipeline: a capture source
// feeds one ring buffer per bitrate, an encode goroutine drains the rings
// through their codecs, and each codec writes to its connector.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"glasscoder/internal/capture"
	"glasscoder/internal/codec"
	"glasscoder/internal/connector"
	"glasscoder/internal/conveyor"
	"glasscoder/internal/hls"
	"glasscoder/internal/metadata"
	"glasscoder/internal/platform/logger"
	"glasscoder/internal/platform/metrics"
	"glasscoder/internal/ringbuffer"
)

const (
	// DefaultPollInterval is how often the rings are drained.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultStopTimeout bounds Stop when Run's context ends.
	DefaultStopTimeout = 10 * time.Second
)

// Config describes one pipeline.
type Config struct {
	// Codec is the template for every rendition; Bitrate is replaced per
	// entry of Bitrates.
	Codec codec.Config
	// Bitrates lists the published bitrates in kbit/s. More than one is
	// only valid for HLS. Empty in quality mode.
	Bitrates []int

	ServerType connector.ServerType
	URL        *url.URL
	// Settings is the connector template. Format fields are filled from
	// the codec.
	Settings connector.Settings

	RingFrames   int
	HLSWindow    int
	Transfer     conveyor.Config
	WorkDir      string
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// Options are the collaborators of an Encoder.
type Options struct {
	Source capture.Source
	// Stdout receives the iceout stream.
	Stdout io.Writer
	// Status receives "CS <n>" lines on every connector state change.
	// Nil disables them.
	Status io.Writer
	Log    *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// rendition is one codec and the connector it feeds.
type rendition struct {
	bitrate  int
	ring     *ringbuffer.RingBuffer
	codec    *codec.Codec
	conn     connector.Connector
	overflow uint64
}

// Encoder owns the pipeline.
type Encoder struct {
	cfg     Config
	src     capture.Source
	log     *slog.Logger
	metrics *metrics.Metrics
	status  *StatusWriter

	renditions []*rendition
	top        connector.Connector
	conv       *conveyor.Conveyor
	playlists  *hls.Service

	quit     chan struct{}
	loopDone chan struct{}
	ended    chan struct{}
	endOnce  sync.Once
	running  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	fatalMu  sync.Mutex
	fatal    error
}

// New builds every codec and connector. Codec errors are fatal and returned
// here, before anything connects.
func New(cfg Config, opts Options) (*Encoder, error) {
	if opts.Source == nil {
		return nil, errors.New("encoder: no capture source")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.RingFrames <= 0 {
		cfg.RingFrames = ringbuffer.DefaultFrames
	}
	if cfg.Settings.SegmentSeconds <= 0 {
		cfg.Settings.SegmentSeconds = connector.DefaultSettings().SegmentSeconds
	}
	bitrates := cfg.Bitrates
	if len(bitrates) == 0 {
		bitrates = []int{cfg.Codec.Bitrate}
	}
	multi := len(bitrates) > 1
	if multi && cfg.ServerType != connector.ServerHLS {
		return nil, fmt.Errorf("%w: multiple bitrates need hls", connector.ErrInvalidSettings)
	}

	log := logger.OrDiscard(opts.Log)
	e := &Encoder{
		cfg:      cfg,
		src:      opts.Source,
		log:      log.With(slog.String("component", "encoder")),
		metrics:  opts.Metrics,
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ended:    make(chan struct{}),
		playlists: hls.NewService(hls.NewInMemoryRegistry(), cfg.HLSWindow, hls.PlaylistOptions{
			TargetDuration:  cfg.Settings.SegmentSeconds,
			TimestampOffset: cfg.Settings.TimestampOffset,
		}),
	}
	if opts.Status != nil {
		e.status = NewStatusWriter(opts.Status)
	}

	deps := connector.Deps{
		Log:       log,
		Metrics:   opts.Metrics,
		Transfer:  cfg.Transfer,
		Playlists: e.playlists,
		WorkDir:   cfg.WorkDir,
		Stdout:    opts.Stdout,
	}
	if multi {
		tc := cfg.Transfer
		if tc.TempDir == "" {
			tc.TempDir = cfg.WorkDir
		}
		tc.NoDeletes = tc.NoDeletes || cfg.Settings.NoDeletes
		conv, err := conveyor.New(tc, log, opts.Metrics)
		if err != nil {
			return nil, err
		}
		e.conv = conv
		deps.Conveyor = conv
	}

	for _, br := range bitrates {
		r, err := e.newRendition(br, multi, deps)
		if err != nil {
			e.abandon()
			return nil, err
		}
		e.renditions = append(e.renditions, r)
	}

	if multi {
		s := e.settings(e.renditions[0], bitrates)
		deps.Top = true
		top, err := connector.New(connector.ServerHLS, s, deps)
		if err != nil {
			e.abandon()
			return nil, err
		}
		e.top = top
		e.observe(top)
	}
	return e, nil
}

func (e *Encoder) newRendition(bitrate int, multi bool, deps connector.Deps) (*rendition, error) {
	cc := e.cfg.Codec
	cc.Bitrate = bitrate
	ring := ringbuffer.New(e.cfg.RingFrames, cc.Channels)
	c, err := codec.New(cc, ring, e.log, e.metrics)
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	r := &rendition{bitrate: bitrate, ring: ring, codec: c}

	s := e.settings(r, e.cfg.Bitrates)
	if multi {
		s.Mountpoint = hls.SubMountpointName(e.mountpoint(), bitrate)
	}
	conn, err := connector.New(e.cfg.ServerType, s, deps)
	if err != nil {
		c.Close()
		return nil, err
	}
	r.conn = conn
	e.observe(conn)
	return r, nil
}

// settings fills the connector template with the format of r.
func (e *Encoder) settings(r *rendition, bitrates []int) connector.Settings {
	s := e.cfg.Settings
	s.ContentType = r.codec.ContentType()
	s.Extension = r.codec.Extension()
	s.FormatIdentifier = r.codec.FormatIdentifier()
	s.Channels = e.cfg.Codec.Channels
	s.SampleRate = e.cfg.Codec.StreamRate
	s.Bitrate = r.bitrate
	s.Bitrates = bitrates
	s.Prologue = r.codec.StreamPrologue
	return s
}

func (e *Encoder) mountpoint() string {
	if e.cfg.Settings.Mountpoint != "" {
		return e.cfg.Settings.Mountpoint
	}
	if e.cfg.URL != nil {
		return e.cfg.URL.Path
	}
	return ""
}

func (e *Encoder) observe(c connector.Connector) {
	if e.status != nil {
		e.status.Observe(c)
	}
}

// Playlists returns the HLS segment registry shared by every rendition.
func (e *Encoder) Playlists() *hls.Service { return e.playlists }

// Connectors returns the audio connectors, one per bitrate.
func (e *Encoder) Connectors() []connector.Connector {
	out := make([]connector.Connector, len(e.renditions))
	for i, r := range e.renditions {
		out[i] = r.conn
	}
	return out
}

// SendMetadata forwards ev to every connector. It implements metadata.Sink.
func (e *Encoder) SendMetadata(ev metadata.Event) {
	for _, r := range e.renditions {
		r.conn.SendMetadata(ev)
	}
}

// Start connects every connector, then starts capture and the encode loop.
// Returned errors are fatal.
func (e *Encoder) Start(ctx context.Context) error {
	var w capture.Writer = fanout(e.rings())
	w, err := capture.NewRemixer(w, e.src.Channels(), e.cfg.Codec.Channels)
	if err != nil {
		return err
	}
	if rate := e.src.SampleRate(); rate != e.cfg.Codec.SourceRate {
		return fmt.Errorf("%w: capture runs at %d Hz, codec expects %d Hz",
			codec.ErrInvalidConfiguration, rate, e.cfg.Codec.SourceRate)
	}

	if e.conv != nil {
		e.conv.Start(ctx)
	}
	for _, r := range e.renditions {
		if err := r.conn.Connect(ctx, e.cfg.URL); err != nil {
			return err
		}
		go e.watch(r.conn.Done())
	}
	if e.top != nil {
		if err := e.top.Connect(ctx, e.cfg.URL); err != nil {
			return err
		}
	}

	if err := e.src.Start(ctx, w); err != nil {
		return err
	}
	go e.watch(e.src.Done())
	e.running.Store(true)
	go e.encodeLoop()

	e.log.Info("encoder started",
		slog.String("server_type", e.cfg.ServerType.String()),
		slog.String("codec", e.cfg.Codec.Type.String()),
		slog.Int("renditions", len(e.renditions)))
	return nil
}

func (e *Encoder) rings() []*ringbuffer.RingBuffer {
	out := make([]*ringbuffer.RingBuffer, len(e.renditions))
	for i, r := range e.renditions {
		out[i] = r.ring
	}
	return out
}

// watch ends the run when ch closes: the source ran dry or a connector
// stopped itself.
func (e *Encoder) watch(ch <-chan struct{}) {
	select {
	case <-ch:
		e.end()
	case <-e.quit:
	}
}

func (e *Encoder) end() {
	e.endOnce.Do(func() { close(e.ended) })
}

// Ended is closed when the pipeline ended on its own.
func (e *Encoder) Ended() <-chan struct{} { return e.ended }

func (e *Encoder) encodeLoop() {
	defer close(e.loopDone)
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-t.C:
			if err := e.drain(); err != nil {
				e.setFatal(err)
				e.end()
				return
			}
		}
	}
}

// drain encodes everything currently buffered.
func (e *Encoder) drain() error {
	for _, r := range e.renditions {
		if n := r.ring.Overflows(); n > r.overflow {
			dropped := n - r.overflow
			r.overflow = n
			e.metrics.AddRingOverflow(int(dropped))
			e.log.Warn("ring buffer overflow", slog.Int("bitrate", r.bitrate), slog.Uint64("dropped_frames", dropped))
		}
		if err := r.codec.Encode(r.conn); err != nil {
			return fmt.Errorf("encode %d kbit/s: %w", r.bitrate, err)
		}
	}
	return nil
}

func (e *Encoder) setFatal(err error) {
	e.fatalMu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.fatalMu.Unlock()
}

// Err returns the error that ended the pipeline, if any.
func (e *Encoder) Err() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatal
}

// Run starts the pipeline and blocks until ctx ends or the pipeline ends on
// its own, then stops it.
func (e *Encoder) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
		defer cancel()
		e.Stop(stopCtx)
		return err
	}
	select {
	case <-ctx.Done():
	case <-e.ended:
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		return err
	}
	return e.Err()
}

// Stop ends capture, encodes what is left, then stops the connectors and
// the shared conveyor.
func (e *Encoder) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopErr = e.stop(ctx)
	})
	return e.stopErr
}

func (e *Encoder) stop(ctx context.Context) error {
	var errs []error
	if err := e.src.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	close(e.quit)
	if e.running.Load() {
		<-e.loopDone
	}

	for _, r := range e.renditions {
		if err := r.codec.Flush(r.conn); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range e.renditions {
		if err := r.conn.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.top != nil {
		if err := e.top.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.conv != nil {
		if err := e.conv.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.release()
	e.log.Info("encoder stopped")
	return errors.Join(errs...)
}

// release closes the codecs.
func (e *Encoder) release() {
	for _, r := range e.renditions {
		if err := r.codec.Close(); err != nil {
			e.log.Warn("closing codec", slog.String("error", err.Error()))
		}
	}
}

// abandon undoes a partially built encoder.
func (e *Encoder) abandon() {
	e.release()
	for _, r := range e.renditions {
		r.conn.Stop(context.Background())
	}
	if e.conv != nil {
		e.conv.Stop(context.Background())
	}
}

// fanout writes every frame to each ring. The capture thread is the single
// writer of all of them.
type fanout []*ringbuffer.RingBuffer

func (f fanout) Write(samples []float32, frames int) int {
	n := frames
	for _, r := range f {
		if w := r.Write(samples, frames); w < n {
			n = w
		}
	}
	return n
}
