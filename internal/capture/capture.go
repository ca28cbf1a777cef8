// Package capture produces interleaved float32 PCM for the encoder. A Source
// is the real-time producer: it writes into a Writer (the ring buffer)
// without ever waiting for the consumer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrRemix is returned when the capture channel count cannot be
	// converted to the publish channel count.
	ErrRemix = errors.New("cannot remix channels")

	// ErrDeviceUnavailable is returned for capture devices not built into
	// this binary.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

// Writer accepts interleaved frames and returns how many were stored.
// *ringbuffer.RingBuffer implements it.
type Writer interface {
	Write(samples []float32, frames int) int
}

// Source is a capture device.
type Source interface {
	Channels() int
	SampleRate() int
	// Start begins delivering frames to w and returns immediately.
	Start(ctx context.Context, w Writer) error
	// Stop ends capture. It is safe to call more than once.
	Stop() error
	// Done is closed when capture has ended, by Stop or because the
	// source ran out of audio.
	Done() <-chan struct{}
}

// Config selects and configures a Source.
type Config struct {
	// Device is one of "generator", "file" or "portaudio".
	Device     string
	Channels   int
	SampleRate int
	File       string
	Loop       bool
	ToneHz     float64
}

// New builds the Source named by cfg.Device.
func New(cfg Config, log *slog.Logger) (Source, error) {
	switch cfg.Device {
	case "", "generator":
		return NewGenerator(cfg.SampleRate, cfg.Channels, cfg.ToneHz), nil
	case "file":
		return NewFileSource(cfg.File, cfg.SampleRate, cfg.Loop, log)
	case "portaudio":
		return NewPortAudioSource(cfg.SampleRate, cfg.Channels, log)
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceUnavailable, cfg.Device)
}

// loop runs a capture goroutine and tracks its lifetime.
type loop struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closeMu sync.Once
}

func newLoop() loop {
	return loop{done: make(chan struct{})}
}

func (l *loop) start(ctx context.Context, run func(ctx context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return errors.New("capture already started")
	}
	select {
	case <-l.done:
		return errors.New("capture already stopped")
	default:
	}
	ctx, l.cancel = context.WithCancel(ctx)
	go func() {
		defer l.finish()
		run(ctx)
	}()
	return nil
}

func (l *loop) finish() {
	l.closeMu.Do(func() { close(l.done) })
}

func (l *loop) stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		l.finish()
		return
	}
	cancel()
	<-l.done
}

func (l *loop) Done() <-chan struct{} { return l.done }

// pace calls produce with the number of frames due since start, once per
// tick, until ctx ends or produce reports the source is exhausted.
func pace(ctx context.Context, rate int, tick time.Duration, produce func(frames int) bool) {
	t := time.NewTicker(tick)
	defer t.Stop()
	start := time.Now()
	var sent int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			due := int64(now.Sub(start).Seconds()*float64(rate)) - sent
			if due <= 0 {
				continue
			}
			sent += due
			if !produce(int(due)) {
				return
			}
		}
	}
}
