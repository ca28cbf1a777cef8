package metadata

import (
	"log/slog"
	"sync"

	"glasscoder/internal/platform/logger"
	"glasscoder/internal/platform/metrics"
)

// Sink receives metadata updates. Connectors implement it.
type Sink interface {
	SendMetadata(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) SendMetadata(ev Event) { f(ev) }

// Dispatcher fans updates from every admin surface out to the attached
// sinks and to live subscribers, keeping the merged current state.
type Dispatcher struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	sinks   []Sink
	current Event
	subs    map[int]chan Event
	nextSub int
}

func NewDispatcher(log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		log:     logger.OrDiscard(log).With(slog.String("component", "metadata")),
		metrics: m,
		subs:    make(map[int]chan Event),
	}
}

// Attach adds s to the sinks that receive every update.
func (d *Dispatcher) Attach(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Current returns the merged state of all updates so far.
func (d *Dispatcher) Current() Event {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Subscribe returns a channel of future updates. Updates are dropped for a
// subscriber whose buffer is full. cancel releases the subscription.
func (d *Dispatcher) Subscribe(buffer int) (updates <-chan Event, cancel func()) {
	ch := make(chan Event, buffer)
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// Dispatch merges ev into the current state and forwards it. Empty updates
// are ignored.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.Empty() {
		return
	}
	d.mu.Lock()
	d.current = d.current.Merge(ev)
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.log.Debug("subscriber full, update dropped")
		}
	}
	d.mu.Unlock()

	d.metrics.IncMetadataUpdates(ev.Source)
	d.log.Info("metadata update",
		slog.String("source", ev.Source),
		slog.String("stream_title", ev.StreamTitle),
		slog.String("stream_url", ev.StreamURL))
	for _, s := range sinks {
		s.SendMetadata(ev)
	}
}
