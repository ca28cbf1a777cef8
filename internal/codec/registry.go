package codec

import (
	"sort"
	"sync"
)

// Emitter hands encoded bytes, and the PCM frames they cover, downstream.
type Emitter func(frames int, data []byte)

// Backend is one encoder implementation.
type Backend interface {
	Start(cfg Config) error
	// FrameSize is the number of PCM frames consumed per Encode call.
	FrameSize() int
	// Encode consumes frames interleaved frames from pcm.
	Encode(pcm []float32, frames int, emit Emitter) error
	// Flush emits anything buffered inside the encoder.
	Flush(emit Emitter) error
	Prologue() []byte
	Close() error
}

// Provider registers a backend for a format.
type Provider struct {
	Type             Type
	Name             string
	ContentType      string
	Extension        string
	FormatIdentifier string
	// Available reports whether the backend can run with cfg on this host.
	Available func(cfg Config) bool
	New       func() Backend
}

var (
	registryMu sync.RWMutex
	registry   = map[Type]Provider{}
)

// Register adds or replaces the provider for p.Type. Backends call it from
// init.
func Register(p Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Type] = p
}

// Lookup returns the provider registered for t.
func Lookup(t Type) (Provider, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[t]
	return p, ok
}

// Available reports whether a usable backend exists for cfg.
func Available(cfg Config) bool {
	p, ok := Lookup(cfg.Type)
	return ok && p.Available(cfg)
}

// Providers lists registered providers ordered by type.
func Providers() []Provider {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Provider, 0, len(registry))
	for _, p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
