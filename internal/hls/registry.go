package hls

import (
	"errors"
	"sort"
	"sync"
)

// Registry is the concurrency-safe record of the segments each rendition
// currently keeps on the publishing server. Segments are added when they are
// published and removed once their DELETE has run.
type Registry interface {
	// RegisterSegment records seg for the rendition, creating it if needed.
	// Duplicate sequence numbers are ignored.
	RegisterSegment(id RenditionID, seg Segment) error

	// RemoveSegment forgets a segment. Unknown segments are a no-op.
	RemoveSegment(id RenditionID, seq int64)

	// Snapshot returns the rendition's segments ordered by sequence and its
	// ended flag. ok is false for an unknown rendition.
	Snapshot(id RenditionID) (segments []Segment, ended bool, ok bool)

	// End marks a rendition as ended; later registrations are rejected.
	End(id RenditionID) error

	// Renditions lists the known renditions, sorted.
	Renditions() []RenditionID

	// SegmentCount returns the number of tracked segments over all
	// renditions.
	SegmentCount() int
}

// ErrRenditionEnded is returned when registering a segment on an ended
// rendition.
var ErrRenditionEnded = errors.New("rendition has ended")

// InMemoryRegistry is the Registry used by the HLS connector.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRegistry constructs a registry backed by an InMemoryStore.
func NewInMemoryRegistry() *InMemoryRegistry {
	return NewRegistryWithStore(NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry over the given Store.
func NewRegistryWithStore(store Store) *InMemoryRegistry {
	return &InMemoryRegistry{store: store}
}

func (r *InMemoryRegistry) RegisterSegment(id RenditionID, seg Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rendition := r.getOrCreateLocked(id)
	if rendition.Ended {
		return ErrRenditionEnded
	}
	if _, exists := rendition.Segments[seg.Sequence]; exists {
		return nil
	}
	rendition.Segments[seg.Sequence] = seg
	return nil
}

func (r *InMemoryRegistry) RemoveSegment(id RenditionID, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rendition, ok := r.store.GetRendition(id); ok {
		delete(rendition.Segments, seq)
	}
}

func (r *InMemoryRegistry) Snapshot(id RenditionID) (segments []Segment, ended bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rendition, exists := r.store.GetRendition(id)
	if !exists {
		return nil, false, false
	}
	if len(rendition.Segments) == 0 {
		return nil, rendition.Ended, true
	}

	sequences := make([]int64, 0, len(rendition.Segments))
	for seq := range rendition.Segments {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	segments = make([]Segment, 0, len(sequences))
	for _, seq := range sequences {
		segments = append(segments, rendition.Segments[seq])
	}
	return segments, rendition.Ended, true
}

func (r *InMemoryRegistry) End(id RenditionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rendition, ok := r.store.GetRendition(id); ok {
		rendition.Ended = true
	}
	return nil
}

func (r *InMemoryRegistry) Renditions() []RenditionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.store.ListRenditionIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *InMemoryRegistry) SegmentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, id := range r.store.ListRenditionIDs() {
		if rendition, ok := r.store.GetRendition(id); ok {
			n += len(rendition.Segments)
		}
	}
	return n
}

// getOrCreateLocked returns the rendition, creating it if needed.
// Caller must hold r.mu in write mode.
func (r *InMemoryRegistry) getOrCreateLocked(id RenditionID) *RenditionState {
	if rendition, ok := r.store.GetRendition(id); ok {
		return rendition
	}
	rendition := &RenditionState{ID: id, Segments: make(map[int64]Segment)}
	r.store.SetRendition(rendition)
	return rendition
}
