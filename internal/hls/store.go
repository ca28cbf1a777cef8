package hls

// Store is the persistence abstraction behind a Registry.
type Store interface {
	GetRendition(id RenditionID) (*RenditionState, bool)
	SetRendition(r *RenditionState)
	ListRenditionIDs() []RenditionID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	renditions map[RenditionID]*RenditionState
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{renditions: make(map[RenditionID]*RenditionState)}
}

// GetRendition implements Store.GetRendition.
func (s *InMemoryStore) GetRendition(id RenditionID) (*RenditionState, bool) {
	r, ok := s.renditions[id]
	return r, ok
}

// SetRendition implements Store.SetRendition.
func (s *InMemoryStore) SetRendition(r *RenditionState) {
	s.renditions[r.ID] = r
}

// ListRenditionIDs implements Store.ListRenditionIDs.
func (s *InMemoryStore) ListRenditionIDs() []RenditionID {
	ids := make([]RenditionID, 0, len(s.renditions))
	for id := range s.renditions {
		ids = append(ids, id)
	}
	return ids
}
