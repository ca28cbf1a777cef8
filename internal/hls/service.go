package hls

import "sort"

// DefaultWindowSize is the number of segments a live playlist lists.
const DefaultWindowSize = 4

// Service renders playlists from a Registry over a sliding live window.
type Service struct {
	registry   Registry
	windowSize int
	opts       PlaylistOptions
}

// NewService returns a Service that lists at most windowSize segments per
// playlist. If windowSize <= 0, DefaultWindowSize is used.
func NewService(registry Registry, windowSize int, opts PlaylistOptions) *Service {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Service{registry: registry, windowSize: windowSize, opts: opts}
}

// WindowSize returns the live window length in segments.
func (s *Service) WindowSize() int { return s.windowSize }

// Registry returns the underlying registry.
func (s *Service) Registry() Registry { return s.registry }

// Window returns the segments currently in the rendition's live window.
func (s *Service) Window(id RenditionID) []Segment {
	segments, _, ok := s.registry.Snapshot(id)
	if !ok {
		return nil
	}
	return contiguousVisibleSegments(segments, s.windowSize)
}

// Playlist renders the rendition's media playlist. ok is false for an
// unknown rendition.
func (s *Service) Playlist(id RenditionID) (m3u8 string, ok bool) {
	segments, ended, ok := s.registry.Snapshot(id)
	if !ok {
		return "", false
	}
	opts := s.opts
	opts.Ended = ended
	return BuildMediaPlaylist(contiguousVisibleSegments(segments, s.windowSize), opts), true
}

// contiguousVisibleSegments keeps the last windowSize segments and cuts the
// window at the first sequence gap, so a player never sees 42 followed by 44.
// A missing segment eventually falls off the back of the window.
func contiguousVisibleSegments(segs []Segment, windowSize int) []Segment {
	if len(segs) == 0 {
		return nil
	}
	sort.Slice(segs, func(i, j int) bool {
		return segs[i].Sequence < segs[j].Sequence
	})

	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]Segment, 0, len(windowed))
	for i := 0; i < len(windowed); i++ {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}
