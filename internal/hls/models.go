package hls

import "time"

// RenditionID identifies one variant of a publication by its playlist name
// (e.g. "live.m3u8", "live128.m3u8").
type RenditionID string

// Segment is one closed media segment.
type Segment struct {
	Sequence int64   `json:"sequence"`
	Duration float64 `json:"duration"`
	Filename string  `json:"filename"`

	// StartedAt is the wall-clock time of the segment's first frame.
	StartedAt time.Time `json:"started_at"`
	// Frames is the number of sample frames the segment carries.
	Frames int64 `json:"frames"`
}

// RenditionState holds the tracked segments of one rendition.
type RenditionState struct {
	ID       RenditionID
	Segments map[int64]Segment
	Ended    bool
}
