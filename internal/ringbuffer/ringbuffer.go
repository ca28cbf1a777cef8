// Package ringbuffer provides the fixed-capacity sample buffer that sits
// between the capture callback and the codec.
//
// A RingBuffer has exactly one writer and one reader. Positions are kept as
// monotonically increasing frame counters published with atomic stores, so
// neither side takes a lock and the writer never blocks.
package ringbuffer

import (
	"sync/atomic"
)

// DefaultFrames is the capacity used by the encoder when none is configured.
const DefaultFrames = 262144

// RingBuffer stores interleaved float32 frames.
type RingBuffer struct {
	buf      []float32
	capacity uint64
	channels int

	// written and read count frames since creation. written is only stored
	// by the writer, read only by the reader.
	written atomic.Uint64
	read    atomic.Uint64

	overflow atomic.Uint64
}

// New returns a RingBuffer holding up to frames frames of the given channel
// count. It panics on non-positive arguments.
func New(frames, channels int) *RingBuffer {
	if frames <= 0 || channels <= 0 {
		panic("ringbuffer: frames and channels must be positive")
	}
	return &RingBuffer{
		buf:      make([]float32, frames*channels),
		capacity: uint64(frames),
		channels: channels,
	}
}

// Capacity returns the buffer size in frames.
func (r *RingBuffer) Capacity() int { return int(r.capacity) }

// Channels returns the number of interleaved channels per frame.
func (r *RingBuffer) Channels() int { return r.channels }

// ReadSpace returns the number of frames available to the reader.
func (r *RingBuffer) ReadSpace() int {
	return int(r.written.Load() - r.read.Load())
}

// WriteSpace returns the number of frames the writer can store without
// overflowing. ReadSpace()+WriteSpace() == Capacity() whenever neither side
// is mid-call.
func (r *RingBuffer) WriteSpace() int {
	return int(r.capacity - (r.written.Load() - r.read.Load()))
}

// Write copies up to frames frames from samples and returns how many were
// stored. A short write drops the remainder and adds it to the overflow
// counter; the writer never waits for the reader.
func (r *RingBuffer) Write(samples []float32, frames int) int {
	if avail := len(samples) / r.channels; frames > avail {
		frames = avail
	}
	if frames <= 0 {
		return 0
	}

	w := r.written.Load()
	free := int(r.capacity - (w - r.read.Load()))
	n := frames
	if n > free {
		n = free
		r.overflow.Add(uint64(frames - n))
	}
	if n == 0 {
		return 0
	}

	r.copyIn(w, samples[:n*r.channels])
	r.written.Store(w + uint64(n))
	return n
}

// Read copies up to frames frames into dst and returns how many were read.
func (r *RingBuffer) Read(dst []float32, frames int) int {
	if avail := len(dst) / r.channels; frames > avail {
		frames = avail
	}
	if frames <= 0 {
		return 0
	}

	rd := r.read.Load()
	n := int(r.written.Load() - rd)
	if n > frames {
		n = frames
	}
	if n == 0 {
		return 0
	}

	r.copyOut(rd, dst[:n*r.channels])
	r.read.Store(rd + uint64(n))
	return n
}

// Overflows returns the total number of frames dropped by short writes.
func (r *RingBuffer) Overflows() uint64 {
	return r.overflow.Load()
}

func (r *RingBuffer) copyIn(pos uint64, src []float32) {
	start := int(pos%r.capacity) * r.channels
	n := copy(r.buf[start:], src)
	if n < len(src) {
		copy(r.buf, src[n:])
	}
}

func (r *RingBuffer) copyOut(pos uint64, dst []float32) {
	start := int(pos%r.capacity) * r.channels
	n := copy(dst, r.buf[start:])
	if n < len(dst) {
		copy(dst[n:], r.buf)
	}
}
