package capture

import "fmt"

// Remix converts frames of interleaved audio from one channel count to
// another, appending to out. Only mono and stereo are reconciled: mono is
// duplicated, stereo is averaged.
func Remix(in []float32, frames, from, to int, out []float32) ([]float32, error) {
	switch {
	case from == to:
		return append(out, in[:frames*from]...), nil
	case from == 1 && to == 2:
		for _, s := range in[:frames] {
			out = append(out, s, s)
		}
		return out, nil
	case from == 2 && to == 1:
		for i := 0; i < frames; i++ {
			out = append(out, (in[2*i]+in[2*i+1])/2)
		}
		return out, nil
	}
	return out, fmt.Errorf("%w: %d to %d channels", ErrRemix, from, to)
}

type remixer struct {
	w        Writer
	from, to int
	buf      []float32
}

// NewRemixer returns a Writer that converts from-channel frames to the
// to-channel layout of w. It fails with ErrRemix for any conversion other
// than mono to stereo or stereo to mono.
func NewRemixer(w Writer, from, to int) (Writer, error) {
	if from == to {
		return w, nil
	}
	if _, err := Remix(nil, 0, from, to, nil); err != nil {
		return nil, err
	}
	return &remixer{w: w, from: from, to: to}, nil
}

func (r *remixer) Write(samples []float32, frames int) int {
	if avail := len(samples) / r.from; frames > avail {
		frames = avail
	}
	r.buf, _ = Remix(samples, frames, r.from, r.to, r.buf[:0])
	return r.w.Write(r.buf, frames)
}
