package codec

import (
	"fmt"
	"math"
)

// sincHalfWidth is the number of input frames on each side of the output
// position that contribute to an output frame.
const sincHalfWidth = 16

// Resampler is a streaming windowed-sinc sample rate converter for
// interleaved float32 audio. It keeps the tail of the previous input so
// consecutive Process calls join without discontinuity.
type Resampler struct {
	inRate   int
	outRate  int
	channels int
	step     float64
	cutoff   float64

	hist    []float32
	pos     float64
	weights []float64
}

// NewResampler converts from inRate to outRate.
func NewResampler(inRate, outRate, channels int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: resampler %d -> %d, %d channels", ErrInvalidConfiguration, inRate, outRate, channels)
	}
	r := &Resampler{
		inRate:   inRate,
		outRate:  outRate,
		channels: channels,
		step:     float64(inRate) / float64(outRate),
		cutoff:   math.Min(1, float64(outRate)/float64(inRate)),
		hist:     make([]float32, sincHalfWidth*channels),
		pos:      sincHalfWidth,
		weights:  make([]float64, 2*sincHalfWidth),
	}
	return r, nil
}

// Ratio returns outRate/inRate.
func (r *Resampler) Ratio() float64 {
	return float64(r.outRate) / float64(r.inRate)
}

// OutputFrames returns the number of frames expected from in input frames.
func (r *Resampler) OutputFrames(in int) int {
	return int(math.Ceil(float64(in) * r.Ratio()))
}

// Latency is the number of input frames held back for look-ahead.
func (r *Resampler) Latency() int {
	return sincHalfWidth
}

// Process appends the converted frames for in to out and returns it.
func (r *Resampler) Process(in []float32, out []float32) []float32 {
	ch := r.channels
	r.hist = append(r.hist, in[:len(in)/ch*ch]...)
	frames := len(r.hist) / ch

	for {
		i := int(math.Floor(r.pos))
		if i+sincHalfWidth >= frames {
			break
		}
		first := i - sincHalfWidth + 1
		var wsum float64
		for k := range r.weights {
			x := r.pos - float64(first+k)
			w := r.cutoff * sinc(r.cutoff*x) * blackman(x/sincHalfWidth)
			r.weights[k] = w
			wsum += w
		}
		if wsum == 0 {
			wsum = 1
		}
		for c := 0; c < ch; c++ {
			var acc float64
			base := first*ch + c
			for k, w := range r.weights {
				acc += w * float64(r.hist[base+k*ch])
			}
			out = append(out, float32(acc/wsum))
		}
		r.pos += r.step
	}

	if drop := int(math.Floor(r.pos)) - sincHalfWidth + 1; drop > 0 {
		if drop > frames {
			drop = frames
		}
		r.hist = append(r.hist[:0], r.hist[drop*ch:]...)
		r.pos -= float64(drop)
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blackman(t float64) float64 {
	if t <= -1 || t >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*t) + 0.08*math.Cos(2*math.Pi*t)
}
