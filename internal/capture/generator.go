package capture

import (
	"context"
	"math"
	"time"
)

const (
	generatorTick      = 20 * time.Millisecond
	generatorAmplitude = 0.25
)

// Generator produces silence, or a sine tone when ToneHz is set, paced to
// wall-clock time.
type Generator struct {
	loop
	rate     int
	channels int
	freq     float64
	tick     time.Duration
	phase    float64
	buf      []float32
}

// NewGenerator returns a generator. A zero freq produces silence.
func NewGenerator(rate, channels int, freq float64) *Generator {
	return &Generator{
		loop:     newLoop(),
		rate:     rate,
		channels: channels,
		freq:     freq,
		tick:     generatorTick,
	}
}

func (g *Generator) Channels() int   { return g.channels }
func (g *Generator) SampleRate() int { return g.rate }

func (g *Generator) Start(ctx context.Context, w Writer) error {
	return g.start(ctx, func(ctx context.Context) {
		pace(ctx, g.rate, g.tick, func(frames int) bool {
			w.Write(g.fill(frames), frames)
			return true
		})
	})
}

func (g *Generator) Stop() error {
	g.stop()
	return nil
}

// fill returns frames frames of output, continuing the tone's phase.
func (g *Generator) fill(frames int) []float32 {
	n := frames * g.channels
	if cap(g.buf) < n {
		g.buf = make([]float32, n)
	}
	buf := g.buf[:n]
	if g.freq == 0 {
		clear(buf)
		return buf
	}
	step := 2 * math.Pi * g.freq / float64(g.rate)
	for i := 0; i < frames; i++ {
		v := float32(generatorAmplitude * math.Sin(g.phase))
		for c := 0; c < g.channels; c++ {
			buf[i*g.channels+c] = v
		}
		g.phase = math.Mod(g.phase+step, 2*math.Pi)
	}
	return buf
}
