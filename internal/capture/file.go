package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"glasscoder/internal/platform/logger"
)

// resampleQuality is the beep resampler quality, in [1,64].
const resampleQuality = 4

// ErrUnsupportedFile is returned for files that are neither MP3 nor WAV.
var ErrUnsupportedFile = errors.New("unsupported audio file")

// FileSource plays an MP3 or WAV file in real time, converted to the
// requested sample rate.
type FileSource struct {
	loop
	path     string
	rate     int
	channels int
	tick     time.Duration
	log      *slog.Logger

	decoded  beep.StreamSeekCloser
	streamer beep.Streamer
	frames   [][2]float64
	buf      []float32
}

// NewFileSource opens path and prepares it for playback at rate. With
// repeat set the file loops forever; otherwise Done closes at end of file.
func NewFileSource(path string, rate int, repeat bool, log *slog.Logger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".wav":
		s, format, err = wav.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	var streamer beep.Streamer = s
	if repeat {
		streamer = beep.Loop(-1, s)
	}
	if g := wavGain(path, format); g != 0 {
		streamer = &effects.Gain{Streamer: streamer, Gain: g}
	}
	if int(format.SampleRate) != rate {
		streamer = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(rate), streamer)
	}

	log = logger.OrDiscard(log)
	log.Info("audio file opened",
		slog.String("path", path),
		slog.Int("file_rate", int(format.SampleRate)),
		slog.Int("channels", format.NumChannels),
		slog.Bool("loop", repeat))

	return &FileSource{
		loop:     newLoop(),
		path:     path,
		rate:     rate,
		channels: format.NumChannels,
		tick:     generatorTick,
		log:      log,
		decoded:  s,
		streamer: streamer,
	}, nil
}

// wavGain returns the effects.Gain that restores full scale to 16 and 24 bit
// WAV samples, which the beep decoder divides by 2^bits-1 instead of
// 2^(bits-1).
func wavGain(path string, format beep.Format) float64 {
	if !strings.EqualFold(filepath.Ext(path), ".wav") || format.Precision < 2 {
		return 0
	}
	bits := uint(8 * format.Precision)
	return float64(uint64(1)<<bits-1)/float64(uint64(1)<<(bits-1)) - 1
}

func (f *FileSource) Channels() int   { return f.channels }
func (f *FileSource) SampleRate() int { return f.rate }

func (f *FileSource) Start(ctx context.Context, w Writer) error {
	return f.start(ctx, func(ctx context.Context) {
		defer f.decoded.Close()
		pace(ctx, f.rate, f.tick, func(frames int) bool {
			return f.produce(w, frames)
		})
	})
}

func (f *FileSource) Stop() error {
	f.stop()
	return nil
}

// produce streams frames frames into w and reports whether audio remains.
func (f *FileSource) produce(w Writer, frames int) bool {
	if cap(f.frames) < frames {
		f.frames = make([][2]float64, frames)
	}
	for frames > 0 {
		n, ok := f.streamer.Stream(f.frames[:frames])
		if !ok {
			if err := f.streamer.Err(); err != nil {
				f.log.Error("audio file playback failed", slog.String("path", f.path), slog.String("error", err.Error()))
			} else {
				f.log.Info("audio file finished", slog.String("path", f.path))
			}
			return false
		}
		w.Write(f.interleave(f.frames[:n]), n)
		frames -= n
	}
	return true
}

// interleave converts beep's stereo pairs to the file's channel layout.
func (f *FileSource) interleave(frames [][2]float64) []float32 {
	n := len(frames) * f.channels
	if cap(f.buf) < n {
		f.buf = make([]float32, n)
	}
	buf := f.buf[:n]
	for i, fr := range frames {
		if f.channels == 1 {
			buf[i] = float32(fr[0])
			continue
		}
		buf[2*i] = float32(fr[0])
		buf[2*i+1] = float32(fr[1])
	}
	return buf
}
