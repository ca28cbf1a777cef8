package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"slices"
	"strconv"
)

// ffmpegFormat describes how one format is produced by the ffmpeg binary.
type ffmpegFormat struct {
	encoder   string
	muxer     string
	frameSize int
	rates     []int
	// quality maps [0,1] onto the encoder's -q:a scale; nil when the
	// encoder has no variable quality mode.
	quality func(q float64) string
}

var mpegRates = []int{8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000}

var ffmpegFormats = map[Type]ffmpegFormat{
	TypeMP3: {
		encoder: "libmp3lame", muxer: "mp3", frameSize: 1152, rates: mpegRates,
		quality: func(q float64) string { return strconv.Itoa(int(math.Round((1 - q) * 9))) },
	},
	TypeMP2: {
		encoder: "mp2", muxer: "mp2", frameSize: 1152, rates: []int{16000, 22050, 24000, 32000, 44100, 48000},
	},
	TypeAAC: {
		encoder: "aac", muxer: "adts", frameSize: 1024,
		rates:   []int{8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000, 64000, 88200, 96000},
		quality: func(q float64) string { return strconv.FormatFloat(0.1+q*1.9, 'f', 2, 64) },
	},
	TypeVorbis: {
		encoder: "libvorbis", muxer: "ogg", frameSize: 1024,
		quality: func(q float64) string { return strconv.FormatFloat(q*10, 'f', 1, 64) },
	},
}

func init() {
	register := func(t Type, contentType, ext, id string) {
		Register(Provider{
			Type:             t,
			Name:             "ffmpeg/" + ffmpegFormats[t].encoder,
			ContentType:      contentType,
			Extension:        ext,
			FormatIdentifier: id,
			Available:        ffmpegAvailable,
			New:              func() Backend { return &ffmpegBackend{format: ffmpegFormats[t]} },
		})
	}
	register(TypeMP3, "audio/mpeg", "mp3", "mp4a.40.34")
	register(TypeMP2, "audio/mpeg", "mp2", "mp4a.40.33")
	register(TypeAAC, "audio/aac", "aac", "mp4a.40.2")
	register(TypeVorbis, "audio/ogg", "ogg", "vorbis")
}

func ffmpegAvailable(cfg Config) bool {
	bin := cfg.EncoderBinary
	if bin == "" {
		bin = "ffmpeg"
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

// ffmpegBackend pipes f32le PCM into an ffmpeg subprocess and forwards
// whatever compressed bytes it has produced after each write. Bytes are
// credited with the frames fed since the previous emission.
type ffmpegBackend struct {
	format ffmpegFormat
	cfg    Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	chunks chan []byte
	stderr bytes.Buffer

	raw []byte
	fed int
	ogg *oggSplitter
}

func (b *ffmpegBackend) args() ([]string, error) {
	cfg := b.cfg
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", "f32le", "-ar", strconv.Itoa(cfg.StreamRate), "-ac", strconv.Itoa(cfg.Channels), "-i", "pipe:0",
		"-c:a", b.format.encoder,
	}
	if cfg.ConstantBitrate() {
		args = append(args, "-b:a", strconv.Itoa(cfg.Bitrate)+"k")
	} else {
		if b.format.quality == nil {
			return nil, fmt.Errorf("%w: %s has no quality mode", ErrInvalidConfiguration, cfg.Type)
		}
		args = append(args, "-q:a", b.format.quality(cfg.Quality))
	}
	args = append(args, "-flush_packets", "1", "-f", b.format.muxer, "pipe:1")
	return args, nil
}

func (b *ffmpegBackend) Start(cfg Config) error {
	b.cfg = cfg
	if len(b.format.rates) > 0 && !slices.Contains(b.format.rates, cfg.StreamRate) {
		return fmt.Errorf("%w: %s does not support %d Hz", ErrInvalidConfiguration, cfg.Type, cfg.StreamRate)
	}
	args, err := b.args()
	if err != nil {
		return err
	}
	bin := cfg.EncoderBinary
	if bin == "" {
		bin = "ffmpeg"
	}

	b.cmd = exec.Command(bin, args...)
	b.cmd.Stderr = &b.stderr
	if b.stdin, err = b.cmd.StdinPipe(); err != nil {
		return err
	}
	stdout, err := b.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := b.cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting %s: %v", ErrBackendUnavailable, bin, err)
	}
	if b.format.muxer == "ogg" {
		b.ogg = &oggSplitter{}
	}

	b.chunks = make(chan []byte, 256)
	go func() {
		defer close(b.chunks)
		for {
			buf := make([]byte, 4096)
			n, err := stdout.Read(buf)
			if n > 0 {
				b.chunks <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

func (b *ffmpegBackend) FrameSize() int { return b.format.frameSize }

func (b *ffmpegBackend) Encode(pcm []float32, frames int, emit Emitter) error {
	n := frames * b.cfg.Channels
	if cap(b.raw) < n*4 {
		b.raw = make([]byte, n*4)
	}
	raw := b.raw[:n*4]
	for i, s := range pcm[:n] {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	if _, err := b.stdin.Write(raw); err != nil {
		return fmt.Errorf("ffmpeg write: %w (%s)", err, bytes.TrimSpace(b.stderr.Bytes()))
	}
	b.fed += frames

	for {
		select {
		case chunk, ok := <-b.chunks:
			if !ok {
				return errors.New("ffmpeg exited unexpectedly")
			}
			b.forward(chunk, emit)
		default:
			return nil
		}
	}
}

func (b *ffmpegBackend) forward(chunk []byte, emit Emitter) {
	if b.ogg != nil {
		chunk = b.ogg.push(chunk)
		if len(chunk) == 0 {
			return
		}
	}
	emit(b.fed, chunk)
	b.fed = 0
}

func (b *ffmpegBackend) Flush(emit Emitter) error {
	if b.cmd == nil {
		return nil
	}
	b.stdin.Close()
	for chunk := range b.chunks {
		b.forward(chunk, emit)
	}
	err := b.cmd.Wait()
	b.cmd = nil
	return err
}

func (b *ffmpegBackend) Prologue() []byte {
	if b.ogg == nil || !b.ogg.headerDone {
		return nil
	}
	return b.ogg.header
}

func (b *ffmpegBackend) Close() error {
	if b.cmd == nil {
		return nil
	}
	b.stdin.Close()
	if b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	for range b.chunks {
	}
	b.cmd.Wait()
	b.cmd = nil
	return nil
}
