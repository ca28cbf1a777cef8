package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// pcm16FrameSize matches the chunk size of the other backends closely
// enough that connectors see similar write granularity.
const pcm16FrameSize = 1024

// StreamingDataSize is written into the RIFF and data size fields of a WAV
// header whose length is not known in advance.
const StreamingDataSize = 0xFFFFFFFF

// WAVHeaderSize is the length of the canonical 44-byte WAV header.
const WAVHeaderSize = 44

func init() {
	Register(Provider{
		Type:        TypePCM16,
		Name:        "pcm16",
		ContentType: "audio/x-wav",
		Extension:   "wav",
		Available:   func(Config) bool { return true },
		New:         func() Backend { return &pcm16Backend{} },
	})
}

type pcm16Backend struct {
	cfg    Config
	header []byte
	out    []byte
}

func (b *pcm16Backend) Start(cfg Config) error {
	b.cfg = cfg
	b.header = WAVHeader(cfg.Channels, cfg.StreamRate, 16, StreamingDataSize)
	b.out = make([]byte, pcm16FrameSize*cfg.Channels*2)
	return nil
}

func (b *pcm16Backend) FrameSize() int { return pcm16FrameSize }

func (b *pcm16Backend) Encode(pcm []float32, frames int, emit Emitter) error {
	n := frames * b.cfg.Channels
	if n > len(pcm) {
		return fmt.Errorf("pcm16: short buffer: %d samples for %d frames", len(pcm), frames)
	}
	if cap(b.out) < n*2 {
		b.out = make([]byte, n*2)
	}
	out := b.out[:n*2]
	for i, s := range pcm[:n] {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	emit(frames, out)
	return nil
}

func (b *pcm16Backend) Flush(Emitter) error { return nil }

func (b *pcm16Backend) Prologue() []byte { return b.header }

func (b *pcm16Backend) Close() error { return nil }

// FloatToInt16 converts a sample in [-1,1] to 16-bit PCM with clipping.
func FloatToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < -math.MaxInt16:
		return -math.MaxInt16
	}
	return int16(v)
}

// WAVHeader builds a PCM WAV header. Pass StreamingDataSize when the data
// length is unknown.
func WAVHeader(channels, rate, bits int, dataLen uint32) []byte {
	h := make([]byte, WAVHeaderSize)
	riffLen := uint32(StreamingDataSize)
	if dataLen != StreamingDataSize {
		riffLen = dataLen + WAVHeaderSize - 8
	}
	blockAlign := channels * bits / 8

	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], riffLen)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1)
	binary.LittleEndian.PutUint16(h[22:], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(rate))
	binary.LittleEndian.PutUint32(h[28:], uint32(rate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], uint16(bits))
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], dataLen)
	return h
}
