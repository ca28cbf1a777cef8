//go:build opus

package codec

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// opusFrameSize is 20 ms at 48 kHz.
const opusFrameSize = 960

var opusRates = []int{8000, 12000, 16000, 24000, 48000}

func init() {
	Register(Provider{
		Type:             TypeOpus,
		Name:             "libopus",
		ContentType:      "audio/ogg",
		Extension:        "opus",
		FormatIdentifier: "opus",
		Available:        func(Config) bool { return true },
		New:              func() Backend { return &opusBackend{} },
	})
}

// opusBackend encodes with libopus and encapsulates packets in Ogg pages.
// The OpusHead and OpusTags pages written when the Ogg writer is created
// become the stream prologue.
type opusBackend struct {
	cfg      Config
	enc      *opus.Encoder
	page     bytes.Buffer
	ogg      *oggwriter.OggWriter
	prologue []byte
	packet   []byte
	frame    int
	seq      uint16
	stamp    uint32
}

func (b *opusBackend) Start(cfg Config) error {
	if !slices.Contains(opusRates, cfg.StreamRate) {
		return fmt.Errorf("%w: opus does not support %d Hz", ErrInvalidConfiguration, cfg.StreamRate)
	}
	enc, err := opus.NewEncoder(cfg.StreamRate, cfg.Channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if cfg.ConstantBitrate() {
		if err := enc.SetBitrate(cfg.BitsPerSecond()); err != nil {
			return fmt.Errorf("%w: opus bitrate %d: %v", ErrInvalidConfiguration, cfg.Bitrate, err)
		}
	} else {
		if err := enc.SetVBR(true); err != nil {
			return err
		}
		if err := enc.SetComplexity(int(cfg.Quality * 10)); err != nil {
			return fmt.Errorf("%w: opus complexity: %v", ErrInvalidConfiguration, err)
		}
	}

	ogg, err := oggwriter.NewWith(&b.page, uint32(cfg.StreamRate), uint16(cfg.Channels))
	if err != nil {
		return err
	}
	b.cfg = cfg
	b.enc = enc
	b.ogg = ogg
	b.prologue = bytes.Clone(b.page.Bytes())
	b.page.Reset()
	b.packet = make([]byte, 4000)
	b.frame = opusFrameSize * cfg.StreamRate / 48000
	return nil
}

func (b *opusBackend) FrameSize() int { return b.frame }

func (b *opusBackend) Encode(pcm []float32, frames int, emit Emitter) error {
	n, err := b.enc.EncodeFloat32(pcm[:frames*b.cfg.Channels], b.packet)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	b.seq++
	b.stamp += uint32(frames * 48000 / b.cfg.StreamRate)
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: b.seq, Timestamp: b.stamp},
		Payload: b.packet[:n],
	}
	if err := b.ogg.WriteRTP(pkt); err != nil {
		return err
	}
	emit(frames, bytes.Clone(b.page.Bytes()))
	b.page.Reset()
	return nil
}

func (b *opusBackend) Flush(Emitter) error { return nil }

func (b *opusBackend) Prologue() []byte { return b.prologue }

func (b *opusBackend) Close() error {
	if b.ogg == nil {
		return nil
	}
	err := b.ogg.Close()
	b.ogg = nil
	return err
}
