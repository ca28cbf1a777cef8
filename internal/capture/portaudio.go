//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"glasscoder/internal/platform/logger"
)

// framesPerBuffer is the PortAudio callback size.
const framesPerBuffer = 1024

// PortAudioSource captures from the default input device. Frames are
// written to the ring from the PortAudio callback thread.
type PortAudioSource struct {
	rate     int
	channels int
	log      *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	done   chan struct{}
	once   sync.Once
}

func NewPortAudioSource(rate, channels int, log *slog.Logger) (Source, error) {
	return &PortAudioSource{
		rate:     rate,
		channels: channels,
		log:      logger.OrDiscard(log),
		done:     make(chan struct{}),
	}, nil
}

func (p *PortAudioSource) Channels() int         { return p.channels }
func (p *PortAudioSource) SampleRate() int       { return p.rate }
func (p *PortAudioSource) Done() <-chan struct{} { return p.done }

func (p *PortAudioSource) Start(ctx context.Context, w Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return fmt.Errorf("capture already started")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, err)
	}
	channels := p.channels
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(p.rate), framesPerBuffer,
		func(in []float32) {
			w.Write(in, len(in)/channels)
		})
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}
	p.stream = stream
	p.log.Info("portaudio capture started", slog.Int("rate", p.rate), slog.Int("channels", channels))

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()
	return nil
}

func (p *PortAudioSource) Stop() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		stream := p.stream
		p.mu.Unlock()
		if stream != nil {
			if serr := stream.Stop(); serr != nil {
				err = serr
			}
			stream.Close()
			portaudio.Terminate()
		}
		close(p.done)
	})
	return err
}
