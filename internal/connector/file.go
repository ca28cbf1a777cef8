package connector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"glasscoder/internal/codec"
	"glasscoder/internal/platform/metrics"
)

// fileSink is one open output file. PCM is wrapped in a WAV container
// whose sizes are patched on close.
type fileSink struct {
	path     string
	f        *os.File
	wav      bool
	channels int
	rate     int
	written  int64
}

func isWAV(s Settings) bool {
	return s.ContentType == "audio/x-wav" || strings.EqualFold(s.Extension, "wav")
}

func openSink(path string, s Settings, prologue []byte) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := &fileSink{path: path, f: f, wav: isWAV(s), channels: s.Channels, rate: s.SampleRate}
	head := prologue
	if w.wav {
		head = codec.WAVHeader(w.channels, w.rate, 16, 0)
	}
	if len(head) > 0 {
		if _, err := f.Write(head); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *fileSink) write(data []byte) (int, error) {
	n, err := w.f.Write(data)
	w.written += int64(n)
	return n, err
}

func (w *fileSink) close() error {
	if w.wav {
		size := w.written
		if limit := int64(math.MaxUint32 - codec.WAVHeaderSize); size > limit {
			size = limit
		}
		hdr := codec.WAVHeader(w.channels, w.rate, 16, uint32(size))
		if _, err := w.f.WriteAt(hdr, 0); err != nil {
			w.f.Close()
			return err
		}
	}
	return w.f.Close()
}

// fileOutput guards the sink shared by the file connectors.
type fileOutput struct {
	b    *base
	fmu  sync.Mutex
	sink *fileSink
}

// swap installs next and closes the previous sink.
func (o *fileOutput) swap(next *fileSink) {
	o.fmu.Lock()
	prev := o.sink
	o.sink = next
	o.fmu.Unlock()
	if prev != nil {
		if err := prev.close(); err != nil {
			o.b.log.Warn("closing output file", slog.String("path", prev.path), slog.String("error", err.Error()))
		}
	}
}

func (o *fileOutput) write(data []byte) int {
	o.fmu.Lock()
	sink := o.sink
	var n int
	var err error
	if sink != nil {
		n, err = sink.write(data)
	}
	o.fmu.Unlock()
	if err != nil {
		o.b.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
	}
	return n
}

// File writes the stream to a single local file, truncating it on every
// new connection.
type File struct {
	*base
	fileOutput
}

func NewFile(s Settings, log *slog.Logger, m *metrics.Metrics) *File {
	c := &File{base: newBase(ServerFile, s, log, m)}
	c.fileOutput = fileOutput{b: c.base}
	c.base.drv = c
	return c
}

// Path returns the output file name.
func (c *File) Path() string { return c.mountpoint() }

func (c *File) dial(ctx context.Context) {
	sink, err := openSink(c.Path(), c.Settings(), c.prologue())
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		return
	}
	c.swap(sink)
	c.connected()
}

func (c *File) hangup() { c.swap(nil) }

func (c *File) deliver(frames int, data []byte) int { return c.write(data) }

func (c *File) shutdown(context.Context) error {
	c.swap(nil)
	return nil
}
