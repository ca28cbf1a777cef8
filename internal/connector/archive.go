package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"glasscoder/internal/platform/metrics"
)

// archiveSchedule fires at the top of every hour.
const archiveSchedule = "0 0 * * * *"

// ArchiveName returns the file holding the hour that contains t.
func ArchiveName(base, ext string, t time.Time) string {
	return fmt.Sprintf("%s-%s.%s", base, t.Format("2006-01-02-15"), ext)
}

// FileArchive writes the stream to local files, starting a new one each
// wall-clock hour.
type FileArchive struct {
	*base
	fileOutput
	now  func() time.Time
	cron *cron.Cron

	cronOnce sync.Once
	hour     time.Time
}

func NewFileArchive(s Settings, log *slog.Logger, m *metrics.Metrics) *FileArchive {
	c := &FileArchive{
		base: newBase(ServerFileArchive, s, log, m),
		now:  time.Now,
		cron: cron.New(cron.WithSeconds()),
	}
	c.fileOutput = fileOutput{b: c.base}
	c.base.drv = c
	return c
}

func (c *FileArchive) validate(u *url.URL) error {
	base := c.Settings().Mountpoint
	if base == "" {
		base = u.Path
	}
	if base == "" || strings.HasSuffix(base, "/") {
		return fmt.Errorf("%w: archive path %q must name a file prefix", ErrInvalidSettings, base)
	}
	f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("%w: archive path not writable: %v", ErrInvalidSettings, err)
	}
	f.Close()
	os.Remove(base)
	return nil
}

func (c *FileArchive) dial(ctx context.Context) {
	if err := c.rotate(); err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		return
	}
	c.cronOnce.Do(func() {
		if _, err := c.cron.AddFunc(archiveSchedule, c.tick); err != nil {
			c.log.Error("archive schedule", slog.String("error", err.Error()))
			return
		}
		c.cron.Start()
	})
	c.connected()
}

func (c *FileArchive) tick() {
	if !c.Connected() {
		return
	}
	if err := c.rotate(); err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
	}
}

// rotate opens the file for the current hour unless it is already open.
func (c *FileArchive) rotate() error {
	now := c.now()
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())

	c.fmu.Lock()
	current := c.sink != nil && !hour.After(c.hour)
	c.fmu.Unlock()
	if current {
		return nil
	}

	s := c.Settings()
	path := ArchiveName(c.mountpoint(), s.Extension, now)
	sink, err := openSink(path, s, c.prologue())
	if err != nil {
		return err
	}
	c.swap(sink)
	c.fmu.Lock()
	c.hour = hour
	c.fmu.Unlock()
	c.log.Info("archive file opened", slog.String("path", path))
	return nil
}

// Current returns the path of the open archive file.
func (c *FileArchive) Current() string {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	if c.sink == nil {
		return ""
	}
	return c.sink.path
}

func (c *FileArchive) hangup() { c.swap(nil) }

func (c *FileArchive) deliver(frames int, data []byte) int { return c.write(data) }

func (c *FileArchive) shutdown(ctx context.Context) error {
	stopped := c.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	c.swap(nil)
	return nil
}
