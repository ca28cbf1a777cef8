package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"glasscoder/internal/conveyor"
	"glasscoder/internal/hls"
	"glasscoder/internal/metadata"
	"glasscoder/internal/platform/metrics"
)

// HLS publishes the stream as HTTP Live Streaming segments and playlists
// through an upload conveyor. A top-level HLS connector carries no audio;
// it publishes the master playlist of a multi-bitrate set.
type HLS struct {
	*base
	top       bool
	conv      *conveyor.Conveyor
	ownsConv  bool
	playlists *hls.Service
	workRoot  string
	now       func() time.Time

	hmu          sync.Mutex
	dir          string
	putURL       *url.URL
	rendition    hls.RenditionID
	baseName     string
	playlistName string
	stamp        string
	seq          int64
	head         int64
	seg          *os.File
	segName      string
	segStart     time.Time
	mediaFrames  int64
	totalFrames  int64
	killtimes    map[int64]int64
	names        map[int64]string
	currentTag   []byte
	pendingTag   []byte
}

// HLSOptions wires an HLS connector to its collaborators.
type HLSOptions struct {
	// Top selects the master playlist publisher.
	Top bool
	// Conveyor uploads files. When nil the connector creates, starts and
	// stops its own.
	Conveyor *conveyor.Conveyor
	// Playlists holds the segment registry shared with the preview routes.
	Playlists *hls.Service
	// WorkDir is the parent of the private working directory.
	WorkDir string
	// Transfer configures a connector-owned conveyor.
	Transfer conveyor.Config
}

func NewHLS(s Settings, opts HLSOptions, log *slog.Logger, m *metrics.Metrics) (*HLS, error) {
	c := &HLS{
		base:      newBase(ServerHLS, s, log, m),
		top:       opts.Top,
		conv:      opts.Conveyor,
		playlists: opts.Playlists,
		workRoot:  opts.WorkDir,
		now:       time.Now,
		killtimes: make(map[int64]int64),
		names:     make(map[int64]string),
	}
	if c.playlists == nil {
		c.playlists = hls.NewService(hls.NewInMemoryRegistry(), hls.DefaultWindowSize, hls.PlaylistOptions{
			TargetDuration:  s.SegmentSeconds,
			TimestampOffset: s.TimestampOffset,
		})
	}
	if c.conv == nil {
		cfg := opts.Transfer
		if cfg.TempDir == "" {
			cfg.TempDir = opts.WorkDir
		}
		cfg.NoDeletes = cfg.NoDeletes || s.NoDeletes
		conv, err := conveyor.New(cfg, log, m)
		if err != nil {
			return nil, err
		}
		c.conv, c.ownsConv = conv, true
	}
	c.base.drv = c
	return c, nil
}

func (c *HLS) validate(u *url.URL) error {
	switch u.Scheme {
	case "http", "https", "sftp", "file":
	default:
		return fmt.Errorf("%w: hls cannot publish to %q", ErrInvalidSettings, u.Scheme)
	}
	s := c.Settings()
	if s.SegmentSeconds <= 0 || s.SampleRate <= 0 {
		return fmt.Errorf("%w: hls needs a segment length and sample rate", ErrInvalidSettings)
	}
	if c.top && len(s.Bitrates) == 0 {
		return fmt.Errorf("%w: master playlist without variants", ErrInvalidSettings)
	}
	return nil
}

func (c *HLS) Connect(ctx context.Context, u *url.URL) error {
	if c.ownsConv {
		c.conv.Start(ctx)
	}
	return c.base.Connect(ctx, u)
}

// Rendition returns the registry key of this connector's media playlist.
func (c *HLS) Rendition() hls.RenditionID {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	return c.rendition
}

// Conveyor returns the upload queue the connector publishes through.
func (c *HLS) Conveyor() *conveyor.Conveyor { return c.conv }

func (c *HLS) dial(ctx context.Context) {
	if err := c.prepare(); err != nil {
		c.fail(err)
		return
	}
	if c.top {
		if err := c.publishMaster(); err != nil {
			c.fail(err)
			return
		}
		c.connected()
		return
	}

	c.hmu.Lock()
	err := c.openSegment()
	c.hmu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		return
	}
	c.connected()
}

// prepare resolves names and creates the working directory once.
func (c *HLS) prepare() error {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if c.dir != "" {
		return nil
	}

	u := c.URL()
	put := *u
	put.RawQuery = ""
	dir := path.Dir(u.Path)
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	put.Path = dir
	put.RawPath = ""

	c.playlistName = hls.PlaylistName(c.mountpoint())
	c.baseName = strings.TrimSuffix(c.playlistName, path.Ext(c.playlistName))
	c.rendition = hls.RenditionID(c.baseName)
	c.stamp = strconv.FormatInt(c.now().Unix(), 10)
	c.putURL = &put

	wd, err := os.MkdirTemp(c.workRoot, "glasscoder-")
	if err != nil {
		return fmt.Errorf("%w: hls working directory: %v", ErrInvalidSettings, err)
	}
	c.dir = wd
	c.log.Debug("hls working directory", slog.String("dir", wd), slog.String("playlist", c.playlistName))
	return nil
}

func (c *HLS) publishMaster() error {
	s := c.Settings()
	variants := make([]hls.Variant, 0, len(s.Bitrates))
	for _, br := range s.Bitrates {
		variants = append(variants, hls.Variant{
			Bitrate: br,
			Codecs:  s.FormatIdentifier,
			URI:     hls.PlaylistName(hls.SubMountpointName(c.mountpoint(), br)),
		})
	}
	c.hmu.Lock()
	local := filepath.Join(c.dir, c.playlistName)
	put := c.putURL
	c.hmu.Unlock()

	if err := os.WriteFile(local, []byte(hls.BuildMasterPlaylist(variants)), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	err := c.conv.Push(conveyor.Event{Method: conveyor.MethodPut, Source: local, URL: put})
	os.Remove(local)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
	return nil
}

// openSegment starts the next segment file. Callers hold hmu.
func (c *HLS) openSegment() error {
	s := c.Settings()
	c.segName = hls.MediaFilename(c.baseName, c.stamp, c.seq, s.Extension)
	f, err := os.Create(filepath.Join(c.dir, c.segName))
	if err != nil {
		return err
	}
	head := hls.PrivTimestampTag(c.totalFrames, s.SampleRate)
	head = append(head, c.currentTag...)
	head = append(head, c.prologue()...)
	if _, err := f.Write(head); err != nil {
		f.Close()
		return err
	}
	c.seg = f
	c.segStart = c.now()
	c.mediaFrames = 0
	return nil
}

func (c *HLS) deliver(frames int, data []byte) int {
	if c.top {
		return len(data)
	}
	s := c.Settings()
	limit := int64(s.SegmentSeconds) * int64(s.SampleRate)

	c.hmu.Lock()
	var err error
	if c.seg != nil && c.mediaFrames+int64(frames) > limit {
		err = c.rotate(false)
	}
	if err == nil && c.seg != nil {
		err = c.writeSegment(data)
		c.mediaFrames += int64(frames)
		c.totalFrames += int64(frames)
	}
	c.hmu.Unlock()

	if err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
		return 0
	}
	return len(data)
}

// writeSegment appends data, splicing a pending metadata tag in at the
// first frame sync. Callers hold hmu.
func (c *HLS) writeSegment(data []byte) error {
	if c.pendingTag != nil {
		if at := hls.FindFrameSync(data); at >= 0 {
			if _, err := c.seg.Write(data[:at]); err != nil {
				return err
			}
			if _, err := c.seg.Write(c.pendingTag); err != nil {
				return err
			}
			c.currentTag, c.pendingTag = c.pendingTag, nil
			data = data[at:]
		}
	}
	_, err := c.seg.Write(data)
	return err
}

// rotate closes the current segment, publishes it with a fresh playlist
// and expires segments that left the window long enough ago. Unless last
// is set a new segment is opened. Callers hold hmu.
func (c *HLS) rotate(last bool) error {
	s := c.Settings()
	rate := int64(s.SampleRate)
	window := int64(c.playlists.WindowSize())
	registry := c.playlists.Registry()

	local := c.seg.Name()
	if err := c.seg.Close(); err != nil {
		c.log.Warn("closing segment", slog.String("segment", c.segName), slog.String("error", err.Error()))
	}
	c.seg = nil

	seg := hls.Segment{
		Sequence:  c.seq,
		Duration:  float64(c.mediaFrames) / float64(rate),
		Filename:  c.segName,
		StartedAt: c.segStart,
		Frames:    c.mediaFrames,
	}
	if err := registry.RegisterSegment(c.rendition, seg); err != nil {
		c.log.Warn("segment not registered", slog.Int64("sequence", seg.Sequence), slog.String("error", err.Error()))
	}
	c.metrics.IncSegments()
	c.names[c.seq] = c.segName

	for c.seq-c.head+1 > window {
		if s.NoDeletes {
			registry.RemoveSegment(c.rendition, c.head)
			delete(c.names, c.head)
		} else {
			c.killtimes[c.head] = c.totalFrames + (window+1)*int64(s.SegmentSeconds)*rate
		}
		c.head++
	}
	if last {
		registry.End(c.rendition)
	}

	c.publish(local)

	for _, seq := range c.expired() {
		c.expire(seq)
	}

	c.seq++
	if last {
		return nil
	}
	return c.openSegment()
}

// publish uploads a closed segment, when there is one, followed by the
// playlist. Callers hold hmu.
func (c *HLS) publish(segment string) {
	playlist, ok := c.playlists.Playlist(c.rendition)
	if !ok {
		return
	}
	plLocal := filepath.Join(c.dir, c.playlistName)
	if err := os.WriteFile(plLocal, []byte(playlist), 0o644); err != nil {
		c.log.Error("writing playlist", slog.String("error", err.Error()))
		return
	}
	sources := []string{plLocal}
	if segment != "" {
		sources = []string{segment, plLocal}
	}
	// The conveyor holds its own link to each source, so the local names
	// are released at once and the next playlist starts on a new file.
	for _, src := range sources {
		if err := c.conv.Push(conveyor.Event{Method: conveyor.MethodPut, Source: src, URL: c.putURL}); err != nil {
			c.log.Warn("upload not queued", slog.String("file", filepath.Base(src)), slog.String("error", err.Error()))
		}
		os.Remove(src)
	}
}

// expired returns the segments whose deletion time has passed, oldest
// first. Callers hold hmu.
func (c *HLS) expired() []int64 {
	var out []int64
	for seq, kill := range c.killtimes {
		if kill < c.totalFrames {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *HLS) expire(seq int64) {
	name := c.names[seq]
	delete(c.killtimes, seq)
	delete(c.names, seq)

	target := *c.putURL
	target.Path = path.Join(c.putURL.Path, name)
	rendition := c.rendition
	registry := c.playlists.Registry()
	err := c.conv.Push(conveyor.Event{
		Method: conveyor.MethodDelete,
		URL:    &target,
		Done:   func(conveyor.Result) { registry.RemoveSegment(rendition, seq) },
	})
	if err != nil {
		registry.RemoveSegment(rendition, seq)
	}
}

func (c *HLS) sendMetadata(ev metadata.Event) {
	if c.top || !ev.HasStreamInfo() {
		return
	}
	tag := hls.TextTag(ev.StreamTitle, ev.StreamURL)
	c.hmu.Lock()
	c.pendingTag = tag
	c.hmu.Unlock()
}

func (c *HLS) hangup() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if c.seg != nil {
		name := c.seg.Name()
		c.seg.Close()
		os.Remove(name)
		c.seg = nil
	}
}

// shutdown publishes the final partial segment and an ended playlist.
func (c *HLS) shutdown(ctx context.Context) error {
	c.hmu.Lock()
	switch {
	case c.top || c.seg == nil:
	case c.mediaFrames > 0:
		if err := c.rotate(true); err != nil {
			c.log.Warn("final segment", slog.String("error", err.Error()))
		}
	default:
		name := c.seg.Name()
		c.seg.Close()
		os.Remove(name)
		c.seg = nil
		c.playlists.Registry().End(c.rendition)
		c.publish("")
	}
	dir := c.dir
	c.hmu.Unlock()

	var err error
	if c.ownsConv {
		err = c.conv.Stop(ctx)
	}
	if dir != "" {
		os.RemoveAll(dir)
	}
	return err
}
