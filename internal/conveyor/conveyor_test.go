package conveyor

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowTransport records the order of transfers and how many overlapped.
type slowTransport struct {
	delay   time.Duration
	active  atomic.Int32
	overlap atomic.Int32
	mu      sync.Mutex
	order   []string
	fail    map[string]bool
}

func (s *slowTransport) Transfer(ctx context.Context, ev *Event, target *url.URL, local string) (int, []string, error) {
	if s.active.Add(1) > 1 {
		s.overlap.Add(1)
	}
	defer s.active.Add(-1)

	if ev.Method == MethodPut {
		if _, err := os.Stat(local); err != nil {
			return 0, nil, transferError("snapshot missing: %v", err)
		}
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return 0, nil, transferError("killed")
	}
	s.mu.Lock()
	s.order = append(s.order, ev.Method.String()+" "+target.String())
	s.mu.Unlock()
	if s.fail[target.String()] {
		return 500, []string{"-u", "user:secret"}, nil
	}
	return 200, nil, nil
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func newTestConveyor(t *testing.T, tr Transport, cfg Config) *Conveyor {
	t.Helper()
	cfg.TempDir = t.TempDir()
	cfg.Transports = map[string]Transport{"http": tr, "sftp": tr}
	c, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return c
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestFIFOAndSingleTransferInFlight(t *testing.T) {
	tr := &slowTransport{delay: 5 * time.Millisecond}
	c := newTestConveyor(t, tr, Config{})

	var mu sync.Mutex
	var completed []uint64
	c.OnComplete(func(r Result) {
		mu.Lock()
		completed = append(completed, r.Event.id)
		mu.Unlock()
	})

	src := t.TempDir()
	var pushed []uint64
	for i := 0; i < 12; i++ {
		ev := Event{Method: MethodGet, URL: mustURL(t, "http://example.com/admin?x="+string(rune('a'+i)))}
		if i%3 == 0 {
			ev = Event{Method: MethodPut, Source: writeFile(t, src, "seg"+string(rune('a'+i))+".ts", "data"), URL: mustURL(t, "http://example.com/live/")}
		}
		require.NoError(t, c.Push(ev))
		pushed = append(pushed, uint64(i+1))
	}

	c.Start(context.Background())
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, int32(0), tr.overlap.Load(), "two transfers were active at once")
	mu.Lock()
	defer mu.Unlock()
	// 12 pushed events, 4 cleanup DELETEs, then the terminator.
	require.Len(t, completed, 17)
	assert.Equal(t, pushed, completed[:12])
}

func TestPutSnapshotSurvivesSourceRemoval(t *testing.T) {
	tr := &slowTransport{delay: 20 * time.Millisecond}
	c := newTestConveyor(t, tr, Config{NoDeletes: true})

	src := writeFile(t, t.TempDir(), "live-1.ts", "segment body")
	var res Result
	done := make(chan struct{})
	require.NoError(t, c.Push(Event{
		Method: MethodPut,
		Source: src,
		URL:    mustURL(t, "http://example.com/hls/"),
		Done:   func(r Result) { res = r; close(done) },
	}))
	require.NoError(t, os.Remove(src))

	c.Start(context.Background())
	<-done
	assert.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, "http://example.com/hls/live-1.ts", res.Target)
	assert.True(t, c.IsConfirmed("http://example.com/hls/live-1.ts"))

	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "snapshot should be unlinked after the transfer")

	require.NoError(t, c.Stop(context.Background()))
	_, err = os.Stat(c.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestStopDeletesConfirmedPuts(t *testing.T) {
	tr := &slowTransport{fail: map[string]bool{"http://example.com/hls/bad.ts": true}}
	c := newTestConveyor(t, tr, Config{})
	dir := t.TempDir()

	for _, name := range []string{"a.ts", "bad.ts", "b.ts"} {
		require.NoError(t, c.Push(Event{Method: MethodPut, Source: writeFile(t, dir, name, name), URL: mustURL(t, "http://example.com/hls/")}))
	}
	require.NoError(t, c.Push(Event{Method: MethodDelete, URL: mustURL(t, "http://example.com/hls/b.ts")}))
	c.Start(context.Background())
	require.NoError(t, c.Stop(context.Background()))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{
		"PUT http://example.com/hls/a.ts",
		"PUT http://example.com/hls/bad.ts",
		"PUT http://example.com/hls/b.ts",
		"DELETE http://example.com/hls/b.ts",
		"DELETE http://example.com/hls/a.ts",
	}, tr.order)
	assert.Empty(t, c.Confirmed())
}

func TestFailedTransferIsNotRetried(t *testing.T) {
	tr := &slowTransport{fail: map[string]bool{"http://example.com/x": true}}
	c := newTestConveyor(t, tr, Config{})

	var got Result
	require.NoError(t, c.Push(Event{Method: MethodGet, URL: mustURL(t, "http://example.com/x"), Done: func(r Result) { got = r }}))
	c.Start(context.Background())
	require.NoError(t, c.Stop(context.Background()))

	assert.False(t, got.OK())
	assert.True(t, errors.Is(got.Err, ErrTransferFailed))
	assert.Equal(t, 500, got.Status)
	assert.Equal(t, []string{"-u", "user:xxxxx"}, got.Args)
	assert.Len(t, tr.order, 1)
}

func TestPushAfterStop(t *testing.T) {
	c := newTestConveyor(t, &slowTransport{}, Config{})
	require.NoError(t, c.Stop(context.Background()))
	err := c.Push(Event{Method: MethodGet, URL: mustURL(t, "http://example.com/")})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopTimeoutKillsTransfer(t *testing.T) {
	tr := &slowTransport{delay: time.Minute}
	c := newTestConveyor(t, tr, Config{})
	require.NoError(t, c.Push(Event{Method: MethodGet, URL: mustURL(t, "http://example.com/slow")}))
	c.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestUnsupportedScheme(t *testing.T) {
	c := newTestConveyor(t, &slowTransport{}, Config{})
	err := c.Push(Event{Method: MethodGet, URL: mustURL(t, "gopher://example.com/")})
	assert.Error(t, err)
}

func TestFileTransport(t *testing.T) {
	c, err := New(Config{TempDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)
	out := t.TempDir()
	src := writeFile(t, t.TempDir(), "live.m3u8", "#EXTM3U\n")

	dest := mustURL(t, "file://"+out+"/pub/")
	require.NoError(t, c.Push(Event{Method: MethodPut, Source: src, URL: dest}))
	require.NoError(t, c.Push(Event{Method: MethodDelete, URL: mustURL(t, "file://"+out+"/pub/missing.ts")}))
	c.Start(context.Background())
	require.NoError(t, c.Stop(context.Background()))

	// Stop removed the confirmed file again.
	_, err = os.Stat(filepath.Join(out, "pub", "live.m3u8"))
	assert.True(t, os.IsNotExist(err))
	// The source itself is untouched.
	body, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(body))
}

func TestCurlArgs(t *testing.T) {
	tr := &CurlTransport{Username: "source", Password: "hackme", UserAgent: "glasscoder"}

	put := tr.Args(&Event{Method: MethodPut}, mustURL(t, "http://h/live/a.ts"), "/tmp/snap")
	assert.Equal(t, []string{
		"--silent", "--show-error", "--write-out", "%{http_code}", "--output", os.DevNull,
		"-u", "source:hackme", "-A", "glasscoder", "-T", "/tmp/snap", "http://h/live/a.ts",
	}, put)

	del := tr.Args(&Event{Method: MethodDelete}, mustURL(t, "http://h/live/a.ts"), "")
	assert.Equal(t, []string{"-X", "DELETE", "http://h/live/a.ts"}, del[len(del)-3:])

	get := tr.Args(&Event{Method: MethodGet, UserAgent: "Mozilla/5.0", Header: []string{"X-A: 1"}}, mustURL(t, "http://h/admin.cgi"), "")
	assert.Contains(t, get, "Mozilla/5.0")
	assert.Contains(t, get, "X-A: 1")
	assert.Equal(t, "http://h/admin.cgi", get[len(get)-1])

	sftp := &CurlTransport{Username: "u", Password: "phrase", Identity: "/keys/id_ed25519"}
	sdel := sftp.Args(&Event{Method: MethodDelete}, mustURL(t, "sftp://h/srv/hls/a.ts"), "")
	assert.Equal(t, []string{"--key", "/keys/id_ed25519", "--pass", "phrase", "-u", "u:"}, sdel[6:12])
	assert.Equal(t, []string{"-Q", "rm /srv/hls/a.ts", "sftp://h/"}, sdel[len(sdel)-3:])
}

func TestCurlTransportExitCodes(t *testing.T) {
	dir := t.TempDir()
	script := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
		return p
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	ok := &CurlTransport{Client: script("ok", "printf 201")}
	code, _, err := ok.Transfer(context.Background(), &Event{Method: MethodGet}, mustURL(t, "http://h/"), "")
	require.NoError(t, err)
	assert.Equal(t, 201, code)

	denied := &CurlTransport{Client: script("denied", "printf 403")}
	code, _, err = denied.Transfer(context.Background(), &Event{Method: MethodGet}, mustURL(t, "http://h/"), "")
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, 403, code)

	empty := &CurlTransport{Client: script("empty", "exit 52")}
	_, _, err = empty.Transfer(context.Background(), &Event{Method: MethodGet, AllowEmptyReply: true}, mustURL(t, "http://h/"), "")
	assert.NoError(t, err)
	_, _, err = empty.Transfer(context.Background(), &Event{Method: MethodGet}, mustURL(t, "http://h/"), "")
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, 52, exitCodeOf(err))

	sftp := &CurlTransport{Client: script("sftp", "printf 0")}
	code, _, err = sftp.Transfer(context.Background(), &Event{Method: MethodPut}, mustURL(t, "sftp://h/a"), "/dev/null")
	require.NoError(t, err)
	assert.Equal(t, 200, code)
}

// gateTransport holds every transfer until release is closed.
type gateTransport struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
	mu      sync.Mutex
	order   []string
	bodies  map[string]string
}

func newGateTransport() *gateTransport {
	return &gateTransport{release: make(chan struct{}), entered: make(chan struct{}), bodies: map[string]string{}}
}

func (g *gateTransport) Transfer(ctx context.Context, ev *Event, target *url.URL, local string) (int, []string, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return 0, nil, transferError("killed")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.order = append(g.order, ev.Method.String()+" "+target.String())
	if ev.Method == MethodPut {
		body, err := os.ReadFile(local)
		if err != nil {
			return 0, nil, transferError("%v", err)
		}
		g.bodies[target.String()] = string(body)
	}
	return 200, nil, nil
}

func TestStopDrainsAfterParentContextEnds(t *testing.T) {
	tr := newGateTransport()
	c := newTestConveyor(t, tr, Config{})
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.NoError(t, c.Push(Event{Method: MethodPut, Source: writeFile(t, dir, "a.ts", "a"), URL: mustURL(t, "http://example.com/hls/")}))
	require.NoError(t, c.Push(Event{Method: MethodPut, Source: writeFile(t, dir, "b.ts", "b"), URL: mustURL(t, "http://example.com/hls/")}))
	<-tr.entered
	cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	// a in flight, b queued, then the cleanup and terminating events.
	require.Eventually(t, func() bool { return c.Len() == 4 }, 2*time.Second, time.Millisecond)
	close(tr.release)
	require.NoError(t, <-stopped)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{
		"PUT http://example.com/hls/a.ts",
		"PUT http://example.com/hls/b.ts",
		"DELETE http://example.com/hls/a.ts",
		"DELETE http://example.com/hls/b.ts",
	}, tr.order)
	assert.Empty(t, c.Confirmed())
}

func TestStopWithNoDeletesLeavesUploads(t *testing.T) {
	tr := newGateTransport()
	close(tr.release)
	c := newTestConveyor(t, tr, Config{NoDeletes: true})
	require.NoError(t, c.Push(Event{Method: MethodPut, Source: writeFile(t, t.TempDir(), "a.ts", "a"), URL: mustURL(t, "http://example.com/hls/")}))
	c.Start(context.Background())
	require.NoError(t, c.Stop(context.Background()))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{"PUT http://example.com/hls/a.ts"}, tr.order)
	assert.Equal(t, []string{"http://example.com/hls/a.ts"}, c.Confirmed())
}

func TestReplacedSourceKeepsPushedContent(t *testing.T) {
	tr := newGateTransport()
	c := newTestConveyor(t, tr, Config{NoDeletes: true})
	dir := t.TempDir()

	src := writeFile(t, dir, "live.m3u8", "#EXTM3U\nseg-0.aac\n")
	require.NoError(t, c.Push(Event{Method: MethodPut, Source: src, URL: mustURL(t, "http://example.com/hls/")}))
	require.NoError(t, os.Remove(src))
	writeFile(t, dir, "live.m3u8", "#EXTM3U\nseg-0.aac\nseg-1.aac\n")

	c.Start(context.Background())
	close(tr.release)
	require.NoError(t, c.Stop(context.Background()))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, "#EXTM3U\nseg-0.aac\n", tr.bodies["http://example.com/hls/live.m3u8"])
}
