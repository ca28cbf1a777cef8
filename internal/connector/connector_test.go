package connector

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glasscoder/internal/platform/logger"
)

// fakeClock records watchdog schedules instead of running them.
type fakeClock struct {
	mu        sync.Mutex
	intervals []time.Duration
	pending   []func()
	stopped   int
}

type fakeTimer struct{ c *fakeClock }

func (t fakeTimer) Stop() bool {
	t.c.mu.Lock()
	t.c.stopped++
	t.c.mu.Unlock()
	return true
}

func (c *fakeClock) afterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intervals = append(c.intervals, d)
	c.pending = append(c.pending, fn)
	return fakeTimer{c}
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.intervals...)
}

// fire runs the oldest pending retry.
func (c *fakeClock) fire() {
	c.mu.Lock()
	fn := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	fn()
}

// scriptedDriver succeeds or fails each dial on demand.
type scriptedDriver struct {
	b       *base
	succeed atomic.Bool
	dials   atomic.Int32
	hangups atomic.Int32
	written [][]byte
}

func (d *scriptedDriver) dial(ctx context.Context) {
	d.dials.Add(1)
	if d.succeed.Load() {
		d.b.connected()
		return
	}
	d.b.fail(errors.New("connection refused"))
}

func (d *scriptedDriver) hangup() { d.hangups.Add(1) }

func (d *scriptedDriver) deliver(frames int, data []byte) int {
	d.written = append(d.written, data)
	return len(data)
}

func (d *scriptedDriver) shutdown(context.Context) error { return nil }

func newScripted(t *testing.T) (*base, *scriptedDriver, *fakeClock) {
	t.Helper()
	b := newBase(ServerFile, DefaultSettings(), nil, nil)
	d := &scriptedDriver{b: b}
	clock := &fakeClock{}
	b.drv = d
	b.afterFunc = clock.afterFunc
	return b, d, clock
}

func testURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestParseServerType(t *testing.T) {
	for _, kw := range []string{"hls", "shout1", "shout2", "icecast2", "file", "filearchive", "icecaststreamer", "iceout"} {
		st, err := ParseServerType(kw)
		require.NoError(t, err, kw)
		assert.Equal(t, kw, st.String())
	}
	_, err := ParseServerType("rtmp")
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestStateStatusCodes(t *testing.T) {
	assert.Equal(t, 0, StateIdle.StatusCode())
	assert.Equal(t, 1, StateConnecting.StatusCode())
	assert.Equal(t, 2, StateConnected.StatusCode())
	assert.Equal(t, 3, StateFailed.StatusCode())
	assert.Equal(t, -1, StateStopping.StatusCode())
	assert.Equal(t, 4, StateStopped.StatusCode())
}

func TestWatchdogSchedulesOneRetryPerFailure(t *testing.T) {
	b, d, clock := newScripted(t)

	var mu sync.Mutex
	var seen []State
	b.OnState(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, b.Connect(context.Background(), testURL(t, "http://example.com:8000/live")))
	assert.Equal(t, StateFailed, b.State())
	assert.Equal(t, []time.Duration{DefaultWatchdog}, clock.scheduled())

	// A second error while already failed schedules nothing.
	b.fail(errors.New("late error"))
	assert.Len(t, clock.scheduled(), 1)

	clock.fire()
	assert.Equal(t, StateFailed, b.State())
	assert.Len(t, clock.scheduled(), 2)

	d.succeed.Store(true)
	clock.fire()
	assert.Equal(t, StateConnected, b.State())
	assert.Equal(t, int32(3), d.dials.Load())
	assert.Len(t, clock.scheduled(), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateConnecting, StateFailed,
		StateConnecting, StateFailed,
		StateConnecting, StateConnected,
	}, seen)
}

func TestWriteDataDroppedUnlessConnected(t *testing.T) {
	b, d, _ := newScripted(t)
	assert.Equal(t, 0, b.WriteData(10, []byte("early")))

	d.succeed.Store(true)
	require.NoError(t, b.Connect(context.Background(), testURL(t, "http://example.com/live")))
	assert.Equal(t, 4, b.WriteData(10, []byte("data")))
	assert.Len(t, d.written, 1)
}

func TestStopEndsRetries(t *testing.T) {
	b, _, clock := newScripted(t)
	require.NoError(t, b.Connect(context.Background(), testURL(t, "http://example.com/live")))
	require.Equal(t, StateFailed, b.State())

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, StateStopped, b.State())
	assert.Equal(t, 1, clock.stopped)
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// A retry that raced Stop is ignored.
	clock.fire()
	assert.Equal(t, StateStopped, b.State())

	assert.ErrorIs(t, b.Connect(context.Background(), testURL(t, "http://example.com/live")), ErrStopped)
	assert.NoError(t, b.Stop(context.Background()))
}

func TestConfigureAfterConnect(t *testing.T) {
	b, d, _ := newScripted(t)
	d.succeed.Store(true)
	require.NoError(t, b.Configure(DefaultSettings()))
	require.NoError(t, b.Connect(context.Background(), testURL(t, "http://example.com/live")))
	assert.ErrorIs(t, b.Configure(DefaultSettings()), ErrInvalidSettings)
}

func TestHooksFireOncePerEdge(t *testing.T) {
	b, d, clock := newScripted(t)

	var ups, downs atomic.Int32
	b.up.command = "up"
	b.up.run = func(context.Context, string) error { ups.Add(1); return nil }
	b.down.command = "down"
	b.down.run = func(context.Context, string) error { downs.Add(1); return nil }

	require.NoError(t, b.Connect(context.Background(), testURL(t, "http://example.com/live")))
	clock.fire()
	clock.fire()
	// Failed retries never reached Connected, so neither hook ran.
	assert.Equal(t, int32(0), ups.Load())
	assert.Equal(t, int32(0), downs.Load())

	d.succeed.Store(true)
	clock.fire()
	require.Eventually(t, func() bool { return ups.Load() == 1 }, time.Second, 5*time.Millisecond)

	b.fail(errors.New("reset"))
	require.Eventually(t, func() bool { return downs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ups.Load())
}

func TestHookOverlapIsDropped(t *testing.T) {
	h := newHook("up", "true", logger.Discard())

	release := make(chan struct{})
	var calls atomic.Int32
	h.run = func(context.Context, string) error {
		calls.Add(1)
		<-release
		return nil
	}

	h.fire()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	h.fire()
	h.fire()
	close(release)
	require.Eventually(t, func() bool { return !h.running.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	h.fire()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestEndpoint(t *testing.T) {
	b, _, _ := newScripted(t)
	require.NoError(t, b.Connect(context.Background(), testURL(t, "http://example.com/live")))
	assert.Equal(t, "example.com:80/live", b.endpoint())
	assert.Equal(t, "example.com:81", b.hostPort(1))
}
