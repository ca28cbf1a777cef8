package hls

import (
	"strings"
	"testing"
	"time"
)

func register(t *testing.T, reg Registry, id RenditionID, seqs ...int64) {
	t.Helper()
	for _, seq := range seqs {
		if err := reg.RegisterSegment(id, Segment{Sequence: seq, Duration: 10, Filename: MediaFilename("live", "100", seq, "aac")}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestServiceWindowCap(t *testing.T) {
	reg := NewInMemoryRegistry()
	svc := NewService(reg, 4, PlaylistOptions{TargetDuration: 10})
	register(t, reg, "live.m3u8", 0, 1, 2, 3, 4, 5)

	win := svc.Window("live.m3u8")
	if len(win) != 4 {
		t.Fatalf("window holds %d segments, want 4", len(win))
	}
	if win[0].Sequence != 2 || win[3].Sequence != 5 {
		t.Errorf("window = %d..%d, want 2..5", win[0].Sequence, win[3].Sequence)
	}

	m3u8, ok := svc.Playlist("live.m3u8")
	if !ok {
		t.Fatal("Playlist: ok false")
	}
	if !strings.Contains(m3u8, "#EXT-X-MEDIA-SEQUENCE:2\n") {
		t.Errorf("expected media sequence 2: %s", m3u8)
	}
	if n := strings.Count(m3u8, "#EXTINF"); n != 4 {
		t.Errorf("expected 4 entries, got %d", n)
	}
}

func TestServiceWindowHidesAfterGap(t *testing.T) {
	reg := NewInMemoryRegistry()
	svc := NewService(reg, 6, PlaylistOptions{})
	register(t, reg, "live.m3u8", 1, 2, 4, 5)

	m3u8, _ := svc.Playlist("live.m3u8")
	if !strings.Contains(m3u8, "live-100-1.aac") || !strings.Contains(m3u8, "live-100-2.aac") {
		t.Errorf("expected segments 1 and 2: %s", m3u8)
	}
	if strings.Contains(m3u8, "live-100-4.aac") {
		t.Errorf("segments after a gap must stay hidden: %s", m3u8)
	}
}

func TestServiceDefaultWindow(t *testing.T) {
	svc := NewService(NewInMemoryRegistry(), 0, PlaylistOptions{})
	if svc.WindowSize() != DefaultWindowSize {
		t.Errorf("WindowSize = %d, want %d", svc.WindowSize(), DefaultWindowSize)
	}
	if _, ok := svc.Playlist("missing.m3u8"); ok {
		t.Error("expected ok false for unknown rendition")
	}
}

func TestServicePlaylistEnded(t *testing.T) {
	reg := NewInMemoryRegistry()
	svc := NewService(reg, 4, PlaylistOptions{Location: time.UTC})
	register(t, reg, "live.m3u8", 0)
	_ = reg.End("live.m3u8")

	m3u8, _ := svc.Playlist("live.m3u8")
	if !strings.HasSuffix(m3u8, "#EXT-X-ENDLIST\n") {
		t.Errorf("ended rendition should carry #EXT-X-ENDLIST: %s", m3u8)
	}
}
