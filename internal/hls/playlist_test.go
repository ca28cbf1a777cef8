package hls

import (
	"strings"
	"testing"
	"time"
)

func TestBuildMediaPlaylist(t *testing.T) {
	start := time.Date(2024, 3, 9, 14, 5, 7, 250*int(time.Millisecond), time.UTC)
	segs := []Segment{
		{Sequence: 7, Duration: 10, Filename: "live-1700000000-7.aac", StartedAt: start},
		{Sequence: 8, Duration: 9.98, Filename: "live-1700000000-8.aac", StartedAt: start.Add(10 * time.Second)},
	}
	got := BuildMediaPlaylist(segs, PlaylistOptions{TargetDuration: 10, Location: time.UTC, TimestampOffset: time.Second})

	want := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-MEDIA-SEQUENCE:7\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2024-03-09T14:05:08.250+00:00\n" +
		"#EXTINF:10.00000,\nlive-1700000000-7.aac\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2024-03-09T14:05:18.250+00:00\n" +
		"#EXTINF:9.98000,\nlive-1700000000-8.aac\n"
	if got != want {
		t.Errorf("playlist mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestBuildMediaPlaylistEmpty(t *testing.T) {
	got := BuildMediaPlaylist(nil, PlaylistOptions{Ended: true})
	if !strings.Contains(got, "#EXT-X-MEDIA-SEQUENCE:0\n") {
		t.Errorf("empty playlist should have media sequence 0: %s", got)
	}
	if !strings.Contains(got, "#EXT-X-TARGETDURATION:1\n") {
		t.Errorf("empty playlist should have target duration 1: %s", got)
	}
	if !strings.HasSuffix(got, "#EXT-X-ENDLIST\n") {
		t.Errorf("expected #EXT-X-ENDLIST: %s", got)
	}
}

func TestTargetDuration(t *testing.T) {
	tests := []struct {
		name       string
		durations  []float64
		configured int
		want       int
	}{
		{"configured wins", []float64{9.9, 10}, 10, 10},
		{"long segment rounds up", []float64{10.2}, 10, 11},
		{"no configuration", []float64{3.5}, 0, 4},
		{"nothing", nil, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var segs []Segment
			for _, d := range tt.durations {
				segs = append(segs, Segment{Duration: d})
			}
			if got := targetDuration(segs, tt.configured); got != tt.want {
				t.Errorf("targetDuration = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildMasterPlaylist(t *testing.T) {
	got := BuildMasterPlaylist([]Variant{
		{Bitrate: 128, Codecs: "mp4a.40.2", URI: "live.128.m3u8"},
		{Bitrate: 64, URI: "live.64.m3u8"},
	})
	want := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=128000,CODECS=\"mp4a.40.2\"\nlive.128.m3u8\n" +
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=64000\nlive.64.m3u8\n"
	if got != want {
		t.Errorf("master playlist mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestSubMountpointName(t *testing.T) {
	tests := map[string]string{
		"/hls/live.m3u8": "/hls/live.128.m3u8",
		"/hls/live.m3u":  "/hls/live.128.m3u",
		"/hls/live":      "/hls/live.128",
		"/hls/live.aac":  "/hls/live.aac.128",
	}
	for in, want := range tests {
		if got := SubMountpointName(in, 128); got != want {
			t.Errorf("SubMountpointName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlaylistName(t *testing.T) {
	tests := map[string]string{
		"/hls/live.m3u8": "live.m3u8",
		"/hls/live":      "live.m3u8",
		"/live.m3u":      "live.m3u",
	}
	for in, want := range tests {
		if got := PlaylistName(in); got != want {
			t.Errorf("PlaylistName(%q) = %q, want %q", in, got, want)
		}
	}
}
