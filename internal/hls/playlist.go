package hls

import (
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"time"
)

// PlaylistVersion is the #EXT-X-VERSION written to media playlists.
const PlaylistVersion = 3

// ProgramDateTimeLayout renders #EXT-X-PROGRAM-DATE-TIME values.
const ProgramDateTimeLayout = "2006-01-02T15:04:05.000-07:00"

// PlaylistOptions controls media playlist rendering.
type PlaylistOptions struct {
	// TargetDuration is the configured segment length in seconds. The
	// rendered value is never below the longest segment.
	TargetDuration int
	// TimestampOffset shifts every PROGRAM-DATE-TIME.
	TimestampOffset time.Duration
	// Location selects the zone PROGRAM-DATE-TIME is rendered in; local
	// time when nil.
	Location *time.Location
	// Ended appends #EXT-X-ENDLIST.
	Ended bool
}

// BuildMediaPlaylist renders segments (ordered by sequence ascending) as a
// live media playlist. An empty window yields media sequence 0.
func BuildMediaPlaylist(segments []Segment, opts PlaylistOptions) string {
	var b strings.Builder

	mediaSequence := int64(0)
	if len(segments) > 0 {
		mediaSequence = segments[0].Sequence
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments, opts.TargetDuration))
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", PlaylistVersion)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	for _, seg := range segments {
		stamp := seg.StartedAt.Add(opts.TimestampOffset).In(loc)
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", stamp.Format(ProgramDateTimeLayout))
		fmt.Fprintf(&b, "#EXTINF:%7.5f,\n%s\n", seg.Duration, seg.Filename)
	}
	if opts.Ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// targetDuration returns the larger of the configured length and the
// ceiling of the longest segment.
func targetDuration(segments []Segment, configured int) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	td := int(math.Ceil(max))
	if configured > td {
		td = configured
	}
	if td <= 0 {
		return 1
	}
	return td
}

// Variant is one entry of a master playlist.
type Variant struct {
	// Bitrate in kbit/s.
	Bitrate int
	// Codecs is the RFC 6381 identifier, omitted when empty.
	Codecs string
	// URI is the variant's media playlist, relative to the master.
	URI string
}

// BuildMasterPlaylist renders the top-level playlist of a multi-bitrate
// publication.
func BuildMasterPlaylist(variants []Variant) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=%d", 1000*v.Bitrate)
		if v.Codecs != "" {
			fmt.Fprintf(&b, ",CODECS=%q", v.Codecs)
		}
		b.WriteString("\n")
		b.WriteString(v.URI)
		b.WriteString("\n")
	}
	return b.String()
}

// SubMountpointName inserts the bitrate into a mountpoint ahead of an m3u or
// m3u8 extension: "/live.m3u8" becomes "/live.128.m3u8".
func SubMountpointName(mount string, bitrate int) string {
	f := strings.Split(mount, ".")
	offset := 0
	if last := f[len(f)-1]; last == "m3u" || last == "m3u8" {
		offset = 1
	}
	at := len(f) - offset
	f = append(f[:at], append([]string{strconv.Itoa(bitrate)}, f[at:]...)...)
	return strings.Join(f, ".")
}

// PlaylistName returns the basename of a mountpoint, with ".m3u8" appended
// when it carries no playlist extension.
func PlaylistName(mount string) string {
	name := path.Base(mount)
	if !strings.HasSuffix(name, ".m3u8") && !strings.HasSuffix(name, ".m3u") {
		name += ".m3u8"
	}
	return name
}

// MediaFilename names a segment "<base>-<stamp>-<seq>.<ext>".
func MediaFilename(base, stamp string, seq int64, ext string) string {
	return fmt.Sprintf("%s-%s-%d.%s", base, stamp, seq, ext)
}
