package hls

import (
	"encoding/binary"
	"unicode/utf8"
)

// PrivTagSize is the length of the timestamp tag that opens every segment.
const PrivTagSize = 73

// privTemplate is an ID3v2.4 tag holding a single PRIV frame owned by
// "com.apple.streaming.transportStreamTimestamp" with an 8 byte payload.
var privTemplate = [PrivTagSize]byte{
	'I', 'D', '3', 0x04, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x3F, 'P', 'R', 'I', 'V', 0x00, 0x00,
	0x00, 0x35, 0x00, 0x00, 'c', 'o', 'm', '.',
	'a', 'p', 'p', 'l', 'e', '.', 's', 't',
	'r', 'e', 'a', 'm', 'i', 'n', 'g', '.',
	't', 'r', 'a', 'n', 's', 'p', 'o', 'r',
	't', 'S', 't', 'r', 'e', 'a', 'm', 'T',
	'i', 'm', 'e', 's', 't', 'a', 'm', 'p',
	0x00,
}

// timestampMask keeps the 33 bits of an MPEG-2 presentation timestamp.
const timestampMask = 0x1FFFFFFFF

// PrivTimestampTag returns the PRIV tag for a segment starting after frames
// sample frames at rate Hz. The stamp counts 1/90000 s.
func PrivTimestampTag(frames int64, rate int) []byte {
	tag := privTemplate
	stamp := uint64(90000*float64(frames)/float64(rate)) & timestampMask
	binary.BigEndian.PutUint64(tag[PrivTagSize-8:], stamp)
	return tag[:]
}

// PrivTimestamp extracts the stamp from a tag built by PrivTimestampTag.
func PrivTimestamp(tag []byte) (uint64, bool) {
	if TagSize(tag) != PrivTagSize || len(tag) < PrivTagSize || string(tag[10:14]) != "PRIV" {
		return 0, false
	}
	return binary.BigEndian.Uint64(tag[PrivTagSize-8 : PrivTagSize]), true
}

// TextTag builds an ID3v2.4 tag with a UTF-8 TIT2 frame carrying title and,
// when url is set, a WOAS frame.
func TextTag(title, url string) []byte {
	var frames []byte
	if title != "" {
		frames = append(frames, id3Frame("TIT2", append([]byte{0x03}, validUTF8(title)...))...)
	}
	if url != "" {
		frames = append(frames, id3Frame("WOAS", []byte(url))...)
	}
	if len(frames) == 0 {
		return nil
	}
	tag := make([]byte, 10, 10+len(frames))
	copy(tag, "ID3")
	tag[3] = 0x04
	putSyncsafe(tag[6:10], len(frames))
	return append(tag, frames...)
}

func id3Frame(id string, body []byte) []byte {
	f := make([]byte, 10, 10+len(body))
	copy(f, id)
	putSyncsafe(f[4:8], len(body))
	return append(f, body...)
}

// putSyncsafe writes n as a 28 bit syncsafe integer.
func putSyncsafe(dst []byte, n int) {
	dst[0] = byte(n>>21) & 0x7F
	dst[1] = byte(n>>14) & 0x7F
	dst[2] = byte(n>>7) & 0x7F
	dst[3] = byte(n) & 0x7F
}

func syncsafe(b []byte) int {
	return int(b[0])<<21 | int(b[1])<<14 | int(b[2])<<7 | int(b[3])
}

// TagSize returns the total length of the ID3v2 tag at the start of b, or 0.
func TagSize(b []byte) int {
	if len(b) < 10 || string(b[:3]) != "ID3" {
		return 0
	}
	return 10 + syncsafe(b[6:10])
}

func validUTF8(s string) []byte {
	if utf8.ValidString(s) {
		return []byte(s)
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = utf8.AppendRune(out, r)
	}
	return out
}

// FindFrameSync returns the offset of the first MPEG audio frame sync (eleven
// set bits) in b, or -1.
func FindFrameSync(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0xFF && b[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}
