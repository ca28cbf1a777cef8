package codec

import (
	"bytes"
	"encoding/binary"
)

var oggCapture = []byte("OggS")

const oggPageHeaderSize = 27

// oggSplitter separates the header pages of an Ogg stream (granule position
// zero, before any audio page) from the audio pages that follow, so the
// headers can be replayed as a stream prologue.
type oggSplitter struct {
	buf        []byte
	header     []byte
	headerDone bool
}

// push consumes data and returns the complete audio pages it finished.
func (s *oggSplitter) push(data []byte) []byte {
	s.buf = append(s.buf, data...)
	var audio []byte
	for len(s.buf) >= oggPageHeaderSize {
		if !bytes.HasPrefix(s.buf, oggCapture) {
			idx := bytes.Index(s.buf[1:], oggCapture)
			if idx < 0 {
				s.buf = append(s.buf[:0], s.buf[len(s.buf)-len(oggCapture)+1:]...)
				break
			}
			s.buf = s.buf[idx+1:]
			continue
		}
		nseg := int(s.buf[26])
		if len(s.buf) < oggPageHeaderSize+nseg {
			break
		}
		total := oggPageHeaderSize + nseg
		for _, l := range s.buf[oggPageHeaderSize : oggPageHeaderSize+nseg] {
			total += int(l)
		}
		if len(s.buf) < total {
			break
		}
		page := s.buf[:total]
		granule := binary.LittleEndian.Uint64(page[6:14])
		if !s.headerDone && granule == 0 {
			s.header = append(s.header, page...)
		} else {
			s.headerDone = true
			audio = append(audio, page...)
		}
		s.buf = s.buf[total:]
	}
	return audio
}
