package mjpeg

import "bytes"

// JPEG stream markers
var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

// Valid reports whether data is a plausible single JPEG image: it must
// start with SOI and end with EOI.
func Valid(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return bytes.HasPrefix(data, soiMarker) && bytes.HasSuffix(data, eoiMarker)
}

// Split splits a concatenated MJPEG byte stream into individual JPEG
// frames. Bytes before the first SOI and after the last EOI are dropped,
// as is a trailing partial frame.
func Split(data []byte) [][]byte {
	frames := make([][]byte, 0, 8)
	offset := 0
	for offset < len(data) {
		start := bytes.Index(data[offset:], soiMarker)
		if start == -1 {
			break
		}
		start += offset
		end := findEOI(data, start+2)
		if end == -1 {
			break
		}
		frames = append(frames, data[start:end])
		offset = end
	}
	return frames
}

// Count returns the number of complete JPEG frames in data.
func Count(data []byte) int {
	count := 0
	offset := 0
	for offset < len(data) {
		start := bytes.Index(data[offset:], soiMarker)
		if start == -1 {
			break
		}
		start += offset
		end := findEOI(data, start+2)
		if end == -1 {
			break
		}
		count++
		offset = end
	}
	return count
}

// findEOI returns the index just past the EOI marker, or -1.
func findEOI(data []byte, offset int) int {
	idx := bytes.Index(data[offset:], eoiMarker)
	if idx == -1 {
		return -1
	}
	return offset + idx + 2
}

// Scanner assembles complete JPEG frames from an incrementally fed byte
// stream. Partial frames are buffered until their EOI arrives.
type Scanner struct {
	buf []byte
}

// NewScanner creates an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends a chunk to the scanner's buffer.
func (s *Scanner) Feed(chunk []byte) {
	s.buf = append(s.buf, chunk...)
}

// Next returns the next complete frame, or nil if none is buffered yet.
// The returned slice is a copy and stays valid across further Feed calls.
func (s *Scanner) Next() []byte {
	start := bytes.Index(s.buf, soiMarker)
	if start == -1 {
		// Keep at most one byte in case a marker is split across chunks.
		if len(s.buf) > 1 {
			s.buf = s.buf[len(s.buf)-1:]
		}
		return nil
	}
	end := findEOI(s.buf, start+2)
	if end == -1 {
		if start > 0 {
			s.buf = s.buf[start:]
		}
		return nil
	}
	frame := append([]byte(nil), s.buf[start:end]...)
	s.buf = s.buf[end:]
	return frame
}

// Pending returns the number of buffered bytes not yet emitted.
func (s *Scanner) Pending() int {
	return len(s.buf)
}
