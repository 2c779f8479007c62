package mcp

import "bytes"

// maxLineSize bounds a single inbound line. Larger lines are discarded
// up to the next newline.
const maxLineSize = 16 << 20

// lineSplitter reassembles newline-delimited messages from arbitrarily
// chunked reads. The trailing fragment of one chunk is kept and joined
// with the head of the next.
type lineSplitter struct {
	buf      []byte
	max      int
	dropping bool
	dropped  int
}

func newLineSplitter(max int) *lineSplitter {
	if max <= 0 {
		max = maxLineSize
	}
	return &lineSplitter{max: max}
}

// feed appends chunk and returns every complete line it closes, without
// the trailing newline (and without a trailing carriage return). Blank
// lines are skipped. The returned slices are only valid until the next
// call to feed.
func (s *lineSplitter) feed(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if s.dropping {
				return lines
			}
			if len(s.buf)+len(chunk) > s.max {
				s.buf = s.buf[:0]
				s.dropping = true
				s.dropped++
				return lines
			}
			s.buf = append(s.buf, chunk...)
			return lines
		}

		head := chunk[:i]
		chunk = chunk[i+1:]
		if s.dropping {
			s.dropping = false
			continue
		}
		if len(s.buf)+len(head) > s.max {
			s.buf = s.buf[:0]
			s.dropped++
			continue
		}

		line := append(s.buf, head...)
		s.buf = nil
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// pending reports how many bytes of an unterminated line are buffered.
func (s *lineSplitter) pending() int {
	return len(s.buf)
}

// takeDropped returns and resets the count of oversize lines discarded
// since the last call.
func (s *lineSplitter) takeDropped() int {
	n := s.dropped
	s.dropped = 0
	return n
}
