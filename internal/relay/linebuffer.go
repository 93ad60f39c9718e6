package relay

import (
	"bytes"
	"strings"
)

// LineBuffer accumulates output chunks and yields complete lines. It holds only
// the unterminated tail between writes.
type LineBuffer struct {
	tail strings.Builder
}

// Write appends chunk and returns every line it completed, without terminators.
// A trailing partial line is kept for the next Write.
func (b *LineBuffer) Write(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.tail.Write(chunk)
			break
		}
		b.tail.Write(chunk[:i])
		lines = append(lines, strings.TrimSuffix(b.tail.String(), "\r"))
		b.tail.Reset()
		chunk = chunk[i+1:]
	}
	return lines
}

// Flush returns the buffered partial line, if any, and empties the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if b.tail.Len() == 0 {
		return "", false
	}
	line := strings.TrimSuffix(b.tail.String(), "\r")
	b.tail.Reset()
	return line, line != ""
}

// Pending is the number of buffered bytes.
func (b *LineBuffer) Pending() int {
	return b.tail.Len()
}

