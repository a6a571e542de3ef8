package codec

import (
	"bytes"
	"fmt"

	"github.com/c360/sensorlink/errors"
)

// DefaultMaxLineLength bounds a pending line before the stream is declared
// desynchronized
const DefaultMaxLineLength = 512

// LineAssembler reassembles newline-terminated frames from arbitrary chunks,
// as delivered by RFCOMM reads or GATT notifications. Not safe for concurrent
// use.
type LineAssembler struct {
	buf     bytes.Buffer
	maxLine int
}

// NewLineAssembler creates an assembler. maxLine <= 0 uses DefaultMaxLineLength.
func NewLineAssembler(maxLine int) *LineAssembler {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &LineAssembler{maxLine: maxLine}
}

// Feed appends chunk and returns every completed line without its
// terminator. Empty lines are skipped. A pending fragment longer than the
// limit is discarded and reported as a protocol error.
func (a *LineAssembler) Feed(chunk []byte) ([]string, error) {
	a.buf.Write(chunk)

	var lines []string
	for {
		data := a.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:i], "\r"))
		a.buf.Next(i + 1)
		if line != "" {
			lines = append(lines, line)
		}
	}

	if a.buf.Len() > a.maxLine {
		n := a.buf.Len()
		a.buf.Reset()
		return lines, fmt.Errorf("%w: %d bytes without terminator", errors.ErrInvalidLine, n)
	}
	if a.buf.Len() == 0 {
		a.buf.Reset()
	}
	return lines, nil
}

// Pending returns the number of buffered bytes awaiting a terminator
func (a *LineAssembler) Pending() int {
	return a.buf.Len()
}

// Reset discards any partial line
func (a *LineAssembler) Reset() {
	a.buf.Reset()
}
