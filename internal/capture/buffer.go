// Package capture implements the per-operation Capture Buffer: a line
// accumulator that keeps the full text while small and switches
// irreversibly to a head+tail window once it grows past max_lines.
package capture

import (
	"bytes"
	"strconv"
	"strings"
)

// Buffer accumulates output lines for a single PTY Engine operation.
// It is not safe for concurrent use; callers hold the Session lock for
// the duration of one operation.
type Buffer struct {
	maxLines     int
	contextLines int

	lines    []string // full text while !truncated
	head     []string // first contextLines lines, once truncated
	tail     []string // FIFO window of the most recent contextLines lines
	total    int       // total lines seen (including elided)
	truncated bool

	pending []byte // unterminated trailing fragment

	totalBytesSeen int64
	bytesRetained  int64
}

const (
	defaultMaxLines     = 100
	defaultContextLines = 20
)

// New creates a Buffer with the given limits. A maxLines <= 0 uses the
// default of 100; a contextLines <= 0 uses the default of 20, clamped to
// at most maxLines/2.
func New(maxLines, contextLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	if contextLines <= 0 {
		contextLines = defaultContextLines
	}
	if contextLines > maxLines/2 {
		contextLines = maxLines / 2
	}
	if contextLines < 1 {
		contextLines = 1
	}
	return &Buffer{maxLines: maxLines, contextLines: contextLines}
}

// Feed appends a chunk of raw output bytes, splitting on line boundaries.
func (b *Buffer) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.totalBytesSeen += int64(len(chunk))

	data := chunk
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			b.pending = append(b.pending, data...)
			return
		}
		line := string(append(b.pending, data[:idx]...))
		b.pending = b.pending[:0]
		b.addLine(line)
		data = data[idx+1:]
	}
}

// Finish flushes any unterminated trailing fragment as a final line. Call
// once at the end of an operation before reading Text()/Stats().
func (b *Buffer) Finish() {
	if len(b.pending) > 0 {
		b.addLine(string(b.pending))
		b.pending = b.pending[:0]
	}
}

func (b *Buffer) addLine(line string) {
	b.total++
	if !b.truncated {
		b.lines = append(b.lines, line)
		b.bytesRetained += int64(len(line)) + 1
		if len(b.lines) > b.maxLines {
			b.enterTruncatedMode()
		}
		return
	}
	b.appendTail(line)
}

// enterTruncatedMode switches irreversibly from full-text to head+tail
// capture once the line count exceeds maxLines.
func (b *Buffer) enterTruncatedMode() {
	b.truncated = true
	n := b.contextLines
	if n > len(b.lines) {
		n = len(b.lines)
	}
	b.head = append([]string(nil), b.lines[:n]...)

	rest := b.lines[n:]
	tailStart := 0
	if len(rest) > b.contextLines {
		tailStart = len(rest) - b.contextLines
	}
	b.tail = append([]string(nil), rest[tailStart:]...)
	b.lines = nil

	b.bytesRetained = 0
	for _, l := range b.head {
		b.bytesRetained += int64(len(l)) + 1
	}
	for _, l := range b.tail {
		b.bytesRetained += int64(len(l)) + 1
	}
}

func (b *Buffer) appendTail(line string) {
	b.tail = append(b.tail, line)
	if len(b.tail) > b.contextLines {
		b.tail = b.tail[len(b.tail)-b.contextLines:]
	}
	b.bytesRetained = 0
	for _, l := range b.head {
		b.bytesRetained += int64(len(l)) + 1
	}
	for _, l := range b.tail {
		b.bytesRetained += int64(len(l)) + 1
	}
}

// Text renders the accumulated output: full text if never truncated, or
// "head + elision marker + tail" once truncated.
func (b *Buffer) Text() string {
	if !b.truncated {
		return strings.Join(b.lines, "\n")
	}
	elided := b.total - len(b.head) - len(b.tail)
	marker := elidedMarker(elided)
	var sb strings.Builder
	sb.WriteString(strings.Join(b.head, "\n"))
	sb.WriteString(marker)
	sb.WriteString(strings.Join(b.tail, "\n"))
	return sb.String()
}

func elidedMarker(k int) string {
	return "\n\n... [" + strconv.Itoa(k) + " lines elided, see transcript] ...\n\n"
}

// Truncated reports whether the buffer switched to head+tail mode, i.e.
// whether any bytes were dropped from the reply.
func (b *Buffer) Truncated() bool {
	return b.truncated
}

// TotalBytesSeen returns every byte fed to the buffer, kept or not.
func (b *Buffer) TotalBytesSeen() int64 {
	return b.totalBytesSeen
}

// DroppedBytes returns total_bytes_seen - bytes_retained, always >= 0.
func (b *Buffer) DroppedBytes() int64 {
	d := b.totalBytesSeen - b.bytesRetained
	if d < 0 {
		return 0
	}
	return d
}

