package backend

import "bytes"

// Framer splits a chunked byte stream into complete lines.
//
// Chunks are buffered as raw bytes and only split on '\n', so a multi-byte
// UTF-8 sequence cut by a chunk boundary is reassembled before it becomes
// part of a line. A trailing '\r' is dropped from each line.
type Framer struct {
	buf    []byte
	closed bool
}

// NewFramer returns an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Write appends a chunk. It never fails.
func (f *Framer) Write(chunk []byte) (int, error) {
	f.buf = append(f.buf, chunk...)
	return len(chunk), nil
}

// Close signals end of stream. Any buffered partial line becomes available
// from Next as the final line.
func (f *Framer) Close() {
	f.closed = true
}

// Next returns the next complete line. ok is false when no complete line is
// buffered yet (or, after Close, when the stream is drained).
func (f *Framer) Next() (line string, ok bool) {
	if i := bytes.IndexByte(f.buf, '\n'); i >= 0 {
		line = string(trimCR(f.buf[:i]))
		f.buf = f.buf[i+1:]
		return line, true
	}
	if f.closed && len(f.buf) > 0 {
		line = string(trimCR(f.buf))
		f.buf = nil
		return line, true
	}
	return "", false
}

// Buffered returns the number of bytes held for an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Lines feeds chunk and returns every line it completes, in order.
func (f *Framer) Lines(chunk []byte) []string {
	f.Write(chunk)
	var lines []string
	for {
		line, ok := f.Next()
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}
