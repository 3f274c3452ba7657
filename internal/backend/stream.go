package backend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Stream yields decoded frames from a research response body in arrival
// order. It is not safe for concurrent use.
type Stream struct {
	body   io.ReadCloser
	framer *Framer
	chunk  []byte
	logger *slog.Logger
	eof    bool

	dropped int
}

func newStream(body io.ReadCloser, chunkSize int, logger *slog.Logger) *Stream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		body:   body,
		framer: NewFramer(),
		chunk:  make([]byte, chunkSize),
		logger: logger,
	}
}

// NewStream wraps an arbitrary body. Useful when the body does not come from
// Client.Research.
func NewStream(body io.ReadCloser, chunkSize int, logger *slog.Logger) *Stream {
	return newStream(body, chunkSize, logger)
}

// Next blocks until the next well-formed frame is available. Malformed lines
// are logged and skipped. It returns io.EOF once the body is exhausted and
// an error wrapping ErrTransport if reading fails.
func (s *Stream) Next() (Frame, error) {
	for {
		if line, ok := s.framer.Next(); ok {
			if blank(line) {
				continue
			}
			f, err := DecodeFrame(line)
			if err != nil {
				s.dropped++
				s.logger.Warn("dropping stream line", "line", excerpt(line), "err", err)
				continue
			}
			return f, nil
		}
		if s.eof {
			return Frame{}, io.EOF
		}

		n, err := s.body.Read(s.chunk)
		if n > 0 {
			s.framer.Write(s.chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			s.framer.Close()
			continue
		}
		if err != nil {
			return Frame{}, fmt.Errorf("%w: read stream: %w", ErrTransport, err)
		}
	}
}

// Dropped returns how many malformed lines have been skipped so far.
func (s *Stream) Dropped() int {
	return s.dropped
}

// Close releases the response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
