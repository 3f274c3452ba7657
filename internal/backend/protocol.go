// Package backend provides the client and protocol types for talking to the
// deep research server: the streaming research endpoint (NDJSON over a chunked
// HTTP response), speech synthesis, and transcription.
package backend

import (
	"errors"
	"fmt"
)

// FrameKind is the discriminant of a streamed research message.
type FrameKind string

const (
	FrameProgress FrameKind = "progress"
	FrameFinal    FrameKind = "final"
	FrameError    FrameKind = "error"
)

// ResearchRequest is the body of a research request.
type ResearchRequest struct {
	Query string `json:"query"`
}

// Frame is one decoded line of the research stream.
type Frame struct {
	Type    FrameKind `json:"type"`
	Stage   string    `json:"stage,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Content string    `json:"content,omitempty"`
	Sources []string  `json:"sources,omitempty"`
}

// Terminal reports whether the frame ends a turn's streaming phase.
func (f Frame) Terminal() bool {
	return f.Type == FrameFinal || f.Type == FrameError
}

// SpeechRequest is the body of a synthesis request.
type SpeechRequest struct {
	Text string `json:"text"`
}

// TranscriptionResponse is the body of a successful transcription.
type TranscriptionResponse struct {
	Text string `json:"text"`
}

// errorBody is the JSON shape of a non-success response.
type errorBody struct {
	Detail string `json:"detail"`
}

var (
	// ErrMalformedFrame marks a stream line that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrTransport marks a network or body read failure.
	ErrTransport = errors.New("transport failure")
	// ErrSynthesisUnavailable is a retryable service-unavailable failure.
	ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")
	// ErrSynthesisTimeout is a terminal timeout from the speech backend.
	ErrSynthesisTimeout = errors.New("speech synthesis timed out")
	// ErrTranscription marks a failed transcription request.
	ErrTranscription = errors.New("transcription failed")
	// ErrEmptyTranscript is a soft failure: the request succeeded but no
	// text came back.
	ErrEmptyTranscript = errors.New("empty transcript")
)

// StatusError is returned when an endpoint answers with a non-success status.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("Server responded with status %d", e.Code)
}
