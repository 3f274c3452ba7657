package app

import (
	"time"

	"github.com/AminEdZare/Deep-Fanar/internal/backend"
	"github.com/AminEdZare/Deep-Fanar/internal/session"
	"github.com/AminEdZare/Deep-Fanar/internal/speech"
	"github.com/AminEdZare/Deep-Fanar/internal/voice"
)

// ResearchStartedMsg is sent when the research request was accepted and the
// body is ready to stream.
type ResearchStartedMsg struct {
	Turn   session.Turn
	Stream *backend.Stream
}

// ResearchFailedMsg is sent when the research request failed before any
// frame could be read: transport failure or a non-success status.
type ResearchFailedMsg struct {
	Turn session.Turn
	Err  error
}

// FrameMsg carries one decoded frame. The next frame is only read after this
// one has been applied.
type FrameMsg struct {
	Turn   session.Turn
	Frame  backend.Frame
	Stream *backend.Stream
}

// StreamEndedMsg is sent when the research body reached EOF.
type StreamEndedMsg struct {
	Turn session.Turn
}

// StreamErrorMsg is sent when reading the research body failed.
type StreamErrorMsg struct {
	Turn session.Turn
	Err  error
}

// SpeechReadyMsg carries synthesized audio for a speech job.
type SpeechReadyMsg struct {
	Job   speech.Job
	Audio []byte
}

// SpeechFailedMsg is sent when synthesis failed after any retries.
type SpeechFailedMsg struct {
	Job speech.Job
	Err error
}

// PlaybackEndedMsg is sent when a track finished or was closed.
type PlaybackEndedMsg struct {
	Job speech.Job
	Err error
}

// TranscriptionMsg carries the result of uploading a recorded clip.
type TranscriptionMsg struct {
	Clip voice.Clip
	Text string
	Err  error
}

// ClearNoticeMsg expires self-expiring notices.
type ClearNoticeMsg struct {
	At time.Time
}

// TurnArchivedMsg reports the result of writing a finished turn.
type TurnArchivedMsg struct {
	ID  string
	Err error
}
