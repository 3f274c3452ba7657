// Package session holds the authoritative model of one research session: the
// conversation log, the live progress note, the final report and the error
// banner. All mutation goes through the transition methods on Session.
package session

import (
	"errors"
	"time"
)

// Phase is the position of the current turn in its lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseStreaming  Phase = "streaming"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// EntryKind identifies a conversation log entry.
type EntryKind string

const (
	EntryUser       EntryKind = "user"
	EntryAssistant  EntryKind = "assistant"
	EntryReportLink EntryKind = "report_link"
	EntryError      EntryKind = "error"
)

// LogEntry is one immutable row of the conversation log.
type LogEntry struct {
	Kind      EntryKind
	Text      string
	CreatedAt time.Time
}

// ProgressNote is the single ephemeral progress indicator.
type ProgressNote struct {
	Stage  string
	Detail string
	At     time.Time
}

// String renders the note as "stage" or "stage (detail)".
func (p ProgressNote) String() string {
	if p.Detail == "" {
		return p.Stage
	}
	return p.Stage + " (" + p.Detail + ")"
}

// Report is the terminal payload of a completed turn.
type Report struct {
	Body    string
	Sources []string
	Visible bool
}

// Notice is the banner content. A zero ExpiresAt means it stays until
// replaced or cleared.
type Notice struct {
	Message   string
	ExpiresAt time.Time
}

// Expired reports whether a self-expiring notice is past its deadline.
func (n Notice) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !now.Before(n.ExpiresAt)
}

// Turn identifies one submission. Events carrying a stale Turn are ignored.
type Turn int

// Releaser is a resource that must be let go when the session resets.
type Releaser interface {
	Release()
}

const (
	Greeting         = "Hello! How can I assist you today? I'm an AI deep research agent."
	ReportLinkText   = "View Synthesized Research Report"
	StartingStage    = "Initiating research..."
	EmptyQueryNotice = "Please enter a query."
)

var (
	// ErrEmptyQuery is returned by Submit when the query is blank.
	ErrEmptyQuery = errors.New("empty query")
	// ErrBusy is returned by Submit while a turn is in flight.
	ErrBusy = errors.New("research already in progress")
	// ErrStreamEnded fails a turn whose stream closed without a terminal frame.
	ErrStreamEnded = errors.New("stream ended before a final report")
)
