// Package archive keeps a local SQLite record of finished research turns.
// It is append-only from the TUI and never restores a session.
package archive

import "time"

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Turn is one archived query and its result.
type Turn struct {
	ID         string
	Query      string
	Outcome    Outcome
	Report     string
	Sources    []string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the turn took.
func (t Turn) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}
