package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/AminEdZare/Deep-Fanar/internal/backend"
)

// DefaultNoticeTTL is how long self-expiring notices stay on the banner.
const DefaultNoticeTTL = 5 * time.Second

// Session is the root aggregate. It is not safe for concurrent use; callers
// apply events one at a time.
type Session struct {
	log      []LogEntry
	pristine bool
	seed     []LogEntry

	progress *ProgressNote
	report   *Report
	banner   *Notice
	query    string
	busy     bool
	phase    Phase
	turn     Turn

	resources []Releaser
	now       func() time.Time
	noticeTTL time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithNoticeTTL sets the lifetime of self-expiring notices.
func WithNoticeTTL(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.noticeTTL = d
		}
	}
}

// WithSeed replaces the default greeting shown before the first turn.
// Passing no entries starts with an empty log.
func WithSeed(texts ...string) Option {
	return func(s *Session) {
		s.seed = s.seed[:0]
		for _, t := range texts {
			s.seed = append(s.seed, LogEntry{Kind: EntryAssistant, Text: t})
		}
	}
}

// WithResources registers resources released on Reset.
func WithResources(rs ...Releaser) Option {
	return func(s *Session) { s.resources = append(s.resources, rs...) }
}

// New creates a session showing the seed greeting.
func New(opts ...Option) *Session {
	s := &Session{
		seed:      []LogEntry{{Kind: EntryAssistant, Text: Greeting}},
		now:       time.Now,
		noticeTTL: DefaultNoticeTTL,
		phase:     PhaseIdle,
		pristine:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	at := s.now()
	for _, e := range s.seed {
		e.CreatedAt = at
		s.log = append(s.log, e)
	}
	return s
}

// Submit starts a turn with the pending query. Blank queries leave the
// session untouched apart from a validation notice.
func (s *Session) Submit() (Turn, string, error) {
	if s.busy {
		return 0, "", ErrBusy
	}
	query := strings.TrimSpace(s.query)
	if query == "" {
		s.Notify(EmptyQueryNotice)
		return 0, "", ErrEmptyQuery
	}

	now := s.now()
	entry := LogEntry{Kind: EntryUser, Text: query, CreatedAt: now}
	if s.pristine {
		s.log = []LogEntry{entry}
		s.pristine = false
	} else {
		s.log = append(s.log, entry)
	}

	s.turn++
	s.busy = true
	s.report = nil
	s.banner = nil
	s.progress = &ProgressNote{Stage: StartingStage, At: now}
	s.query = ""
	s.phase = PhaseSubmitting
	return s.turn, query, nil
}

// Accept records that the server answered the turn's request with a
// success status.
func (s *Session) Accept(turn Turn) bool {
	if turn != s.turn || s.phase != PhaseSubmitting {
		return false
	}
	s.phase = PhaseStreaming
	return true
}

// Apply folds one decoded frame into the session. Frames for a stale turn or
// arriving outside the streaming phase are ignored and Apply returns false.
func (s *Session) Apply(turn Turn, f backend.Frame) bool {
	if turn != s.turn || s.phase != PhaseStreaming {
		return false
	}
	now := s.now()
	switch f.Type {
	case backend.FrameProgress:
		s.progress = &ProgressNote{Stage: f.Stage, Detail: f.Detail, At: now}
	case backend.FrameFinal:
		s.log = append(s.log, LogEntry{Kind: EntryReportLink, Text: ReportLinkText, CreatedAt: now})
		s.report = &Report{Body: f.Content, Sources: slices.Clone(f.Sources), Visible: true}
		s.progress = nil
		s.busy = false
		s.phase = PhaseCompleted
	case backend.FrameError:
		s.fail(f.Content)
	default:
		return false
	}
	return true
}

// Fail ends the turn because of a transport failure, a non-success status or
// a stream that closed early.
func (s *Session) Fail(turn Turn, err error) bool {
	if turn != s.turn || (s.phase != PhaseSubmitting && s.phase != PhaseStreaming) {
		return false
	}
	s.fail(FailureMessage(err))
	return true
}

func (s *Session) fail(msg string) {
	s.banner = &Notice{Message: msg}
	s.log = append(s.log, LogEntry{Kind: EntryError, Text: msg, CreatedAt: s.now()})
	s.progress = nil
	s.busy = false
	s.phase = PhaseFailed
}

// FailureMessage renders a turn failure for the banner and the log.
func FailureMessage(err error) string {
	var se *backend.StatusError
	switch {
	case errors.As(err, &se):
		return se.Error()
	case errors.Is(err, ErrStreamEnded):
		return "Research " + err.Error() + "."
	default:
		return fmt.Sprintf("Failed to get research: %v. Please ensure the backend server is running and accessible.", err)
	}
}

// ToggleReport flips report visibility. It is a no-op without a report.
func (s *Session) ToggleReport() bool {
	if s.report == nil {
		return false
	}
	s.report.Visible = !s.report.Visible
	return true
}

// Reset returns to an empty, pristine, idle session and releases every
// registered resource. Events from the turn in flight become stale.
func (s *Session) Reset() {
	for _, r := range s.resources {
		r.Release()
	}
	s.log = nil
	s.pristine = true
	s.progress = nil
	s.report = nil
	s.banner = nil
	s.query = ""
	s.busy = false
	s.phase = PhaseIdle
	s.turn++
}

// SetQuery replaces the pending query text.
func (s *Session) SetQuery(q string) { s.query = q }

// Query returns the pending query text.
func (s *Session) Query() string { return s.query }

// SetBanner shows a sticky error. Any subsystem may write it; the last
// writer wins.
func (s *Session) SetBanner(msg string) {
	s.banner = &Notice{Message: msg}
}

// Notify shows a self-expiring notice and returns its deadline.
func (s *Session) Notify(msg string) time.Time {
	exp := s.now().Add(s.noticeTTL)
	s.banner = &Notice{Message: msg, ExpiresAt: exp}
	return exp
}

// ExpireBanner clears the banner if it is a notice past its deadline.
func (s *Session) ExpireBanner(now time.Time) bool {
	if s.banner == nil || !s.banner.Expired(now) {
		return false
	}
	s.banner = nil
	return true
}

// NoticeTTL returns the configured notice lifetime.
func (s *Session) NoticeTTL() time.Duration { return s.noticeTTL }

// Log returns a copy of the conversation log.
func (s *Session) Log() []LogEntry { return slices.Clone(s.log) }

// Progress returns the live progress note, if any.
func (s *Session) Progress() (ProgressNote, bool) {
	if s.progress == nil {
		return ProgressNote{}, false
	}
	return *s.progress, true
}

// Report returns the current report, if any.
func (s *Session) Report() (Report, bool) {
	if s.report == nil {
		return Report{}, false
	}
	r := *s.report
	r.Sources = slices.Clone(r.Sources)
	return r, true
}

// Banner returns the current banner, if any.
func (s *Session) Banner() (Notice, bool) {
	if s.banner == nil {
		return Notice{}, false
	}
	return *s.banner, true
}

func (s *Session) Busy() bool     { return s.busy }
func (s *Session) Phase() Phase   { return s.phase }
func (s *Session) Pristine() bool { return s.pristine }
func (s *Session) Turn() Turn     { return s.turn }
