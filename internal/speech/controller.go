// Package speech turns the final report into audio and controls its playback.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/AminEdZare/Deep-Fanar/internal/backend"
)

// State is the playback lifecycle.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

var (
	// ErrEmptyInput is returned for blank text.
	ErrEmptyInput = errors.New("nothing to read aloud")
	// ErrStale means the request was superseded by a newer one or a release.
	ErrStale = errors.New("speech request superseded")
)

// Synthesizer produces a playable payload for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Track is one playable audio resource.
type Track interface {
	Play()
	Pause()
	// Done is closed when playback ends, naturally, with an error, or
	// because the track was closed.
	Done() <-chan struct{}
	// Err reports a playback error once Done is closed.
	Err() error
	Close() error
}

// Player opens playable resources from synthesized payloads.
type Player interface {
	Open(audio []byte) (Track, error)
}

// Config controls truncation and retries.
type Config struct {
	MaxChars   int
	Retries    int
	RetryDelay time.Duration
}

const (
	DefaultMaxChars   = 4000
	DefaultRetries    = 2
	DefaultRetryDelay = 1500 * time.Millisecond
)

// Job is one accepted speech request.
type Job struct {
	Text      string
	Truncated bool
	gen       uint64
}

// Controller owns at most one live Track.
type Controller struct {
	synth  Synthesizer
	player Player
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	track    Track
	gen      uint64
	lastText string
	attempts int
}

// NewController wires a controller. A nil logger falls back to slog.Default.
func NewController(synth Synthesizer, player Player, cfg Config, logger *slog.Logger) *Controller {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		synth:  synth,
		player: player,
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
	}
}

// SetText remembers the report text used when TogglePause starts from idle.
func (c *Controller) SetText(text string) {
	c.mu.Lock()
	c.lastText = text
	c.mu.Unlock()
}

// Request validates and truncates text and moves to Loading. The returned
// job must be passed to Synthesize and then to Start or Fail.
func (c *Controller) Request(text string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked(text)
}

func (c *Controller) requestLocked(text string) (Job, error) {
	if strings.TrimSpace(text) == "" {
		return Job{}, ErrEmptyInput
	}
	c.lastText = text

	job := Job{Text: text}
	if runes := []rune(text); len(runes) > c.cfg.MaxChars {
		job.Text = string(runes[:c.cfg.MaxChars])
		job.Truncated = true
	}

	c.gen++
	job.gen = c.gen
	c.state = StateLoading
	return job, nil
}

// TruncationNotice is the transient notice shown for a truncated job.
func (c *Controller) TruncationNotice() string {
	return fmt.Sprintf("Report is long; reading the first %d characters aloud.", c.cfg.MaxChars)
}

// Synthesize fetches audio for job. Service-unavailable failures are retried
// Config.Retries more times with a fixed delay; anything else returns at
// once. It does not touch controller state and is safe to run off the event
// loop.
func (c *Controller) Synthesize(ctx context.Context, job Job) ([]byte, error) {
	var audio []byte
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(c.cfg.Retries), retry.NewConstant(c.cfg.RetryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		out, err := c.synth.Synthesize(ctx, job.Text)
		if errors.Is(err, backend.ErrSynthesisUnavailable) {
			c.logger.Warn("speech backend unavailable", "attempt", attempts, "err", err)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		audio = out
		return nil
	})

	c.mu.Lock()
	c.attempts = attempts
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return audio, nil
}

// Start opens a track for the synthesized audio, releases the previous one
// and begins playback.
func (c *Controller) Start(job Job, audio []byte) (Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if job.gen != c.gen {
		return nil, ErrStale
	}
	track, err := c.player.Open(audio)
	if err != nil {
		c.releaseLocked()
		return nil, fmt.Errorf("open audio: %w", err)
	}
	c.releaseLocked()
	c.track = track
	track.Play()
	c.state = StatePlaying
	return track, nil
}

// Fail settles a job whose synthesis failed. The controller returns to Idle
// with no resource held. It reports false for a stale job.
func (c *Controller) Fail(job Job) bool {
	return c.settle(job)
}

// Finished settles a job whose track ended. Stale jobs are ignored.
func (c *Controller) Finished(job Job) bool {
	return c.settle(job)
}

func (c *Controller) settle(job Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job.gen != c.gen {
		return false
	}
	c.releaseLocked()
	return true
}

// TogglePause pauses or resumes the live track. From Idle it starts a new
// request for the last known text and returns start = true.
func (c *Controller) TogglePause() (job Job, start bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePlaying:
		c.track.Pause()
		c.state = StatePaused
	case StatePaused:
		c.track.Play()
		c.state = StatePlaying
	case StateIdle:
		job, err = c.requestLocked(c.lastText)
		if err != nil {
			return Job{}, false, err
		}
		return job, true, nil
	}
	return Job{}, false, nil
}

// Speak runs a whole request synchronously: validate, synthesize, start.
func (c *Controller) Speak(ctx context.Context, text string) (Job, error) {
	job, err := c.Request(text)
	if err != nil {
		return Job{}, err
	}
	audio, err := c.Synthesize(ctx, job)
	if err != nil {
		c.Fail(job)
		return job, err
	}
	if _, err := c.Start(job, audio); err != nil {
		return job, err
	}
	return job, nil
}

// Release stops playback, frees the track and invalidates in-flight jobs.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	if c.track != nil {
		if err := c.track.Close(); err != nil {
			c.logger.Warn("close audio track", "err", err)
		}
		c.track = nil
	}
	c.state = StateIdle
}

// State returns the playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Live reports whether a track is held.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track != nil
}

// Attempts returns how many synthesis requests the last job issued.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
