package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AminEdZare/Deep-Fanar/internal/backend"
)

type fakeTrack struct {
	mu      sync.Mutex
	playing bool
	closed  bool
	done    chan struct{}
}

func newFakeTrack() *fakeTrack { return &fakeTrack{done: make(chan struct{})} }

func (t *fakeTrack) Play()                 { t.mu.Lock(); t.playing = true; t.mu.Unlock() }
func (t *fakeTrack) Pause()                { t.mu.Lock(); t.playing = false; t.mu.Unlock() }
func (t *fakeTrack) Done() <-chan struct{} { return t.done }
func (t *fakeTrack) Err() error            { return nil }
func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.done)
	}
	t.closed = true
	t.playing = false
	return nil
}

type fakePlayer struct {
	tracks  []*fakeTrack
	openErr error
}

func (p *fakePlayer) Open(audio []byte) (Track, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	t := newFakeTrack()
	p.tracks = append(p.tracks, t)
	return t, nil
}

// liveTracks counts tracks that were opened and never closed.
func (p *fakePlayer) liveTracks() int {
	n := 0
	for _, t := range p.tracks {
		if !t.closed {
			n++
		}
	}
	return n
}

type scriptedSynth struct {
	errs  []error
	calls int
	texts []string
}

func (s *scriptedSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.texts = append(s.texts, text)
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return []byte("audio"), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{MaxChars: 50, Retries: 2, RetryDelay: time.Millisecond}
}

// speechServer answers 503 for the first `failures` requests, then succeeds.
func speechServer(t *testing.T, failures int32) (*backend.Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"detail":"TTS service is warming up"}`)
			return
		}
		w.Write([]byte("RIFF...."))
	}))
	t.Cleanup(srv.Close)
	return backend.NewClient(srv.URL, backend.WithLogger(quietLogger())), &hits
}

func TestSpeakRetriesUnavailableThenPlays(t *testing.T) {
	client, hits := speechServer(t, 2)
	player := &fakePlayer{}
	c := NewController(client, player, testConfig(), quietLogger())

	if _, err := c.Speak(context.Background(), "# Report"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("requests = %d, want 3", hits.Load())
	}
	if c.State() != StatePlaying {
		t.Errorf("state = %q, want playing", c.State())
	}
	if c.Attempts() != 3 {
		t.Errorf("attempts = %d, want 3", c.Attempts())
	}
	if player.liveTracks() != 1 {
		t.Errorf("live tracks = %d, want 1", player.liveTracks())
	}
}

func TestSpeakGivesUpAfterRetries(t *testing.T) {
	client, hits := speechServer(t, 3)
	player := &fakePlayer{}
	c := NewController(client, player, testConfig(), quietLogger())

	_, err := c.Speak(context.Background(), "# Report")
	if !errors.Is(err, backend.ErrSynthesisUnavailable) {
		t.Fatalf("err = %v, want ErrSynthesisUnavailable", err)
	}
	if hits.Load() != 3 {
		t.Errorf("requests = %d, want 3", hits.Load())
	}
	if c.State() != StateIdle {
		t.Errorf("state = %q, want idle", c.State())
	}
	if c.Live() || player.liveTracks() != 0 {
		t.Error("no playable resource should be retained")
	}
}

func TestSpeakTimeoutNotRetried(t *testing.T) {
	synth := &scriptedSynth{errs: []error{backend.ErrSynthesisTimeout}}
	c := NewController(synth, &fakePlayer{}, testConfig(), quietLogger())

	_, err := c.Speak(context.Background(), "text")
	if !errors.Is(err, backend.ErrSynthesisTimeout) {
		t.Fatalf("err = %v, want ErrSynthesisTimeout", err)
	}
	if synth.calls != 1 {
		t.Errorf("calls = %d, want 1", synth.calls)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %q, want idle", c.State())
	}
}

func TestSpeakOtherFailureNotRetried(t *testing.T) {
	synth := &scriptedSynth{errs: []error{&backend.StatusError{Code: 400, Detail: "bad"}}}
	c := NewController(synth, &fakePlayer{}, testConfig(), quietLogger())

	if _, err := c.Speak(context.Background(), "text"); err == nil {
		t.Fatal("expected error")
	}
	if synth.calls != 1 {
		t.Errorf("calls = %d, want 1", synth.calls)
	}
}

func TestRequestBlank(t *testing.T) {
	c := NewController(&scriptedSynth{}, &fakePlayer{}, testConfig(), quietLogger())
	for _, text := range []string{"", "  \n"} {
		if _, err := c.Request(text); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Request(%q) err = %v, want ErrEmptyInput", text, err)
		}
	}
	if c.State() != StateIdle {
		t.Errorf("state = %q, want idle", c.State())
	}
}

func TestRequestTruncates(t *testing.T) {
	synth := &scriptedSynth{}
	c := NewController(synth, &fakePlayer{}, Config{MaxChars: 5, RetryDelay: time.Millisecond}, quietLogger())

	job, err := c.Speak(context.Background(), "héllo world")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !job.Truncated {
		t.Error("job should be marked truncated")
	}
	if synth.texts[0] != "héllo" {
		t.Errorf("sent %q, want %q", synth.texts[0], "héllo")
	}
	if !strings.Contains(c.TruncationNotice(), "5") {
		t.Errorf("notice = %q", c.TruncationNotice())
	}
}

func TestNewTrackReleasesPrevious(t *testing.T) {
	player := &fakePlayer{}
	c := NewController(&scriptedSynth{}, player, testConfig(), quietLogger())

	c.Speak(context.Background(), "one")
	c.Speak(context.Background(), "two")

	if len(player.tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(player.tracks))
	}
	if !player.tracks[0].closed {
		t.Error("first track should be closed before the second plays")
	}
	if player.liveTracks() != 1 {
		t.Errorf("live tracks = %d, want 1", player.liveTracks())
	}
}

func TestTogglePause(t *testing.T) {
	player := &fakePlayer{}
	c := NewController(&scriptedSynth{}, player, testConfig(), quietLogger())
	c.Speak(context.Background(), "report")
	track := player.tracks[0]

	c.TogglePause()
	if c.State() != StatePaused || track.playing {
		t.Errorf("state = %q playing=%v, want paused", c.State(), track.playing)
	}
	c.TogglePause()
	if c.State() != StatePlaying || !track.playing {
		t.Errorf("state = %q playing=%v, want playing", c.State(), track.playing)
	}
}

func TestTogglePauseFromIdleUsesLastText(t *testing.T) {
	synth := &scriptedSynth{}
	c := NewController(synth, &fakePlayer{}, testConfig(), quietLogger())

	if _, _, err := c.TogglePause(); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("toggle with no text err = %v, want ErrEmptyInput", err)
	}

	c.SetText("the report")
	job, start, err := c.TogglePause()
	if err != nil || !start {
		t.Fatalf("toggle = %v, %v", start, err)
	}
	if c.State() != StateLoading {
		t.Errorf("state = %q, want loading", c.State())
	}
	if job.Text != "the report" {
		t.Errorf("job text = %q", job.Text)
	}
}

func TestFinishedReleasesTrack(t *testing.T) {
	player := &fakePlayer{}
	c := NewController(&scriptedSynth{}, player, testConfig(), quietLogger())
	job, _ := c.Speak(context.Background(), "report")

	c.Finished(job)
	if c.State() != StateIdle || c.Live() {
		t.Errorf("state = %q live=%v after natural end", c.State(), c.Live())
	}
	if !player.tracks[0].closed {
		t.Error("track not closed on natural end")
	}
}

func TestStaleJobIgnored(t *testing.T) {
	player := &fakePlayer{}
	c := NewController(&scriptedSynth{}, player, testConfig(), quietLogger())

	job, _ := c.Request("first")
	c.Release()

	if _, err := c.Start(job, []byte("audio")); !errors.Is(err, ErrStale) {
		t.Errorf("err = %v, want ErrStale", err)
	}
	if len(player.tracks) != 0 {
		t.Error("stale job opened a track")
	}

	newer, _ := c.Speak(context.Background(), "second")
	if c.Finished(job) {
		t.Error("stale job reported as settled")
	}
	if c.State() != StatePlaying {
		t.Errorf("stale completion changed state to %q", c.State())
	}
	c.Finished(newer)
	if c.State() != StateIdle {
		t.Errorf("state = %q, want idle", c.State())
	}
}

func TestOpenFailureLeavesIdle(t *testing.T) {
	player := &fakePlayer{openErr: errors.New("unsupported format")}
	c := NewController(&scriptedSynth{}, player, testConfig(), quietLogger())
	if _, err := c.Speak(context.Background(), "x"); err == nil {
		t.Fatal("expected open error")
	}
	if c.State() != StateIdle || c.Live() {
		t.Errorf("state = %q live=%v", c.State(), c.Live())
	}
}

func TestReleaseClosesTrack(t *testing.T) {
	player := &fakePlayer{}
	c := NewController(&scriptedSynth{}, player, testConfig(), quietLogger())
	c.Speak(context.Background(), "x")
	c.Release()
	if player.liveTracks() != 0 || c.State() != StateIdle {
		t.Errorf("live=%d state=%q after release", player.liveTracks(), c.State())
	}
}
