// Package audio binds the speech and voice packages to real sound hardware:
// oto for playback and malgo for microphone capture.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/AminEdZare/Deep-Fanar/internal/speech"
)

// ErrDisabled is returned by the no-op backends used with --no-audio.
var ErrDisabled = errors.New("audio is disabled")

// drainPoll is how often a track checks whether oto has played out its buffer.
const drainPoll = 50 * time.Millisecond

// Speaker plays synthesized WAV payloads. oto allows a single context per
// process, so it is created on the first Open and every later payload is
// converted to its rate.
type Speaker struct {
	sampleRate int
	channels   int
	logger     *slog.Logger

	once    sync.Once
	ctx     *oto.Context
	initErr error
}

// NewSpeaker returns a speaker whose output runs at sampleRate Hz mono.
func NewSpeaker(sampleRate int, logger *slog.Logger) *Speaker {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{sampleRate: sampleRate, channels: 1, logger: logger}
}

func (s *Speaker) init() error {
	s.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   s.sampleRate,
			ChannelCount: s.channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			s.initErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		s.ctx = ctx
		s.logger.Info("speaker ready", "sample_rate", s.sampleRate)
	})
	return s.initErr
}

// Open decodes audio and returns a paused track.
func (s *Speaker) Open(audio []byte) (speech.Track, error) {
	pcm, err := DecodeWAV(audio)
	if err != nil {
		return nil, err
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	pcm = Convert(pcm, s.sampleRate, s.channels)

	t := &track{
		src:  &eofReader{r: bytes.NewReader(pcm.Data)},
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	t.player = s.ctx.NewPlayer(t.src)
	go t.watch()
	return t, nil
}

// eofReader records when oto has pulled the last byte.
type eofReader struct {
	r   io.Reader
	mu  sync.Mutex
	eof bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.mu.Lock()
		e.eof = true
		e.mu.Unlock()
	}
	return n, err
}

func (e *eofReader) drained() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eof
}

type track struct {
	player *oto.Player
	src    *eofReader

	mu     sync.Mutex
	paused bool
	err    error

	done      chan struct{}
	doneOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
}

func (t *track) Play() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.player.Play()
}

func (t *track) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	t.player.Pause()
}

func (t *track) Done() <-chan struct{} { return t.done }

func (t *track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close stops playback, frees the oto player and closes Done.
func (t *track) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.player.Close()
		t.doneOnce.Do(func() { close(t.done) })
	})
	return err
}

func (t *track) watch() {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		if err := t.player.Err(); err != nil {
			t.finish(err)
			return
		}
		t.mu.Lock()
		paused := t.paused
		t.mu.Unlock()
		if !paused && t.src.drained() && !t.player.IsPlaying() {
			t.finish(nil)
			return
		}
	}
}

func (t *track) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
}
