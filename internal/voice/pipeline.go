// Package voice records a microphone clip and turns it into query text.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is the capture lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
)

var (
	// ErrUnsupported means the runtime has no usable capture device.
	ErrUnsupported = errors.New("voice capture is not supported here")
	// ErrPermissionDenied means access to the microphone was refused.
	ErrPermissionDenied = errors.New("microphone access was denied")
)

// Device opens the microphone. onData receives PCM chunks, possibly from
// another goroutine, until the returned Capture is closed.
type Device interface {
	Open(onData func([]byte)) (Capture, error)
}

// Capture is an open capture device handle.
type Capture interface {
	Close() error
}

// Transcriber uploads one clip and returns its text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Outcome tells the caller what a Toggle did.
type Outcome int

const (
	// Ignored: a transcription is still in flight.
	Ignored Outcome = iota
	// Started: recording began.
	Started
	// Uploading: recording stopped and the returned clip must be transcribed.
	Uploading
	// Empty: recording stopped with no audio; nothing to upload.
	Empty
)

// Clip is a finalized recording ready for upload.
type Clip struct {
	Data     []byte
	Filename string
	gen      uint64
}

// Pipeline owns at most one open Capture.
type Pipeline struct {
	device      Device
	transcriber Transcriber
	format      Format
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	capture Capture
	gen     uint64

	// recording holds the gen of the open capture, zero when none.
	recording atomic.Uint64
	chunkMu   sync.Mutex
	chunks    [][]byte
	size      int
}

// NewPipeline wires a pipeline. A nil device makes every start fail with
// ErrUnsupported.
func NewPipeline(device Device, transcriber Transcriber, format Format, logger *slog.Logger) *Pipeline {
	if format.SampleRate <= 0 || format.Channels <= 0 || format.BitsPerSample <= 0 {
		format = DefaultFormat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		device:      device,
		transcriber: transcriber,
		format:      format,
		logger:      logger,
		state:       StateIdle,
	}
}

// Toggle starts recording when idle and stops it when recording.
func (p *Pipeline) Toggle() (Outcome, Clip, error) {
	switch p.State() {
	case StateIdle:
		if err := p.Start(); err != nil {
			return Ignored, Clip{}, err
		}
		return Started, Clip{}, nil
	case StateRecording:
		clip, ok := p.Stop()
		if !ok {
			return Empty, Clip{}, nil
		}
		return Uploading, clip, nil
	default:
		return Ignored, Clip{}, nil
	}
}

// Start opens the device and begins accumulating chunks. It is a no-op
// unless the pipeline is idle.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return nil
	}
	if p.device == nil {
		return ErrUnsupported
	}

	p.gen++
	gen := p.gen
	p.resetChunks()
	p.recording.Store(gen)
	capture, err := p.device.Open(func(chunk []byte) { p.appendChunk(gen, chunk) })
	if err != nil {
		p.recording.Store(0)
		return err
	}
	p.capture = capture
	p.state = StateRecording
	p.logger.Info("voice capture started")
	return nil
}

// Stop closes the device and finalizes the clip. ok is false when nothing
// was captured, in which case the pipeline is already back to idle.
func (p *Pipeline) Stop() (clip Clip, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRecording {
		return Clip{}, false
	}
	gen := p.gen
	p.recording.Store(0)
	p.closeCaptureLocked()
	p.gen++

	pcm := p.drainChunks()
	if len(pcm) == 0 {
		p.state = StateIdle
		return Clip{}, false
	}

	p.state = StateTranscribing
	return Clip{
		Data:     EncodeWAV(pcm, p.format),
		Filename: fmt.Sprintf("recording-%d.wav", gen),
		gen:      p.gen,
	}, true
}

// Transcribe uploads clip. It does not touch pipeline state.
func (p *Pipeline) Transcribe(ctx context.Context, clip Clip) (string, error) {
	return p.transcriber.Transcribe(ctx, clip.Data, clip.Filename)
}

// Settle returns to idle once the upload for clip has completed, whatever
// its result. It reports false when clip was superseded by a release.
func (p *Pipeline) Settle(clip Clip) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if clip.gen != p.gen || p.state != StateTranscribing {
		return false
	}
	p.state = StateIdle
	return true
}

// Release closes any open device and drops in-flight work.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording.Store(0)
	p.closeCaptureLocked()
	p.gen++
	p.resetChunks()
	p.state = StateIdle
}

// State returns the capture state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Open reports whether a capture device handle is held.
func (p *Pipeline) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capture != nil
}

func (p *Pipeline) closeCaptureLocked() {
	if p.capture == nil {
		return
	}
	if err := p.capture.Close(); err != nil {
		p.logger.Warn("close capture device", "err", err)
	}
	p.capture = nil
}

func (p *Pipeline) appendChunk(gen uint64, chunk []byte) {
	if gen != p.recording.Load() {
		return
	}
	p.chunkMu.Lock()
	defer p.chunkMu.Unlock()
	p.chunks = append(p.chunks, append([]byte(nil), chunk...))
	p.size += len(chunk)
}

func (p *Pipeline) drainChunks() []byte {
	p.chunkMu.Lock()
	defer p.chunkMu.Unlock()
	pcm := make([]byte, 0, p.size)
	for _, c := range p.chunks {
		pcm = append(pcm, c...)
	}
	p.chunks = nil
	p.size = 0
	return pcm
}

func (p *Pipeline) resetChunks() {
	p.chunkMu.Lock()
	p.chunks = nil
	p.size = 0
	p.chunkMu.Unlock()
}
