package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/AminEdZare/Deep-Fanar/internal/voice"
)

// Microphone captures 16-bit PCM through miniaudio.
type Microphone struct {
	format voice.Format
	logger *slog.Logger
}

// NewMicrophone returns a capture device for format. Only 16-bit samples are
// supported.
func NewMicrophone(format voice.Format, logger *slog.Logger) *Microphone {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = voice.DefaultFormat
	}
	format.BitsPerSample = 16
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{format: format, logger: logger}
}

// Open starts a capture session. A failure to bring up the audio backend is
// reported as voice.ErrUnsupported; a device that refuses to open or start
// is reported as voice.ErrPermissionDenied.
func (m *Microphone) Open(onData func([]byte)) (voice.Capture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", voice.ErrUnsupported, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(m.format.Channels)
	cfg.SampleRate = uint32(m.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) > 0 {
				onData(input)
			}
		},
	})
	if err != nil {
		freeContext(mctx)
		return nil, fmt.Errorf("%w: %w", voice.ErrPermissionDenied, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return nil, fmt.Errorf("%w: %w", voice.ErrPermissionDenied, err)
	}

	m.logger.Debug("microphone opened", "sample_rate", m.format.SampleRate, "channels", m.format.Channels)
	return &capture{ctx: mctx, device: device, logger: m.logger}, nil
}

type capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	logger *slog.Logger

	once sync.Once
	err  error
}

// Close stops the device and frees the context. Safe to call more than once.
func (c *capture) Close() error {
	c.once.Do(func() {
		c.err = c.device.Stop()
		c.device.Uninit()
		freeContext(c.ctx)
		c.logger.Debug("microphone closed")
	})
	return c.err
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}
