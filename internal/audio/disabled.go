package audio

import (
	"fmt"

	"github.com/AminEdZare/Deep-Fanar/internal/speech"
	"github.com/AminEdZare/Deep-Fanar/internal/voice"
)

// Disabled stands in for both the speaker and the microphone when the
// terminal has no sound hardware or audio was turned off.
type Disabled struct{}

// Open implements speech.Player.
func (Disabled) Open([]byte) (speech.Track, error) {
	return nil, ErrDisabled
}

// DisabledDevice implements voice.Device.
type DisabledDevice struct{}

// Open always fails with voice.ErrUnsupported.
func (DisabledDevice) Open(func([]byte)) (voice.Capture, error) {
	return nil, fmt.Errorf("%w: %w", voice.ErrUnsupported, ErrDisabled)
}

var (
	_ speech.Player = Disabled{}
	_ speech.Player = (*Speaker)(nil)
	_ voice.Device  = DisabledDevice{}
	_ voice.Device  = (*Microphone)(nil)
)
