package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned for payloads the speaker cannot play.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// PCM is signed 16-bit little-endian interleaved audio.
type PCM struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// DecodeWAV extracts the PCM payload from a RIFF/WAVE file. Only 16-bit
// integer PCM is accepted; unknown chunks are skipped.
func DecodeWAV(b []byte) (PCM, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return PCM{}, fmt.Errorf("%w: not a RIFF/WAVE payload", ErrUnsupportedFormat)
	}

	var (
		out     PCM
		haveFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(b) || end < body {
			// Streaming encoders often write a placeholder size for data.
			if id == "data" {
				end = len(b)
			} else {
				return PCM{}, fmt.Errorf("%w: truncated %q chunk", ErrUnsupportedFormat, id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			channels := int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			rate := int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			bits := int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE; we still only take 16-bit ints.
			if (format != 1 && format != 0xFFFE) || bits != 16 {
				return PCM{}, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedFormat, format, bits)
			}
			if channels < 1 || channels > 2 || rate <= 0 {
				return PCM{}, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, channels, rate)
			}
			out.SampleRate = rate
			out.Channels = channels
			haveFmt = true
		case "data":
			if !haveFmt {
				return PCM{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedFormat)
			}
			data := b[body:end]
			out.Data = data[:len(data)-len(data)%(2*out.Channels)]
			return out, nil
		}

		off = end + size%2 // chunks are word aligned
	}
	return PCM{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
}

// Convert resamples and remixes p to the given rate and channel count using
// linear interpolation. It returns p unchanged when nothing differs.
func Convert(p PCM, rate, channels int) PCM {
	if p.SampleRate == rate && p.Channels == channels {
		return p
	}

	in := samples(p)
	frames := len(in) / p.Channels
	if frames == 0 {
		return PCM{SampleRate: rate, Channels: channels}
	}

	outFrames := int(int64(frames) * int64(rate) / int64(p.SampleRate))
	out := make([]byte, 0, outFrames*channels*2)
	step := float64(p.SampleRate) / float64(rate)

	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		k := j + 1
		if k >= frames {
			k = frames - 1
		}
		for c := 0; c < channels; c++ {
			src := c
			if src >= p.Channels {
				src = p.Channels - 1
			}
			var v float64
			if channels == 1 && p.Channels == 2 {
				a := (float64(in[j*2]) + float64(in[j*2+1])) / 2
				b := (float64(in[k*2]) + float64(in[k*2+1])) / 2
				v = a + (b-a)*frac
			} else {
				a := float64(in[j*p.Channels+src])
				b := float64(in[k*p.Channels+src])
				v = a + (b-a)*frac
			}
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
		}
	}
	return PCM{SampleRate: rate, Channels: channels, Data: out}
}

func samples(p PCM) []int16 {
	s := make([]int16, len(p.Data)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(p.Data[i*2:]))
	}
	return s
}
