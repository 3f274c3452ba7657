package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeFrame parses one complete stream line. Any failure, including an
// unknown discriminant, wraps ErrMalformedFrame.
func DecodeFrame(line string) (Frame, error) {
	var f Frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameProgress, FrameFinal, FrameError:
		return f, nil
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
}

// blank reports whether a line carries no content at all. Blank lines are
// skipped without being treated as malformed.
func blank(line string) bool {
	return strings.TrimSpace(line) == ""
}

// excerpt shortens a line for log output.
func excerpt(line string) string {
	const max = 200
	if len(line) <= max {
		return line
	}
	return line[:max] + "…"
}
