package stream

import "strings"

// DefaultEvent is the event name of a frame without an event line.
const DefaultEvent = "message"

// Frame is one complete event-stream frame.
type Frame struct {
	Event string
	Data  string
}

// FrameDecoder turns arbitrary chunks of an event stream into frames. Bytes
// after the last blank line are buffered until the frame is terminated.
type FrameDecoder struct {
	buf strings.Builder
}

// Feed appends chunk and returns every frame it completed, in order.
func (d *FrameDecoder) Feed(chunk []byte) []Frame {
	d.buf.Write(chunk)
	pending := strings.ReplaceAll(d.buf.String(), "\r\n", "\n")

	var frames []Frame
	for {
		i := strings.Index(pending, "\n\n")
		if i < 0 {
			break
		}
		if f, ok := parseFrame(pending[:i]); ok {
			frames = append(frames, f)
		}
		pending = pending[i+2:]
	}

	d.buf.Reset()
	d.buf.WriteString(pending)
	return frames
}

// Pending reports whether an unterminated frame is buffered.
func (d *FrameDecoder) Pending() bool {
	return strings.TrimSpace(d.buf.String()) != ""
}

func parseFrame(block string) (Frame, bool) {
	f := Frame{Event: DefaultEvent}
	var data []string
	seen := false
	for _, line := range strings.Split(block, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			if v := strings.TrimSpace(value); v != "" {
				f.Event = v
			}
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	f.Data = strings.Join(data, "\n")
	return f, seen
}
