package invoke

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// MaxCaptureBytes caps how much of each output stream is kept in memory.
// Bytes past the cap still count as activity, they are just not stored.
const MaxCaptureBytes = 2 << 20

// capBuffer is a size-capped accumulator safe for one writer goroutine plus
// readers after the process has exited.
type capBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := MaxCaptureBytes - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *capBuffer) Replace(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	if len(s) > MaxCaptureBytes {
		s = s[:MaxCaptureBytes]
	}
	b.buf.WriteString(s)
}

// streamEvent is one newline-delimited JSON event from a streaming provider.
type streamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Text    string `json:"text"`
	Name    string `json:"name"`
	Result  string `json:"result"`
}

// streamDecoder consumes provider stdout in streaming-JSON mode. Text events
// land in the stdout buffer, tool calls count as activity only, and a final
// result event replaces everything captured so far. Lines that do not parse
// pass through as raw text.
type streamDecoder struct {
	out      *capBuffer
	onEvent  func()
	haveFin  bool
	finalOut string
}

func newStreamDecoder(out *capBuffer, onEvent func()) *streamDecoder {
	return &streamDecoder{out: out, onEvent: onEvent}
}

func (d *streamDecoder) Line(line string) {
	d.onEvent()
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil || ev.Type == "" {
		d.out.Write([]byte(line + "\n"))
		return
	}

	switch ev.Type {
	case "message":
		text := ev.Content
		if text == "" {
			text = ev.Text
		}
		if text != "" {
			d.out.Write([]byte(text))
		}
	case "tool_call":
		// Activity only; tool chatter is not part of the response.
	case "result":
		text := ev.Result
		if text == "" {
			text = ev.Content
		}
		d.haveFin = true
		d.finalOut = text
	default:
		d.out.Write([]byte(line + "\n"))
	}
}

// Finish applies the final result event, if one arrived.
func (d *streamDecoder) Finish() {
	if d.haveFin {
		d.out.Replace(d.finalOut)
	}
}
