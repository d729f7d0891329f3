package translate

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

// sseDone is the Chat Completions end-of-stream sentinel.
const sseDone = "[DONE]"

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// IsDone reports whether the event is the OpenAI [DONE] sentinel.
func (e SSEEvent) IsDone() bool { return strings.TrimSpace(e.Data) == sseDone }

// SSEReader yields events from an upstream SSE body. Multiple data: lines
// within one event are joined with newlines per the SSE spec; comment lines
// (leading colon) are skipped.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r; the buffer is sized for large tool-argument deltas.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &SSEReader{scanner: sc}
}

// Next returns the next complete event, or io.EOF when the body ends.
func (r *SSEReader) Next() (SSEEvent, error) {
	var ev SSEEvent
	var data []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(data) > 0 || ev.Event != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, err
	}
	if len(data) > 0 || ev.Event != "" {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return SSEEvent{}, io.EOF
}

// SSEWriter frames events toward the client and flushes after each one.
// Safe for concurrent use so a keepalive ticker can share it with the
// translation loop. Detach swaps the sink mid-stream on client disconnect.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher interface{ Flush() }
}

// NewSSEWriter builds a writer; flusher may be nil for buffered sinks.
func NewSSEWriter(w io.Writer, flusher interface{ Flush() }) *SSEWriter {
	return &SSEWriter{w: w, flusher: flusher}
}

// Detach replaces the sink with io.Discard. Later writes succeed silently so
// the translation loop can keep parsing upstream for its usage tail.
func (w *SSEWriter) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w = io.Discard
	w.flusher = nil
}

// WriteEvent writes an event with an explicit event: field (Anthropic and
// Responses framing).
func (w *SSEWriter) WriteEvent(event string, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", event)
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return w.writeRaw(buf.Bytes())
}

// WriteData writes a bare data: event (Chat Completions framing).
func (w *SSEWriter) WriteData(data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return w.writeRaw(buf.Bytes())
}

// WriteDone writes the [DONE] sentinel.
func (w *SSEWriter) WriteDone() error {
	return w.WriteData([]byte(sseDone))
}

// WritePing writes an SSE comment used as a keepalive.
func (w *SSEWriter) WritePing() error {
	return w.writeRaw([]byte(": ping\n\n"))
}

func (w *SSEWriter) writeRaw(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
