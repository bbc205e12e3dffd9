// Package logbus is the log broadcast bus: a process-wide, multi-subscriber
// fan-out of one deploy's line-by-line output over Server-Sent Events.
// There is no buffering and no retry — a subscriber whose write fails is
// dropped immediately.
package logbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Frame is one SSE event. Type is one of "log", "complete", "drain",
// "error".
type Frame struct {
	Type    string `json:"type"`
	Line    string `json:"line,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// subscriber wraps one connected client's response writer.
type subscriber struct {
	id string
	w  http.ResponseWriter
	f  http.Flusher
}

// Bus is the process-wide SSE fan-out singleton. Its lifetime equals the
// process lifetime.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers w as a new subscriber. Callers must have already
// set the SSE response headers (via Prepare) before calling this.
// The returned unsubscribe function must be deferred by the handler.
func (b *Bus) Subscribe(w http.ResponseWriter) (id string, unsubscribe func(), ok bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return "", func() {}, false
	}
	id = uuid.NewString()
	sub := &subscriber{id: id, w: w, f: f}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return id, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, true
}

// Prepare sets the response headers required for an SSE stream.
func Prepare(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// BroadcastLine sends a log-line frame to every subscriber, dropping any
// subscriber whose write fails.
func (b *Bus) BroadcastLine(line string) {
	b.broadcast(Frame{Type: "log", Line: line})
}

// BroadcastComplete sends a completion frame to every subscriber.
func (b *Bus) BroadcastComplete(success bool, errMsg string) {
	b.broadcast(Frame{Type: "complete", Success: success, Error: errMsg})
}

func (b *Bus) broadcast(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	data := append([]byte("data: "), payload...)
	data = append(data, '\n', '\n')

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	var dead []string
	for _, s := range targets {
		if _, err := s.w.Write(data); err != nil {
			dead = append(dead, s.id)
			continue
		}
		s.f.Flush()
	}

	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range dead {
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// ClientCount returns the number of currently connected subscribers.
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// WriteFrame is a helper for ad-hoc event kinds not covered by the
// broadcast helpers above (e.g. the graceful-drain SSE stream, which is
// per-request rather than fanned out through the bus).
func WriteFrame(w http.ResponseWriter, f http.Flusher, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("logbus: encode frame: %w", err)
	}
	if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
		return err
	}
	f.Flush()
	return nil
}
