package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/lumen/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
	// onEvent, when set, runs for every published event.
	onEvent func(protocol.Event)
}

func (s *recordingSink) Publish(ev protocol.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *recordingSink) ofType(t protocol.MessageType) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Event
	for _, ev := range s.events {
		if ev.MessageType() == t {
			out = append(out, ev)
		}
	}
	return out
}

type hookCall struct {
	name  string
	value bool
}

type recordingHooks struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *recordingHooks) SetProcessing(v bool) { h.record("processing", v) }
func (h *recordingHooks) SetAISpeaking(v bool) { h.record("speaking", v) }

func (h *recordingHooks) record(name string, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{name: name, value: v})
}

func (h *recordingHooks) snapshot() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.calls...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
