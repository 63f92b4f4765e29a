package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lumen/internal/protocol"
)

func TestEventsURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8765":     "ws://127.0.0.1:8765/v1/events",
		"https://lumen.local/base/":   "wss://lumen.local/base/v1/events",
	}
	for in, want := range cases {
		got, err := eventsURL(in)
		if err != nil {
			t.Fatalf("eventsURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("eventsURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := eventsURL("ftp://host"); err == nil {
		t.Fatalf("eventsURL() accepted an ftp url")
	}
	if _, err := eventsURL("http://"); err == nil {
		t.Fatalf("eventsURL() accepted a url without host")
	}
}

func TestPercentileMs(t *testing.T) {
	samples := []time.Duration{
		40 * time.Millisecond,
		10 * time.Millisecond,
		30 * time.Millisecond,
		20 * time.Millisecond,
	}
	if got := percentileMs(samples, 0.50); got != 20 {
		t.Fatalf("p50 = %v, want 20", got)
	}
	if got := percentileMs(samples, 0.95); got != 40 {
		t.Fatalf("p95 = %v, want 40", got)
	}
	if got := percentileMs(nil, 0.5); got != 0 {
		t.Fatalf("p50 of nothing = %v, want 0", got)
	}
	if samples[0] != 40*time.Millisecond {
		t.Fatalf("percentileMs reordered its input")
	}
}

// scriptedLumen answers every submit with a reply, or with an error for the
// turns listed in failTurns.
func scriptedLumen(t *testing.T, failTurns map[int]bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		state := func(s string) protocol.StateChanged {
			return protocol.StateChanged{Header: protocol.NewHeader(protocol.TypeStateChanged), State: s}
		}
		_ = conn.WriteJSON(state("listening"))
		turn := 0
		for {
			var msg protocol.ClientControl
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Action != protocol.ActionSubmit {
				continue
			}
			turn++
			_ = conn.WriteJSON(state("processing"))
			if failTurns[turn] {
				_ = conn.WriteJSON(protocol.NewErrorEvent("backend", "interaction_failed", "HTTP 500", true))
			} else {
				_ = conn.WriteJSON(protocol.AssistantText{Header: protocol.NewHeader(protocol.TypeAssistantText), TurnID: "t", Text: "hola"})
				_ = conn.WriteJSON(state("speaking"))
			}
			_ = conn.WriteJSON(state("listening"))
		}
	}))
}

func TestBenchTurns(t *testing.T) {
	srv := scriptedLumen(t, map[int]bool{2: true})
	defer srv.Close()

	wsURL, err := eventsURL(srv.URL)
	if err != nil {
		t.Fatalf("eventsURL() error = %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	report, err := benchTurns(context.Background(), conn, benchOptions{
		turns:       3,
		listen:      10 * time.Millisecond,
		turnTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("benchTurns() error = %v", err)
	}
	if report.Turns != 3 || report.Completed != 2 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 2 completed and 1 failed", report)
	}
	if !strings.HasPrefix(report.LastErrorMsg, "interaction_failed") {
		t.Fatalf("last error = %q", report.LastErrorMsg)
	}
	if report.ReplyP95Ms < report.ReplyP50Ms {
		t.Fatalf("p95 %v < p50 %v", report.ReplyP95Ms, report.ReplyP50Ms)
	}
}

func TestBenchTurnsTimesOut(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL, _ := eventsURL(srv.URL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	report, err := benchTurns(context.Background(), conn, benchOptions{turns: 1, turnTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("benchTurns() error = %v", err)
	}
	if report.Failed != 1 || report.LastErrorMsg != "turn 1 timed out" {
		t.Fatalf("report = %+v, want one timed out turn", report)
	}
}
