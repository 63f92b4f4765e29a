package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lumen/internal/config"
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/kvstore"
	"github.com/ent0n29/lumen/internal/memory"
	"github.com/ent0n29/lumen/internal/observability"
	"github.com/ent0n29/lumen/internal/protocol"
	"github.com/ent0n29/lumen/internal/session"
	"github.com/ent0n29/lumen/internal/voice"
)

type fakeConversation struct {
	mu         sync.Mutex
	snap       voice.Snapshot
	mic        []bool
	submits    int
	result     voice.Result
	submitErr  error
	restartErr error
}

func (c *fakeConversation) Snapshot() voice.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *fakeConversation) SetMicEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mic = append(c.mic, enabled)
	c.snap.Flags.MicEnabled = enabled
}

func (c *fakeConversation) StopAndSubmit(context.Context) (voice.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	return c.result, c.submitErr
}

func (c *fakeConversation) RestartCapture() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restartErr != nil {
		return 0, c.restartErr
	}
	return 128, nil
}

func (c *fakeConversation) set(fn func(c *fakeConversation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeConversation) micCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.mic...)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type testRig struct {
	conv  *fakeConversation
	kv    *kvstore.InMemoryStore
	store *session.Store
	hub   *Hub
	ts    *httptest.Server
}

func newTestRig(t *testing.T, cfg config.Config, deps Deps) *testRig {
	t.Helper()
	r := &testRig{
		conv: &fakeConversation{snap: voice.Snapshot{State: voice.StateListening, Flags: voice.Flags{MicEnabled: true, Capturing: true}}},
		kv:   kvstore.NewInMemoryStore(),
	}
	r.store = session.NewStore(r.kv, session.WithDefaultVoice("sarah"))
	t.Cleanup(func() { _ = r.store.Close(context.Background()) })

	metrics := observability.NewMetrics("test_httpapi")
	r.hub = NewHub(metrics)
	deps.Conversation = r.conv
	deps.Store = r.store
	deps.Hub = r.hub
	deps.Metrics = metrics
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "sarah"
	}
	r.ts = httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(r.ts.Close)
	return r
}

func (r *testRig) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, r.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest(%s %s) error = %v", method, path, err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestReadyRequiresSessionAndBackend(t *testing.T) {
	pinger := &fakePinger{}
	r := newTestRig(t, config.Config{}, Deps{Backend: pinger})

	res, body := r.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusServiceUnavailable || body["code"] != "no_session" {
		t.Fatalf("readyz without session = %d %v", res.StatusCode, body)
	}

	if err := r.store.SetSessionID(7); err != nil {
		t.Fatalf("SetSessionID() error = %v", err)
	}
	res, _ = r.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", res.StatusCode)
	}

	pinger.err = errors.New("connection refused")
	res, body = r.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusServiceUnavailable || body["code"] != "backend_unreachable" {
		t.Fatalf("readyz with backend down = %d %v", res.StatusCode, body)
	}

	res, body = r.do(t, http.MethodGet, "/healthz", nil)
	if res.StatusCode != http.StatusOK || body["has_session"] != true {
		t.Fatalf("healthz = %d %v", res.StatusCode, body)
	}
}

func TestStateIncludesSessionAndEmotion(t *testing.T) {
	label := "happy"
	happy := &emotion.Payload{StableDominantEmotion: &label, AverageScores: map[string]float64{"happy": 0.9}}
	r := newTestRig(t, config.Config{}, Deps{Emotion: func() *emotion.Payload { return happy }})
	_ = r.store.SetSessionID(42)
	r.store.SetVocalEmotion(emotion.VocalResult{{Label: "neu", Score: 0.7}})

	res, body := r.do(t, http.MethodGet, "/v1/state", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", res.StatusCode)
	}
	if body["state"] != "listening" || body["session_id"] != float64(42) || body["voice"] != "sarah" {
		t.Fatalf("state body = %v", body)
	}
	em, _ := body["emotion"].(map[string]any)
	if em["stable_dominant_emotion"] != "happy" {
		t.Fatalf("emotion = %v, want happy", body["emotion"])
	}
	vocal, _ := body["vocal_emotion"].([]any)
	if len(vocal) != 1 {
		t.Fatalf("vocal_emotion = %v", body["vocal_emotion"])
	}
}

func TestMicToggle(t *testing.T) {
	r := newTestRig(t, config.Config{}, Deps{})

	res, _ := r.do(t, http.MethodPost, "/v1/mic", map[string]any{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("mic without enabled status = %d, want 400", res.StatusCode)
	}
	res, body := r.do(t, http.MethodPost, "/v1/mic", map[string]any{"enabled": false})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mic status = %d", res.StatusCode)
	}
	flags, _ := body["flags"].(map[string]any)
	if flags["mic_enabled"] != false {
		t.Fatalf("mic body = %v", body)
	}
	if got := r.conv.micCalls(); len(got) != 1 || got[0] {
		t.Fatalf("mic calls = %v, want [false]", got)
	}
}

func TestSubmitMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not listening", voice.ErrNotListening, http.StatusConflict, "not_listening"},
		{"empty audio", voice.ErrEmptyAudio, http.StatusUnprocessableEntity, "empty_audio"},
		{"no session", voice.ErrNoSession, http.StatusServiceUnavailable, "no_session"},
		{"backend status", &voice.InteractionError{StatusCode: 500, Message: "backend overloaded"}, http.StatusBadGateway, "interaction_failed"},
		{"timeout", &voice.InteractionError{Message: "failed to process interaction", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "interaction_timeout"},
	}
	for _, tc := range cases {
		r := newTestRig(t, config.Config{}, Deps{})
		r.conv.submitErr = tc.err
		res, body := r.do(t, http.MethodPost, "/v1/turn/submit", nil)
		if res.StatusCode != tc.status || body["code"] != tc.code {
			t.Fatalf("%s: submit = %d %v, want %d %s", tc.name, res.StatusCode, body, tc.status, tc.code)
		}
	}

	r := newTestRig(t, config.Config{}, Deps{})
	r.conv.result = voice.Result{TurnID: "t-1", AIText: "hola"}
	res, body := r.do(t, http.MethodPost, "/v1/turn/submit", nil)
	if res.StatusCode != http.StatusOK || body["turn_id"] != "t-1" || body["ai_text"] != "hola" {
		t.Fatalf("submit = %d %v", res.StatusCode, body)
	}
}

func TestRestartCapture(t *testing.T) {
	r := newTestRig(t, config.Config{}, Deps{})
	res, body := r.do(t, http.MethodPost, "/v1/turn/restart", nil)
	if res.StatusCode != http.StatusOK || body["discarded_bytes"] != float64(128) {
		t.Fatalf("restart = %d %v", res.StatusCode, body)
	}
	r.conv.set(func(c *fakeConversation) { c.restartErr = voice.ErrNotListening })
	res, _ = r.do(t, http.MethodPost, "/v1/turn/restart", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("restart while idle status = %d, want 409", res.StatusCode)
	}
}

func TestResetClearsConversation(t *testing.T) {
	ctx := context.Background()
	r := newTestRig(t, config.Config{}, Deps{})
	r.store.ApplyTurn(session.TurnUpdate{
		History:        []session.Message{{Role: session.RoleUser, Content: "hola"}, {Role: session.RoleAssistant, Content: "hola!"}},
		MemoryFragment: memory.LongTermMemory{memory.FactName: "Alex"},
	})

	res, body := r.do(t, http.MethodGet, "/v1/memory", nil)
	if res.StatusCode != http.StatusOK || body["summary"] != "name=Alex" {
		t.Fatalf("memory = %d %v", res.StatusCode, body)
	}

	r.conv.set(func(c *fakeConversation) { c.snap.Flags.Processing = true })
	res, _ = r.do(t, http.MethodPost, "/v1/conversation/reset", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("reset during turn status = %d, want 409", res.StatusCode)
	}
	r.conv.set(func(c *fakeConversation) { c.snap.Flags.Processing = false })

	res, _ = r.do(t, http.MethodPost, "/v1/conversation/reset", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", res.StatusCode)
	}
	_, body = r.do(t, http.MethodGet, "/v1/history", nil)
	if h, _ := body["history"].([]any); len(h) != 0 {
		t.Fatalf("history after reset = %v", body["history"])
	}
	for _, key := range []string{session.KeyMessages, session.KeyMemory} {
		if _, ok, _ := r.kv.Get(ctx, key); ok {
			t.Fatalf("%s still persisted after reset", key)
		}
	}
}

func TestVoiceSelectionPersists(t *testing.T) {
	r := newTestRig(t, config.Config{}, Deps{})

	_, body := r.do(t, http.MethodGet, "/v1/voices", nil)
	if body["default_voice_id"] != "sarah" || body["selected_voice_id"] != "sarah" {
		t.Fatalf("voices = %v", body)
	}
	if v, _ := body["voices"].([]any); len(v) != len(voiceCatalog) {
		t.Fatalf("voices listed = %d, want %d", len(v), len(voiceCatalog))
	}

	res, _ := r.do(t, http.MethodPut, "/v1/voice", map[string]string{"voice_id": "nobody"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown voice status = %d, want 404", res.StatusCode)
	}
	res, _ = r.do(t, http.MethodPut, "/v1/voice", map[string]string{"voice_id": "Alex"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select voice status = %d", res.StatusCode)
	}
	if err := r.store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if v, ok, _ := r.kv.Get(context.Background(), session.KeyVoice); !ok || v != "alex" {
		t.Fatalf("persisted voice = %q (%v), want alex", v, ok)
	}
}

func TestPerfLatencyAndMetrics(t *testing.T) {
	r := newTestRig(t, config.Config{}, Deps{})

	res, body := r.do(t, http.MethodGet, "/v1/perf/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", res.StatusCode)
	}
	if _, ok := body["stages"]; !ok {
		t.Fatalf("perf body = %v, want stages", body)
	}
	res, _ = r.do(t, http.MethodDelete, "/v1/perf/latency", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("perf reset status = %d, want 204", res.StatusCode)
	}

	mres, err := http.Get(r.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer mres.Body.Close()
	data, _ := io.ReadAll(mres.Body)
	if mres.StatusCode != http.StatusOK || !strings.Contains(string(data), "go_goroutines") {
		t.Fatalf("metrics = %d, missing runtime collectors", mres.StatusCode)
	}
}

func dialEvents(t *testing.T, r *testRig, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestEventStream(t *testing.T) {
	r := newTestRig(t, config.Config{}, Deps{})
	conn := dialEvents(t, r, nil)

	first := readEvent(t, conn)
	if first["type"] != "state_changed" || first["state"] != "listening" || first["event_id"] == "" {
		t.Fatalf("first event = %v, want current state", first)
	}
	second := readEvent(t, conn)
	if second["type"] != "emotion_update" || second["emotion"] != nil {
		t.Fatalf("second event = %v, want null emotion", second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.hub.Publish(protocol.AssistantText{Header: protocol.NewHeader(protocol.TypeAssistantText), TurnID: "t-1", Text: "hola"})
	ev := readEvent(t, conn)
	if ev["type"] != "assistant_text" || ev["text"] != "hola" {
		t.Fatalf("published event = %v", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "mic_off"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	for len(r.conv.micCalls()) == 0 && time.Now().Before(deadline.Add(time.Second)) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.conv.micCalls(); len(got) != 1 || got[0] {
		t.Fatalf("mic calls = %v, want [false]", got)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "dance"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ev = readEvent(t, conn)
	if ev["type"] != "error_event" || ev["code"] != "invalid_client_message" {
		t.Fatalf("reply to bad action = %v", ev)
	}

	r.conv.set(func(c *fakeConversation) { c.submitErr = voice.ErrNotListening })
	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "submit"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ev = readEvent(t, conn)
	if ev["type"] != "error_event" || ev["code"] != "not_listening" {
		t.Fatalf("reply to submit while idle = %v", ev)
	}
}

func TestEventStreamRejectsCrossOrigin(t *testing.T) {
	r := newTestRig(t, config.Config{}, Deps{})
	url := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/v1/events"
	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatalf("Dial() from foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}

	open := newTestRig(t, config.Config{AllowAnyOrigin: true}, Deps{})
	conn := dialEvents(t, open, http.Header{"Origin": {"http://evil.example"}})
	if ev := readEvent(t, conn); ev["type"] != "state_changed" {
		t.Fatalf("first event = %v", ev)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(nil)
	events, unsubscribe := hub.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(protocol.NewErrorEvent("test", "x", "y", false))
	}
	if len(events) != subscriberBuffer {
		t.Fatalf("buffered events = %d, want %d", len(events), subscriberBuffer)
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", hub.Subscribers())
	}
	unsubscribe()
	unsubscribe()
	if hub.Subscribers() != 0 {
		t.Fatalf("Subscribers() after unsubscribe = %d, want 0", hub.Subscribers())
	}
	// Publishing with no subscribers is a no-op.
	hub.Publish(protocol.NewErrorEvent("test", "x", "y", false))
}
