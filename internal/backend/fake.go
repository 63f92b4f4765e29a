package backend

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/audio"
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/memory"
	"github.com/ent0n29/lumen/internal/session"
)

// FakeServer is an in-process stand-in for the lumen backend. It answers
// with the same shapes as the real service: the returned history is the
// request history plus the user and assistant turns, and empty audio is a
// 400 with a detail message. It is used for local development and tests.
type FakeServer struct {
	// Transcribe turns audio into the user's text. The default reports the
	// audio size.
	Transcribe func(audio []byte) string
	// Reply produces the assistant's answer.
	Reply func(userText string, req InteractionRequest) string
	// NoAudio disables synthesized speech in responses.
	NoAudio bool

	logger *zap.Logger

	mu           sync.Mutex
	nextID       int64
	sessionCalls int
	requests     []InteractionRequest
	failures     []fakeFailure
}

type fakeFailure struct {
	status int
	detail any
}

func NewFakeServer(logger *zap.Logger) *FakeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FakeServer{logger: logger, nextID: 1}
}

// FailNext queues a failure for the next /session or /interact call. A nil
// detail produces a body without a detail field.
func (f *FakeServer) FailNext(status int, detail any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fakeFailure{status: status, detail: detail})
}

// Requests returns the interaction requests received so far.
func (f *FakeServer) Requests() []InteractionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InteractionRequest(nil), f.requests...)
}

func (f *FakeServer) SessionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionCalls
}

func (f *FakeServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "lumen fake backend running"})
	})
	r.Post("/session", f.handleSession)
	r.Post("/interact", f.handleInteract)
	return r
}

func (f *FakeServer) popFailure() (fakeFailure, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) == 0 {
		return fakeFailure{}, false
	}
	fail := f.failures[0]
	f.failures = f.failures[1:]
	return fail, true
}

func (f *FakeServer) handleSession(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.sessionCalls++
	f.mu.Unlock()

	if fail, ok := f.popFailure(); ok {
		writeFailure(w, fail)
		return
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.mu.Unlock()

	f.logger.Info("fake session created", zap.Int64("session_id", id))
	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: id})
}

func (f *FakeServer) handleInteract(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req InteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid request body: " + err.Error()})
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if fail, ok := f.popFailure(); ok {
		writeFailure(w, fail)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.AudioB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "could not decode base64 audio"})
		return
	}

	transcribeStart := time.Now()
	userText := f.transcribe(raw)
	transcribeDur := time.Since(transcribeStart)
	if strings.TrimSpace(userText) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "transcription failed or audio was empty"})
		return
	}

	replyStart := time.Now()
	aiText := f.reply(userText, req)
	replyDur := time.Since(replyStart)

	history := make([]session.Message, 0, len(req.ChatHistory)+2)
	history = append(history, req.ChatHistory...)
	history = append(history,
		session.Message{Role: session.RoleUser, Content: userText},
		session.Message{Role: session.RoleAssistant, Content: aiText},
	)

	resp := InteractionResponse{
		AIText:             aiText,
		ExtractedMemory:    extractFacts(userText),
		UpdatedChatHistory: history,
		VocalAnalysisResult: VocalEmotionResult{
			{Label: "neu", Score: 0.72},
			{Label: "hap", Score: 0.18},
			{Label: "sad", Score: 0.06},
			{Label: "ang", Score: 0.04},
		},
	}
	if !f.NoAudio {
		// 100ms of silence stands in for synthesized speech.
		wav, err := audio.EncodeWAVPCM16LE(make([]byte, 3200), 16000)
		if err == nil {
			speech := base64.StdEncoding.EncodeToString(wav)
			resp.AIAudioB64 = &speech
		}
	}
	resp.ProfilingData = map[string]float64{
		"transcription_duration_s":     transcribeDur.Seconds(),
		"llm_response_duration_s":      replyDur.Seconds(),
		"total_interaction_duration_s": time.Since(start).Seconds(),
	}

	f.logger.Info("fake interaction",
		zap.Int64("session_id", req.SessionID),
		zap.Int("history_len", len(history)),
		zap.String("facial", payloadDominant(req.FacialEmotion)),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (f *FakeServer) transcribe(raw []byte) string {
	if f.Transcribe != nil {
		return f.Transcribe(raw)
	}
	if len(raw) <= audio.WAVHeaderSize {
		return ""
	}
	return fmt.Sprintf("(%d bytes of audio)", len(raw))
}

func (f *FakeServer) reply(userText string, req InteractionRequest) string {
	if f.Reply != nil {
		return f.Reply(userText, req)
	}
	if name := req.LongTermMemory.String(memory.FactName); name != "" {
		return fmt.Sprintf("I heard you, %s: %s", name, userText)
	}
	return "I heard you: " + userText
}

var (
	nameFact = regexp.MustCompile(`(?i)\bmy name is ([\p{L}'-]+)`)
	ageFact  = regexp.MustCompile(`(?i)\bI am (\d{1,3}) years old\b`)
	goalFact = regexp.MustCompile(`(?i)\bI want to ([^.!?]+)`)
)

// extractFacts is a tiny pattern-based stand-in for the backend's memory
// extraction.
func extractFacts(text string) memory.LongTermMemory {
	facts := memory.LongTermMemory{}
	if m := nameFact.FindStringSubmatch(text); m != nil {
		facts[memory.FactName] = m[1]
	}
	if m := ageFact.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			facts[memory.FactAge] = float64(n)
		}
	}
	if m := goalFact.FindStringSubmatch(text); m != nil {
		facts[memory.FactGoal] = strings.TrimSpace(m[1])
	}
	return facts
}

func payloadDominant(p *emotion.Payload) string {
	if d := p.Dominant(); d != "" {
		return d
	}
	return "none"
}

func writeFailure(w http.ResponseWriter, fail fakeFailure) {
	body := map[string]any{}
	if fail.detail != nil {
		body["detail"] = fail.detail
	}
	writeJSON(w, fail.status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
