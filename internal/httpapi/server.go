package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/config"
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/memory"
	"github.com/ent0n29/lumen/internal/observability"
	"github.com/ent0n29/lumen/internal/session"
	"github.com/ent0n29/lumen/internal/voice"
)

// Conversation is the turn-taking surface driven by the API.
type Conversation interface {
	Snapshot() voice.Snapshot
	SetMicEnabled(enabled bool)
	StopAndSubmit(ctx context.Context) (voice.Result, error)
	RestartCapture() (int, error)
}

// Pinger reports whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server exposes. Only Conversation and Store
// are required.
type Deps struct {
	Conversation Conversation
	Store        *session.Store
	Emotion      func() *emotion.Payload
	Backend      Pinger
	Hub          *Hub
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

type Server struct {
	cfg          config.Config
	conversation Conversation
	store        *session.Store
	emotion      func() *emotion.Payload
	backend      Pinger
	hub          *Hub
	metrics      *observability.Metrics
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Metrics)
	}
	emotionSource := deps.Emotion
	if emotionSource == nil {
		emotionSource = func() *emotion.Payload { return nil }
	}
	return &Server{
		cfg:          cfg,
		conversation: deps.Conversation,
		store:        deps.Store,
		emotion:      emotionSource,
		backend:      deps.Backend,
		hub:          hub,
		metrics:      deps.Metrics,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/state", s.handleState)
	r.Post("/v1/mic", s.handleMic)
	r.Post("/v1/turn/submit", s.handleSubmit)
	r.Post("/v1/turn/restart", s.handleRestart)
	r.Get("/v1/history", s.handleHistory)
	r.Get("/v1/memory", s.handleMemory)
	r.Post("/v1/conversation/reset", s.handleReset)
	r.Get("/v1/voices", s.handleListVoices)
	r.Put("/v1/voice", s.handleSelectVoice)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)
	r.Get("/v1/events", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, hasSession := s.store.SessionID()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"has_session": hasSession,
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.store.SessionID(); !ok {
		respondError(w, http.StatusServiceUnavailable, "no_session", voice.ErrNoSession.Error())
		return
	}
	if s.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.backend.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "backend_unreachable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type stateResponse struct {
	voice.Snapshot
	SessionID    *int64              `json:"session_id"`
	Emotion      *emotion.Payload    `json:"emotion"`
	VocalEmotion emotion.VocalResult `json:"vocal_emotion"`
	Voice        string              `json:"voice"`
}

func (s *Server) currentState() stateResponse {
	st := s.store.Snapshot()
	out := stateResponse{
		Snapshot:     s.conversation.Snapshot(),
		Emotion:      s.emotion(),
		VocalEmotion: st.VocalEmotion,
		Voice:        st.Voice,
	}
	if st.HasSession {
		id := st.SessionID
		out.SessionID = &id
	}
	return out
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.currentState())
}

type micRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleMic(w http.ResponseWriter, r *http.Request) {
	var req micRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	s.conversation.SetMicEnabled(*req.Enabled)
	respondJSON(w, http.StatusOK, s.conversation.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// The turn outlives an impatient client; the pipeline bounds it with its own timeout.
	res, err := s.conversation.StopAndSubmit(context.WithoutCancel(r.Context()))
	if err != nil {
		status, code := submitErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	discarded, err := s.conversation.RestartCapture()
	if err != nil {
		if errors.Is(err, voice.ErrNotListening) {
			respondError(w, http.StatusConflict, "not_listening", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "microphone_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"discarded_bytes": discarded})
}

func submitErrorStatus(err error) (int, string) {
	var ie *voice.InteractionError
	switch {
	case errors.Is(err, voice.ErrNotListening):
		return http.StatusConflict, "not_listening"
	case errors.Is(err, voice.ErrInteractionInFlight):
		return http.StatusConflict, "interaction_in_flight"
	case errors.Is(err, voice.ErrEmptyAudio):
		return http.StatusUnprocessableEntity, "empty_audio"
	case errors.Is(err, voice.ErrNoSession):
		return http.StatusServiceUnavailable, "no_session"
	case errors.As(err, &ie):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "interaction_timeout"
		}
		return http.StatusBadGateway, "interaction_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"history": s.store.History()})
}

type memoryResponse struct {
	Memory  memory.LongTermMemory `json:"memory"`
	Summary string                `json:"summary"`
}

func (s *Server) handleMemory(w http.ResponseWriter, _ *http.Request) {
	m := s.store.Memory()
	respondJSON(w, http.StatusOK, memoryResponse{Memory: m, Summary: m.Summary()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.resetConversation(r.Context()); err != nil {
		if errors.Is(err, voice.ErrInteractionInFlight) {
			respondError(w, http.StatusConflict, "interaction_in_flight", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

// resetConversation clears history and memory. It is refused while a turn is
// outstanding, since the turn would write its answer back afterwards.
func (s *Server) resetConversation(ctx context.Context) error {
	flags := s.conversation.Snapshot().Flags
	if flags.Processing || flags.Submitting {
		return voice.ErrInteractionInFlight
	}
	return s.store.Reset(ctx)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.TurnStageSnapshot())
}

func (s *Server) handleResetPerfLatency(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetTurnStages()
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
