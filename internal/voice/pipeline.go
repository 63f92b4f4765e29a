package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/audio"
	"github.com/ent0n29/lumen/internal/backend"
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/memory"
	"github.com/ent0n29/lumen/internal/observability"
	"github.com/ent0n29/lumen/internal/policy"
	"github.com/ent0n29/lumen/internal/protocol"
	"github.com/ent0n29/lumen/internal/session"
)

const defaultInteractionTimeout = 60 * time.Second

// Result describes a completed turn.
type Result struct {
	TurnID   string                `json:"turn_id"`
	AIText   string                `json:"ai_text"`
	History  []session.Message     `json:"history"`
	Memory   memory.LongTermMemory `json:"memory"`
	HasAudio bool                  `json:"has_audio"`
}

type PipelineOption func(*Pipeline)

func WithInteractionTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithPlayer(player Player) PipelineOption {
	return func(p *Pipeline) {
		if player != nil {
			p.player = player
		}
	}
}

func WithEventSink(sink EventSink) PipelineOption {
	return func(p *Pipeline) {
		if sink != nil {
			p.sink = sink
		}
	}
}

func WithMetrics(m *observability.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline runs one interaction turn at a time: it sends the captured audio
// with the current context to the backend, folds the answer into the session
// store and starts playback of the synthesized reply.
type Pipeline struct {
	backend Backend
	store   *session.Store
	player  Player
	sink    EventSink
	metrics *observability.Metrics
	logger  *zap.Logger
	timeout time.Duration

	hooksMu sync.RWMutex
	hooks   TurnHooks

	inFlight atomic.Bool

	// Playback outlives the request that started it.
	playCtx    context.Context
	playCancel context.CancelFunc
	playMu     sync.Mutex
	playStop   context.CancelFunc
	playGen    uint64
	playWG     sync.WaitGroup
}

func NewPipeline(b Backend, store *session.Store, opts ...PipelineOption) *Pipeline {
	playCtx, playCancel := context.WithCancel(context.Background())
	p := &Pipeline{
		backend:    b,
		store:      store,
		player:     NullPlayer{},
		sink:       nopSink{},
		logger:     zap.NewNop(),
		timeout:    defaultInteractionTimeout,
		hooks:      nopHooks{},
		playCtx:    playCtx,
		playCancel: playCancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetHooks connects the pipeline to the turn-taking controller.
func (p *Pipeline) SetHooks(h TurnHooks) {
	if h == nil {
		h = nopHooks{}
	}
	p.hooksMu.Lock()
	p.hooks = h
	p.hooksMu.Unlock()
}

func (p *Pipeline) turnHooks() TurnHooks {
	p.hooksMu.RLock()
	defer p.hooksMu.RUnlock()
	return p.hooks
}

// InFlight reports whether an interaction is outstanding.
func (p *Pipeline) InFlight() bool { return p.inFlight.Load() }

// Run executes one turn. facial may be nil, in which case a neutral
// placeholder is sent. On failure the session store is left untouched.
func (p *Pipeline) Run(ctx context.Context, blob audio.Blob, facial *emotion.Payload) (Result, error) {
	sessionID, ok := p.store.SessionID()
	if !ok {
		p.metrics.ObserveTurn("rejected")
		return Result{}, ErrNoSession
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.ObserveTurn("rejected")
		return Result{}, ErrInteractionInFlight
	}
	defer p.inFlight.Store(false)

	hooks := p.turnHooks()
	hooks.SetProcessing(true)
	defer hooks.SetProcessing(false)

	turnID := uuid.NewString()
	logger := p.logger.With(zap.String("turn_id", turnID), zap.Int64("session_id", sessionID))
	turnStart := time.Now()

	encodeStart := time.Now()
	audioB64 := base64.StdEncoding.EncodeToString(blob.Data)
	p.metrics.ObserveTurnStage("encode", time.Since(encodeStart))

	if facial == nil {
		facial = emotion.Neutral()
	}
	snap := p.store.Snapshot()
	req := backend.InteractionRequest{
		SessionID:      sessionID,
		AudioB64:       audioB64,
		FacialEmotion:  facial,
		ChatHistory:    snap.History,
		LongTermMemory: snap.Memory,
	}
	logger.Info("interaction started",
		zap.Int("audio_bytes", blob.Size()),
		zap.String("facial_emotion", facial.Dominant()),
		zap.Int("history_len", len(snap.History)),
	)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	roundTripStart := time.Now()
	resp, err := p.backend.Interact(callCtx, req)
	roundTrip := time.Since(roundTripStart)
	p.metrics.ObserveTurnStage("round_trip", roundTrip)
	if err != nil {
		return Result{TurnID: turnID}, p.fail(logger, turnID, err)
	}
	p.metrics.ObserveInteractionLatency(roundTrip)

	foldStart := time.Now()
	st := p.store.ApplyTurn(session.TurnUpdate{
		History:        resp.UpdatedChatHistory,
		MemoryFragment: resp.ExtractedMemory,
		VocalEmotion:   resp.VocalAnalysisResult,
	})
	p.metrics.ObserveTurnStage("fold", time.Since(foldStart))

	p.sink.Publish(protocol.AssistantText{
		Header: protocol.NewHeader(protocol.TypeAssistantText),
		TurnID: turnID,
		Text:   resp.AIText,
	})

	hasAudio := false
	if resp.HasAudio() {
		speech, err := base64.StdEncoding.DecodeString(*resp.AIAudioB64)
		if err != nil {
			logger.Warn("discarding undecodable synthesized audio", zap.Error(err))
		} else {
			hasAudio = true
			mimeType := sniffAudioMIME(speech)
			p.sink.Publish(protocol.AssistantAudio{
				Header:  protocol.NewHeader(protocol.TypeAssistantAudio),
				TurnID:  turnID,
				Format:  mimeType,
				DataURI: audio.DataURI(mimeType, speech),
			})
			p.startPlayback(logger, hooks, speech, mimeType)
		}
	}

	p.metrics.ObserveTurnStage("turn_total", time.Since(turnStart))
	p.metrics.ObserveTurn("ok")

	fields := []zap.Field{
		zap.Duration("round_trip", roundTrip),
		zap.Int("history_len", len(st.History)),
		zap.Int("memory_facts", len(st.Memory)),
		zap.Bool("has_audio", hasAudio),
		zap.String("vocal_emotion", st.VocalEmotion.Top()),
	}
	if len(resp.ProfilingData) > 0 {
		fields = append(fields, zap.Any("profiling", resp.ProfilingData))
	}
	logger.Info("interaction completed", fields...)
	if ce := logger.Check(zap.DebugLevel, "interaction content"); ce != nil {
		ce.Write(
			policy.Text("user_text", lastUserText(st.History)),
			policy.Text("ai_text", resp.AIText),
			zap.String("memory", policy.RedactFacts(st.Memory).Summary()),
		)
	}

	return Result{
		TurnID:   turnID,
		AIText:   resp.AIText,
		History:  st.History,
		Memory:   st.Memory,
		HasAudio: hasAudio,
	}, nil
}

func (p *Pipeline) fail(logger *zap.Logger, turnID string, err error) error {
	ie := newInteractionError(turnID, err)
	p.metrics.ObserveTurn("error")
	p.metrics.ObserveTurnIndicator("interaction_error")
	p.metrics.ObserveBackendError("interact", ie.StatusCode)

	code := "interaction_failed"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "interaction_timeout"
	}
	ev := protocol.NewErrorEvent("backend", code, ie.Message, ie.Retryable)
	ev.TurnID = turnID
	p.sink.Publish(ev)

	logger.Warn("interaction failed",
		zap.Int("status", ie.StatusCode),
		zap.Bool("retryable", ie.Retryable),
		zap.Error(err),
	)
	return ie
}

// startPlayback marks the AI as speaking before returning so the controller
// never sees a gap between processing and speaking.
func (p *Pipeline) startPlayback(logger *zap.Logger, hooks TurnHooks, speech []byte, mimeType string) {
	p.playMu.Lock()
	if p.playStop != nil {
		p.playStop()
	}
	ctx, stop := context.WithCancel(p.playCtx)
	p.playStop = stop
	p.playGen++
	gen := p.playGen
	p.playMu.Unlock()

	hooks.SetAISpeaking(true)
	p.playWG.Add(1)
	go func() {
		defer p.playWG.Done()
		defer stop()
		start := time.Now()
		err := p.player.Play(ctx, speech, mimeType)
		p.metrics.ObserveTurnStage("playback", time.Since(start))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("playback failed", zap.Error(err))
			p.sink.Publish(protocol.NewErrorEvent("playback", "playback_failed", err.Error(), false))
		}

		// A newer utterance owns the speaking flag once it has started.
		p.playMu.Lock()
		latest := gen == p.playGen
		if latest {
			p.playStop = nil
		}
		p.playMu.Unlock()
		if latest {
			hooks.SetAISpeaking(false)
		}
	}()
}

// StopPlayback interrupts the current utterance, if any.
func (p *Pipeline) StopPlayback() {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	if p.playStop != nil {
		p.playStop()
	}
}

// Close interrupts playback and waits for it to wind down.
func (p *Pipeline) Close() {
	p.playCancel()
	p.playWG.Wait()
}

func lastUserText(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
