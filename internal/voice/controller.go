package voice

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/audio"
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/observability"
	"github.com/ent0n29/lumen/internal/protocol"
)

type State string

const (
	StateIdle           State = "idle"
	StateListening      State = "listening"
	StateAwaitingSubmit State = "awaiting_submit"
	StateProcessing     State = "processing"
	StateSpeaking       State = "speaking"
)

// Flags are the inputs the controller reconciles capture against.
type Flags struct {
	MicEnabled bool `json:"mic_enabled"`
	AISpeaking bool `json:"ai_speaking"`
	Capturing  bool `json:"capturing"`
	Processing bool `json:"processing"`
	// Submitting covers the gap between stopping capture for a submit and
	// the pipeline reporting that it is processing.
	Submitting bool `json:"submitting"`
	// MicBlocked is set after a microphone access failure and cleared when
	// the user re-enables the mic.
	MicBlocked bool `json:"mic_blocked"`
}

type CaptureAction int

const (
	CaptureNone CaptureAction = iota
	CaptureStart
	CaptureStop
)

func (a CaptureAction) String() string {
	switch a {
	case CaptureStart:
		return "start"
	case CaptureStop:
		return "stop"
	default:
		return "none"
	}
}

// decideCapture is the whole turn-taking policy. It only looks at levels, so
// calling it again in the same situation always gives the same answer.
func decideCapture(f Flags) CaptureAction {
	if f.Capturing && (!f.MicEnabled || f.AISpeaking) {
		return CaptureStop
	}
	if !f.Capturing && f.MicEnabled && !f.MicBlocked && !f.AISpeaking && !f.Processing && !f.Submitting {
		return CaptureStart
	}
	return CaptureNone
}

func deriveState(f Flags) State {
	switch {
	case f.AISpeaking:
		return StateSpeaking
	case f.Processing:
		return StateProcessing
	case f.Submitting:
		return StateAwaitingSubmit
	case f.Capturing:
		return StateListening
	default:
		return StateIdle
	}
}

// Snapshot is the controller's externally visible state.
type Snapshot struct {
	State     State  `json:"state"`
	Flags     Flags  `json:"flags"`
	LastError string `json:"last_error,omitempty"`
}

type ControllerOption func(*Controller)

// WithEmotionSource supplies the facial emotion read at submit time.
func WithEmotionSource(fn func() *emotion.Payload) ControllerOption {
	return func(c *Controller) { c.emotion = fn }
}

func WithControllerSink(sink EventSink) ControllerOption {
	return func(c *Controller) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithControllerMetrics(m *observability.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMicEnabled sets the initial mic toggle. Default is enabled.
func WithMicEnabled(enabled bool) ControllerOption {
	return func(c *Controller) { c.flags.MicEnabled = enabled }
}

// Controller decides when the microphone records. Every flag change
// re-evaluates decideCapture under one mutex and applies the result through
// the idempotent Start/Stop of the capture service.
type Controller struct {
	capture  Capturer
	pipeline Submitter
	emotion  func() *emotion.Payload
	sink     EventSink
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
	flags   Flags
	state   State
	lastErr error
}

func NewController(capture Capturer, pipeline Submitter, opts ...ControllerOption) *Controller {
	c := &Controller{
		capture:  capture,
		pipeline: pipeline,
		sink:     nopSink{},
		logger:   zap.NewNop(),
		flags:    Flags{MicEnabled: true},
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins reconciling. ctx bounds every device acquisition.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.started = true
	c.reconcileLocked()
}

// Close releases the microphone and stops reconciling.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	if c.flags.Capturing || c.capture.Capturing() {
		c.capture.Stop()
		c.flags.Capturing = false
		c.metrics.ObserveCapture("stop")
	}
	c.updateStateLocked()
}

// SetMicEnabled toggles the mic. Enabling also clears a previous access
// failure so the next reconcile retries the device.
func (c *Controller) SetMicEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.MicEnabled = enabled
	if enabled {
		c.flags.MicBlocked = false
		c.lastErr = nil
	}
	c.reconcileLocked()
}

// SetAISpeaking is called by the pipeline around playback.
func (c *Controller) SetAISpeaking(speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.AISpeaking = speaking
	c.reconcileLocked()
}

// SetProcessing is called by the pipeline around a turn.
func (c *Controller) SetProcessing(processing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.Processing = processing
	c.reconcileLocked()
}

// StopAndSubmit ends the user's utterance and runs it through the pipeline.
// It is accepted only while listening. Empty audio resumes listening and
// returns ErrEmptyAudio.
func (c *Controller) StopAndSubmit(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state != StateListening || c.flags.Processing || c.flags.Submitting {
		c.mu.Unlock()
		return Result{}, ErrNotListening
	}
	c.flags.Submitting = true
	blob := c.capture.Stop()
	c.flags.Capturing = false
	c.metrics.ObserveCapture("stop")
	c.updateStateLocked()

	if blob.Empty() {
		c.flags.Submitting = false
		c.reconcileLocked()
		c.mu.Unlock()
		return Result{}, ErrEmptyAudio
	}
	c.mu.Unlock()

	var facial *emotion.Payload
	if c.emotion != nil {
		facial = c.emotion()
	}
	res, err := c.pipeline.Run(ctx, blob, facial)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.Submitting = false
	if err != nil {
		c.lastErr = err
		var ie *InteractionError
		if !errors.As(err, &ie) {
			// Interaction errors are published by the pipeline itself.
			c.sink.Publish(protocol.NewErrorEvent("controller", errorCode(err), err.Error(), false))
		}
	} else {
		c.lastErr = nil
	}
	c.reconcileLocked()
	return res, err
}

// RestartCapture throws away the utterance recorded so far and keeps
// listening on the same device handle. It returns the number of discarded bytes.
func (c *Controller) RestartCapture() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListening || c.flags.Processing || c.flags.Submitting {
		return 0, ErrNotListening
	}
	blob, err := c.capture.Restart(c.ctx)
	if err != nil {
		c.flags.MicBlocked = true
		c.lastErr = err
		c.metrics.ObserveCapture("access_error")
		c.sink.Publish(protocol.NewErrorEvent("microphone", errorCode(err), err.Error(), false))
	} else {
		c.metrics.ObserveCapture("restart")
	}
	c.flags.Capturing = c.capture.Capturing()
	c.updateStateLocked()
	return blob.Size(), err
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state, Flags: c.flags}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

func (c *Controller) reconcileLocked() {
	if !c.started {
		c.updateStateLocked()
		return
	}
	// Mirror the device in case the recorder died on its own.
	c.flags.Capturing = c.capture.Capturing()

	switch decideCapture(c.flags) {
	case CaptureStop:
		c.capture.Stop()
		c.flags.Capturing = false
		c.metrics.ObserveCapture("stop")
		c.logger.Debug("capture stopped", zap.Bool("mic_enabled", c.flags.MicEnabled), zap.Bool("ai_speaking", c.flags.AISpeaking))
	case CaptureStart:
		if err := c.capture.Start(c.ctx); err != nil {
			c.flags.MicBlocked = true
			c.lastErr = err
			c.metrics.ObserveCapture("access_error")
			c.logger.Warn("microphone unavailable", zap.Error(err))
			c.sink.Publish(protocol.NewErrorEvent("microphone", errorCode(err), err.Error(), false))
		} else {
			c.flags.Capturing = true
			c.metrics.ObserveCapture("start")
		}
	}
	c.updateStateLocked()
}

func (c *Controller) updateStateLocked() {
	next := deriveState(c.flags)
	if next == c.state {
		return
	}
	prev := c.state
	c.state = next
	c.metrics.ObserveState(string(next))
	c.logger.Debug("turn state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	c.sink.Publish(protocol.StateChanged{
		Header:     protocol.NewHeader(protocol.TypeStateChanged),
		State:      string(next),
		Previous:   string(prev),
		MicEnabled: c.flags.MicEnabled,
		MicBlocked: c.flags.MicBlocked,
		Capturing:  c.flags.Capturing,
		Processing: c.flags.Processing,
		AISpeaking: c.flags.AISpeaking,
	})
}

func errorCode(err error) string {
	var micErr *audio.MicrophoneAccessError
	switch {
	case errors.As(err, &micErr):
		if errors.Is(err, audio.ErrPermissionDenied) {
			return "microphone_permission_denied"
		}
		return "microphone_unavailable"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrInteractionInFlight):
		return "interaction_in_flight"
	default:
		return "internal_error"
	}
}
