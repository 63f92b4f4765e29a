package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/observability"
	"github.com/ent0n29/lumen/internal/protocol"
	"github.com/ent0n29/lumen/internal/voice"
)

const (
	subscriberBuffer = 64
	wsWriteTimeout   = 10 * time.Second
	wsReadTimeout    = 120 * time.Second
	wsPingInterval   = 30 * time.Second
)

// Hub fans published events out to every connected websocket. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	metrics *observability.Metrics

	mu   sync.Mutex
	subs map[chan protocol.Event]struct{}
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		metrics: metrics,
		subs:    make(map[chan protocol.Event]struct{}),
	}
}

func (h *Hub) Publish(ev protocol.Event) {
	if ev == nil {
		return
	}
	msgType := string(ev.MessageType())
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
			h.metrics.ObserveOutboundMessage(msgType, "queued")
		default:
			h.metrics.ObserveOutboundMessage(msgType, "drop_full")
		}
	}
}

// Subscribe registers a new listener. The returned func unregisters it and
// closes the channel.
func (h *Hub) Subscribe() (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetEventSubscribers(n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			n := len(h.subs)
			close(ch)
			h.mu.Unlock()
			h.metrics.SetEventSubscribers(n)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Replies meant for this connection only, written by the same goroutine
	// as hub events.
	direct := make(chan protocol.Event, 16)
	reply := func(ev protocol.Event) {
		select {
		case direct <- ev:
			s.metrics.ObserveOutboundMessage(string(ev.MessageType()), "queued")
		default:
			s.metrics.ObserveOutboundMessage(string(ev.MessageType()), "drop_full")
		}
	}

	// Start every stream from the current state.
	snap := s.conversation.Snapshot()
	reply(protocol.StateChanged{
		Header:     protocol.NewHeader(protocol.TypeStateChanged),
		State:      string(snap.State),
		MicEnabled: snap.Flags.MicEnabled,
		MicBlocked: snap.Flags.MicBlocked,
		Capturing:  snap.Flags.Capturing,
		Processing: snap.Flags.Processing,
		AISpeaking: snap.Flags.AISpeaking,
	})
	reply(protocol.EmotionUpdate{
		Header:  protocol.NewHeader(protocol.TypeEmotionUpdate),
		Emotion: s.emotion(),
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		write := func(ev protocol.Event) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.metrics.ObserveOutboundMessage(string(ev.MessageType()), "write_error")
				cancel()
				return false
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok || !write(ev) {
					return
				}
			case ev := <-direct:
				if !write(ev) {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	logger := s.logger.With(zap.String("remote_addr", r.RemoteAddr))
	logger.Debug("event stream connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply(protocol.NewErrorEvent("gateway", "invalid_client_message", err.Error(), false))
			continue
		}
		ctrl, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.metrics.ObserveInboundMessage(string(ctrl.Type))
		s.handleControl(ctx, ctrl, reply)
	}

	cancel()
	<-writerDone
	logger.Debug("event stream disconnected")
}

func (s *Server) handleControl(ctx context.Context, ctrl protocol.ClientControl, reply func(protocol.Event)) {
	switch ctrl.Action {
	case protocol.ActionMicOn:
		s.conversation.SetMicEnabled(true)
	case protocol.ActionMicOff:
		s.conversation.SetMicEnabled(false)
	case protocol.ActionSubmit:
		// Submitting blocks for the whole turn; keep reading meanwhile.
		go func() {
			_, err := s.conversation.StopAndSubmit(context.WithoutCancel(ctx))
			// Failures past this point are published to every subscriber
			// by the controller or the pipeline.
			if errors.Is(err, voice.ErrNotListening) || errors.Is(err, voice.ErrEmptyAudio) {
				_, code := submitErrorStatus(err)
				reply(protocol.NewErrorEvent("controller", code, err.Error(), false))
			}
		}()
	case protocol.ActionReset:
		if err := s.resetConversation(ctx); err != nil {
			_, code := submitErrorStatus(err)
			if !errors.Is(err, voice.ErrInteractionInFlight) {
				code = "reset_failed"
			}
			reply(protocol.NewErrorEvent("controller", code, err.Error(), false))
		}
	}
}
