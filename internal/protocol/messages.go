package protocol

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ent0n29/lumen/internal/emotion"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl  MessageType = "client_control"
	TypeStateChanged   MessageType = "state_changed"
	TypeEmotionUpdate  MessageType = "emotion_update"
	TypeAssistantText  MessageType = "assistant_text"
	TypeAssistantAudio MessageType = "assistant_audio"
	TypeErrorEvent     MessageType = "error_event"
)

// Actions accepted in client_control messages.
const (
	ActionMicOn  = "mic_on"
	ActionMicOff = "mic_off"
	ActionSubmit = "submit"
	ActionReset  = "reset"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

// Event is anything published on the event stream.
type Event interface {
	MessageType() MessageType
}

type Envelope struct {
	Type MessageType `json:"type"`
}

// Header is embedded in every outbound event.
type Header struct {
	Type    MessageType `json:"type"`
	EventID string      `json:"event_id"`
	TSMs    int64       `json:"ts_ms"`
}

func (h Header) MessageType() MessageType { return h.Type }

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewHeader stamps an event with a sortable unique id and the current time.
func NewHeader(t MessageType) Header {
	now := time.Now()
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	return Header{Type: t, EventID: id.String(), TSMs: now.UnixMilli()}
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

func (c ClientControl) MessageType() MessageType { return c.Type }

type StateChanged struct {
	Header
	State      string `json:"state"`
	Previous   string `json:"previous,omitempty"`
	MicEnabled bool   `json:"mic_enabled"`
	MicBlocked bool   `json:"mic_blocked"`
	Capturing  bool   `json:"capturing"`
	Processing bool   `json:"processing"`
	AISpeaking bool   `json:"ai_speaking"`
}

// EmotionUpdate carries the smoothed facial emotion; a null emotion means the
// face has been gone longer than the hold threshold.
type EmotionUpdate struct {
	Header
	Emotion *emotion.Payload `json:"emotion"`
}

type AssistantText struct {
	Header
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

type AssistantAudio struct {
	Header
	TurnID  string `json:"turn_id"`
	Format  string `json:"format"`
	DataURI string `json:"data_uri"`
}

type ErrorEvent struct {
	Header
	TurnID    string `json:"turn_id,omitempty"`
	Code      string `json:"code"`
	Source    string `json:"source"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail"`
}

func NewErrorEvent(source, code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{
		Header:    NewHeader(TypeErrorEvent),
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionMicOn, ActionMicOff, ActionSubmit, ActionReset:
			return msg, nil
		case "":
			return nil, errors.New("invalid client_control: missing action")
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}
