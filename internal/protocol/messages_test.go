package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ent0n29/lumen/internal/emotion"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"submit","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionSubmit || control.TSMs != 456 {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"dance"}`))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("error = %v, want ErrUnsupportedAction", err)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"client_control"}`)); err == nil {
		t.Fatalf("missing action accepted")
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("invalid json accepted")
	}
}

func TestHeaderIDsAreUniqueAndOrdered(t *testing.T) {
	prev := NewHeader(TypeStateChanged)
	for i := 0; i < 100; i++ {
		h := NewHeader(TypeStateChanged)
		if h.EventID <= prev.EventID {
			t.Fatalf("event id %q not after %q", h.EventID, prev.EventID)
		}
		prev = h
	}
}

func TestEmotionUpdateEncodesNullAsCleared(t *testing.T) {
	raw, err := json.Marshal(EmotionUpdate{Header: NewHeader(TypeEmotionUpdate)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"emotion":null`) || !strings.Contains(string(raw), `"type":"emotion_update"`) {
		t.Fatalf("encoded = %s", raw)
	}

	raw, _ = json.Marshal(EmotionUpdate{Header: NewHeader(TypeEmotionUpdate), Emotion: emotion.Neutral()})
	if !strings.Contains(string(raw), `"stable_dominant_emotion":"neutral"`) {
		t.Fatalf("encoded = %s", raw)
	}

	var ev Event = AssistantText{Header: NewHeader(TypeAssistantText)}
	if ev.MessageType() != TypeAssistantText {
		t.Fatalf("MessageType() = %q", ev.MessageType())
	}
}
