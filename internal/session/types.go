package session

import (
	"errors"
	"fmt"

	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/memory"
)

// Persisted keys. They match what earlier clients wrote so existing state
// keeps hydrating.
const (
	KeySession  = "lumen_session"
	KeyMessages = "lumen_messages"
	KeyMemory   = "lumen_memory"
	KeyVoice    = "selectedVoice"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrSessionAlreadySet = errors.New("session id already assigned")

// Message is one conversation entry, in the order the backend returned it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionCreationError reports a failed POST /session.
type SessionCreationError struct {
	Err error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session: %v", e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// State is a point-in-time copy of everything the store holds.
type State struct {
	SessionID    int64                 `json:"session_id,omitempty"`
	HasSession   bool                  `json:"has_session"`
	History      []Message             `json:"history"`
	Memory       memory.LongTermMemory `json:"memory"`
	VocalEmotion emotion.VocalResult   `json:"vocal_emotion,omitempty"`
	Voice        string                `json:"voice,omitempty"`
}

// TurnUpdate is what a successful interaction folds into the store.
type TurnUpdate struct {
	History        []Message
	MemoryFragment memory.LongTermMemory
	// VocalEmotion replaces the stored result only when non-nil.
	VocalEmotion emotion.VocalResult
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return []Message{}
	}
	return append([]Message(nil), in...)
}
