package backend

import (
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/memory"
	"github.com/ent0n29/lumen/internal/session"
)

// LabelScore and VocalEmotionResult mirror the vocal analysis the backend
// attaches to every turn.
type (
	LabelScore         = emotion.LabelScore
	VocalEmotionResult = emotion.VocalResult
)

type CreateSessionResponse struct {
	SessionID int64 `json:"session_id"`
}

// InteractionRequest is one turn: the user's audio plus every piece of
// context the backend needs, since it keeps no conversation state itself.
type InteractionRequest struct {
	SessionID      int64                 `json:"session_id"`
	AudioB64       string                `json:"audio_b64"`
	FacialEmotion  *emotion.Payload      `json:"facial_emotion"`
	ChatHistory    []session.Message     `json:"chat_history"`
	LongTermMemory memory.LongTermMemory `json:"long_term_memory"`
}

type InteractionResponse struct {
	AIText              string                `json:"ai_text"`
	AIAudioB64          *string               `json:"ai_audio_b64"`
	ExtractedMemory     memory.LongTermMemory `json:"extracted_memory"`
	UpdatedChatHistory  []session.Message     `json:"updated_chat_history"`
	VocalAnalysisResult VocalEmotionResult    `json:"vocal_analysis_result"`
	// ProfilingData holds per-stage backend timings in seconds.
	ProfilingData map[string]float64 `json:"profiling_data,omitempty"`
}

// HasAudio reports whether synthesized speech came back.
func (r InteractionResponse) HasAudio() bool {
	return r.AIAudioB64 != nil && *r.AIAudioB64 != ""
}
