package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

type voiceSummary struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// voiceCatalog lists the voices the backend can speak with.
var voiceCatalog = []voiceSummary{
	{VoiceID: "sarah", Name: "Sarah", Description: "Cálida y empática"},
	{VoiceID: "alex", Name: "Alex", Description: "Calmada y profesional"},
	{VoiceID: "jordan", Name: "Jordan", Description: "Amigable y de apoyo"},
	{VoiceID: "riley", Name: "Riley", Description: "Gentil y comprensiva"},
}

func lookupVoice(id string) (voiceSummary, bool) {
	for _, v := range voiceCatalog {
		if strings.EqualFold(v.VoiceID, id) {
			return v, true
		}
	}
	return voiceSummary{}, false
}

type listVoicesResponse struct {
	DefaultVoiceID  string         `json:"default_voice_id"`
	SelectedVoiceID string         `json:"selected_voice_id"`
	Voices          []voiceSummary `json:"voices"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID:  s.cfg.DefaultVoice,
		SelectedVoiceID: s.store.Voice(),
		Voices:          voiceCatalog,
	})
}

type selectVoiceRequest struct {
	VoiceID string `json:"voice_id"`
}

func (s *Server) handleSelectVoice(w http.ResponseWriter, r *http.Request) {
	var req selectVoiceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := strings.TrimSpace(req.VoiceID)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "voice_id is required")
		return
	}
	v, ok := lookupVoice(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_voice", "unknown voice: "+id)
		return
	}
	s.store.SetVoice(v.VoiceID)
	respondJSON(w, http.StatusOK, v)
}
