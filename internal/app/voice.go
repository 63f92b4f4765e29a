package app

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/lumen/internal/audio"
	"github.com/ent0n29/lumen/internal/config"
	"github.com/ent0n29/lumen/internal/voice"
)

type voiceSetup struct {
	microphone audio.Microphone
	player     voice.Player
	detail     string
}

func resolveVoiceDevices(cfg config.Config) (voiceSetup, error) {
	var setup voiceSetup
	var parts []string

	switch strings.ToLower(strings.TrimSpace(cfg.MicMode)) {
	case "command":
		if strings.TrimSpace(cfg.MicCommand) == "" {
			return voiceSetup{}, fmt.Errorf("LUMEN_MIC_MODE=command but LUMEN_MIC_COMMAND is empty")
		}
		setup.microphone = audio.NewCommandMicrophone(cfg.MicCommand)
		parts = append(parts, "mic: "+firstField(cfg.MicCommand))
	case "mock":
		setup.microphone = syntheticMicrophone(cfg.MicSampleRate)
		parts = append(parts, "mic: synthetic tone")
	default:
		return voiceSetup{}, fmt.Errorf("invalid LUMEN_MIC_MODE: %q (expected command|mock)", cfg.MicMode)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.PlayerMode)) {
	case "command":
		setup.player = voice.NewCommandPlayer(cfg.PlayerCommand)
		parts = append(parts, "player: "+firstField(cfg.PlayerCommand))
	case "null":
		setup.player = voice.NullPlayer{}
		parts = append(parts, "player: null")
	default:
		return voiceSetup{}, fmt.Errorf("invalid LUMEN_PLAYER_MODE: %q (expected command|null)", cfg.PlayerMode)
	}

	setup.detail = strings.Join(parts, ", ")
	return setup, nil
}

// syntheticMicrophone emits a quiet 440 Hz tone in 20ms chunks for running
// without an input device.
func syntheticMicrophone(sampleRate int) *audio.MockMicrophone {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	samples := sampleRate / 50
	chunk := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(1000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		chunk[2*i] = byte(v)
		chunk[2*i+1] = byte(uint16(v) >> 8)
	}
	mic := audio.NewMockMicrophone(chunk)
	mic.Loop = true
	mic.Interval = 20 * time.Millisecond
	return mic
}

func firstField(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
