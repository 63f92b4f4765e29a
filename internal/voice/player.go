package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ent0n29/lumen/internal/audio"
)

var ErrNoPlayer = errors.New("audio player not found")

// CommandPlayer writes each utterance to a temp file and hands it to an
// external player such as ffplay or afplay.
type CommandPlayer struct {
	name string
	args []string
}

func NewCommandPlayer(command string) *CommandPlayer {
	fields := strings.Fields(command)
	p := &CommandPlayer{}
	if len(fields) > 0 {
		p.name = fields[0]
		p.args = fields[1:]
	}
	return p
}

func (p *CommandPlayer) Play(ctx context.Context, data []byte, mimeType string) error {
	if len(data) == 0 {
		return nil
	}
	path, err := exec.LookPath(p.name)
	if p.name == "" || err != nil {
		return fmt.Errorf("%w: %q", ErrNoPlayer, p.name)
	}

	f, err := os.CreateTemp("", "lumen-speech-*"+extensionFor(mimeType))
	if err != nil {
		return fmt.Errorf("create temp audio: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp audio: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp audio: %w", err)
	}

	args := append(append([]string(nil), p.args...), f.Name())
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 1200 * time.Millisecond
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%s failed: %s", p.name, detail)
	}
	return nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case audio.MIMEWAV:
		return ".wav"
	case audio.MIMEMP3, "audio/mpeg":
		return ".mp3"
	default:
		return ""
	}
}

// NullPlayer discards audio. With Delay set it pretends playback takes that
// long, which keeps turn-taking realistic in development.
type NullPlayer struct {
	Delay time.Duration
}

func (p NullPlayer) Play(ctx context.Context, _ []byte, _ string) error {
	if p.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sniffAudioMIME guesses the container of synthesized audio.
func sniffAudioMIME(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return audio.MIMEWAV
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return "audio/ogg"
	default:
		return audio.MIMEMP3
	}
}
