package voice

import (
	"context"

	"github.com/ent0n29/lumen/internal/audio"
	"github.com/ent0n29/lumen/internal/backend"
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/protocol"
)

// Backend is the slice of the backend client a turn needs.
type Backend interface {
	Interact(ctx context.Context, req backend.InteractionRequest) (backend.InteractionResponse, error)
}

// Player plays one synthesized utterance and blocks until it has finished
// or ctx is done.
type Player interface {
	Play(ctx context.Context, audio []byte, mimeType string) error
}

// EventSink receives events for connected clients. Publish must not block.
type EventSink interface {
	Publish(ev protocol.Event)
}

type EventSinkFunc func(protocol.Event)

func (f EventSinkFunc) Publish(ev protocol.Event) { f(ev) }

type nopSink struct{}

func (nopSink) Publish(protocol.Event) {}

// TurnHooks lets the pipeline report progress back to the turn-taking
// controller.
type TurnHooks interface {
	SetProcessing(bool)
	SetAISpeaking(bool)
}

type nopHooks struct{}

func (nopHooks) SetProcessing(bool) {}
func (nopHooks) SetAISpeaking(bool) {}

// Capturer is the controller's view of the capture service.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() audio.Blob
	Restart(ctx context.Context) (audio.Blob, error)
	Capturing() bool
}

// Submitter runs one interaction turn.
type Submitter interface {
	Run(ctx context.Context, blob audio.Blob, facial *emotion.Payload) (Result, error)
}
