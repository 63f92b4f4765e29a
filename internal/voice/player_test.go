package voice

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ent0n29/lumen/internal/backend"
)

func TestCommandPlayerMissingBinary(t *testing.T) {
	err := NewCommandPlayer("lumen-definitely-missing-player -q").Play(context.Background(), []byte{1}, "audio/mp3")
	if !errors.Is(err, ErrNoPlayer) {
		t.Fatalf("Play() error = %v, want ErrNoPlayer", err)
	}
	if err := NewCommandPlayer("").Play(context.Background(), nil, ""); err != nil {
		t.Fatalf("Play(empty audio) error = %v, want nil", err)
	}
}

func TestNullPlayerHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := NullPlayer{Delay: time.Minute}.Play(ctx, []byte{1}, "")
	if !errors.Is(err, context.Canceled) || time.Since(start) > time.Second {
		t.Fatalf("Play() = %v after %v, want prompt cancellation", err, time.Since(start))
	}
}

func TestInteractionErrorFromTransportFailure(t *testing.T) {
	cause := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	ie := newInteractionError("t1", cause)
	if ie.StatusCode != 0 || !ie.Retryable {
		t.Fatalf("InteractionError = %+v, want retryable transport failure", ie)
	}
	if !errors.Is(ie, cause) {
		t.Fatalf("InteractionError does not wrap cause")
	}

	ie = newInteractionError("t2", &backend.StatusError{Op: "interact", StatusCode: 400, Detail: "transcription failed or audio was empty"})
	if ie.Error() != "transcription failed or audio was empty" || ie.Retryable {
		t.Fatalf("InteractionError = %+v", ie)
	}
}
