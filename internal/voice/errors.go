package voice

import (
	"errors"
	"fmt"

	"github.com/ent0n29/lumen/internal/backend"
	"github.com/ent0n29/lumen/internal/reliability"
)

var (
	ErrNoSession           = errors.New("no session established")
	ErrInteractionInFlight = errors.New("an interaction is already in flight")
	ErrNotListening        = errors.New("not listening")
	ErrEmptyAudio          = errors.New("no audio captured")
)

// InteractionError is a failed turn: a transport failure or a non-2xx answer
// from /interact. Its message is the backend's detail when one was sent.
type InteractionError struct {
	TurnID     string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *InteractionError) Error() string { return e.Message }

func (e *InteractionError) Unwrap() error { return e.Err }

func newInteractionError(turnID string, err error) *InteractionError {
	ie := &InteractionError{TurnID: turnID, Err: err}
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		ie.StatusCode = statusErr.StatusCode
		ie.Message = statusErr.Message()
		ie.Retryable = reliability.IsRetryableHTTPStatus(statusErr.StatusCode)
		return ie
	}
	ie.Message = fmt.Sprintf("failed to process interaction: %v", err)
	ie.Retryable = reliability.IsRetryableTransportError(err)
	return ie
}
