package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	fallbackInteractionMessage = "failed to process interaction"
	fallbackSessionMessage     = "failed to create a new session"
)

// StatusError is a non-2xx answer from the backend. Detail carries the
// backend's own message when it sent a string "detail" field.
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: backend http status %d", e.Op, e.StatusCode)
}

// Message is the text to show the user: the backend detail, or a fixed
// fallback for the operation.
func (e *StatusError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Op == "create session" {
		return fallbackSessionMessage
	}
	return fallbackInteractionMessage
}

func newStatusError(op string, status int, body []byte) *StatusError {
	e := &StatusError{Op: op, StatusCode: status, Body: strings.TrimSpace(string(body))}
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Detail.(string); ok {
			e.Detail = strings.TrimSpace(s)
		}
	}
	return e
}
