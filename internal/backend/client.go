package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the lumen backend over JSON/HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		// Per-call deadlines come from the caller's context.
		client: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// CreateSession issues POST /session and returns the new session id.
func (c *Client) CreateSession(ctx context.Context) (int64, error) {
	var out CreateSessionResponse
	if err := c.post(ctx, "create session", "/session", nil, &out); err != nil {
		return 0, err
	}
	if out.SessionID == 0 {
		return 0, fmt.Errorf("create session: response has no session_id")
	}
	return out.SessionID, nil
}

// Interact sends one turn to POST /interact.
func (c *Client) Interact(ctx context.Context, req InteractionRequest) (InteractionResponse, error) {
	var out InteractionResponse
	if err := c.post(ctx, "interact", "/interact", req, &out); err != nil {
		return InteractionResponse{}, err
	}
	return out, nil
}

// Ping checks that the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	if res.StatusCode >= 500 {
		return fmt.Errorf("backend http status %d", res.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return newStatusError(op, res.StatusCode, raw)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
