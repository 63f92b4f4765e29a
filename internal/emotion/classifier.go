package emotion

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

// HTTPClassifier posts JPEG frames to an expression classifier service that
// answers with {"detected": bool, "expressions": {"happy": 0.9, ...}}.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

func NewHTTPClassifier(url string) *HTTPClassifier {
	return &HTTPClassifier{
		url: strings.TrimSpace(url),
		client: &http.Client{
			// Frames are sampled several times per second; a slow answer is stale.
			Timeout: 2 * time.Second,
		},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, frame Frame) (Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(frame.Image))
	if err != nil {
		return Detection{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	res, err := c.client.Do(req)
	if err != nil {
		return Detection{}, fmt.Errorf("send frame: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Detection{}, fmt.Errorf("classifier http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var det Detection
	if err := json.NewDecoder(res.Body).Decode(&det); err != nil {
		return Detection{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if det.Detected && len(det.Scores) == 0 {
		det.Detected = false
	}
	return det, nil
}
