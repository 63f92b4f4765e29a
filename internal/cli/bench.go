package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/lumen/internal/protocol"
	"github.com/ent0n29/lumen/internal/voice"
)

func init() {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive turns against a running lumen and report latency",
		Long:  "Connects to the event stream of a running lumen, lets the microphone capture for --listen, submits, and measures the time to the assistant reply and back to listening.",
		Run:   runBench,
	}
	cmd.Flags().String("api", "http://127.0.0.1:8765", "Base URL of the running lumen")
	cmd.Flags().Int("turns", 5, "Number of turns")
	cmd.Flags().Duration("listen", 1500*time.Millisecond, "Capture time before each submit")
	cmd.Flags().Duration("turn-timeout", 90*time.Second, "Give up on a turn after this long")

	RootCmd.AddCommand(cmd)
}

type benchOptions struct {
	turns       int
	listen      time.Duration
	turnTimeout time.Duration
}

type benchReport struct {
	Turns        int     `json:"turns"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	ReplyP50Ms   float64 `json:"reply_p50_ms"`
	ReplyP95Ms   float64 `json:"reply_p95_ms"`
	ListenP50Ms  float64 `json:"back_to_listening_p50_ms"`
	ListenP95Ms  float64 `json:"back_to_listening_p95_ms"`
	LastErrorMsg string  `json:"last_error,omitempty"`
}

type benchEvent struct {
	Type   protocol.MessageType `json:"type"`
	State  string               `json:"state"`
	Code   string               `json:"code"`
	Detail string               `json:"detail"`
}

func runBench(cmd *cobra.Command, args []string) {
	api, _ := cmd.Flags().GetString("api")
	var opts benchOptions
	opts.turns, _ = cmd.Flags().GetInt("turns")
	opts.listen, _ = cmd.Flags().GetDuration("listen")
	opts.turnTimeout, _ = cmd.Flags().GetDuration("turn-timeout")
	if opts.turns <= 0 {
		exitErr("flags", fmt.Errorf("turns must be > 0"))
	}

	wsURL, err := eventsURL(api)
	if err != nil {
		exitErr("api url", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		exitErr("open event stream", err)
	}
	defer conn.Close()

	report, err := benchTurns(ctx, conn, opts)
	if err != nil {
		exitErr("bench", err)
	}
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		exitErr("write", err)
	}
}

func eventsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	return u.String(), nil
}

// benchTurns submits opts.turns turns over conn. A turn ends when the state
// returns to listening after a reply or an error.
func benchTurns(ctx context.Context, conn *websocket.Conn, opts benchOptions) (benchReport, error) {
	events := make(chan benchEvent, 64)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var ev benchEvent
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			select {
			case events <- ev:
			case <-stop:
				return
			}
		}
	}()

	report := benchReport{Turns: opts.turns}
	var replies, backs []time.Duration
	for i := 0; i < opts.turns; i++ {
		if err := sleepCtx(ctx, opts.listen); err != nil {
			return report, err
		}
		drain(events)

		started := time.Now()
		submit := protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionSubmit, TSMs: started.UnixMilli()}
		if err := conn.WriteJSON(submit); err != nil {
			return report, fmt.Errorf("turn %d submit: %w", i+1, err)
		}

		deadline := time.NewTimer(opts.turnTimeout)
		var replied, failed, done bool
		for !done {
			select {
			case <-ctx.Done():
				deadline.Stop()
				return report, ctx.Err()
			case err := <-readErr:
				deadline.Stop()
				return report, fmt.Errorf("event stream: %w", err)
			case <-deadline.C:
				failed = true
				report.LastErrorMsg = fmt.Sprintf("turn %d timed out", i+1)
				done = true
			case ev := <-events:
				switch ev.Type {
				case protocol.TypeAssistantText:
					if !replied {
						replied = true
						replies = append(replies, time.Since(started))
					}
				case protocol.TypeErrorEvent:
					failed = true
					report.LastErrorMsg = ev.Code + ": " + ev.Detail
					if ev.Code == "not_listening" || ev.Code == "empty_audio" {
						done = true
					}
				case protocol.TypeStateChanged:
					if ev.State == string(voice.StateListening) && (replied || failed) {
						backs = append(backs, time.Since(started))
						done = true
					}
				}
			}
		}
		deadline.Stop()
		if failed {
			report.Failed++
		} else {
			report.Completed++
		}
	}

	report.ReplyP50Ms = percentileMs(replies, 0.50)
	report.ReplyP95Ms = percentileMs(replies, 0.95)
	report.ListenP50Ms = percentileMs(backs, 0.50)
	report.ListenP95Ms = percentileMs(backs, 0.95)
	return report, nil
}

// percentileMs uses the nearest-rank method.
func percentileMs(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(p*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return float64(sorted[rank].Microseconds()) / 1000
}

func drain(ch <-chan benchEvent) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
