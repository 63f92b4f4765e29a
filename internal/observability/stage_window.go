package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Latency targets per turn stage, in milliseconds. Stages without a target
// report 0.
var stageTargets = map[string]float64{
	"encode":     50,
	"round_trip": 8000,
	"fold":       20,
	"playback":   30000,
	"turn_total": 10000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window above TargetP95MS.
	OverTarget int `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is served by /v1/perf/latency.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the last size latencies of every turn stage plus
// counters for notable turn events.
type stageWindow struct {
	size int

	mu         sync.Mutex
	rings      map[string]*durationRing
	indicators map[string]int
}

type durationRing struct {
	samples []time.Duration
	pos     int
	last    time.Duration
}

func (r *durationRing) add(d time.Duration, size int) {
	r.last = d
	if len(r.samples) < size {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.pos] = d
	r.pos = (r.pos + 1) % size
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      map[string]*durationRing{},
		indicators: map[string]int{},
	}
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &durationRing{}
		w.rings[stage] = r
	}
	r.add(d, w.size)
	if target := stageTargets[stage]; stage == "turn_total" && target > 0 && ms(d) > target {
		w.indicators["slow_turn"]++
	}
}

func (w *stageWindow) count(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) reset() {
	w.mu.Lock()
	w.rings = map[string]*durationRing{}
	w.indicators = map[string]int{}
	w.mu.Unlock()
}

func (w *stageWindow) snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		snap.Stages = append(snap.Stages, summarize(stage, w.rings[stage]))
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarize(stage string, r *durationRing) TurnStageStats {
	vals := make([]float64, len(r.samples))
	var sum float64
	for i, d := range r.samples {
		vals[i] = ms(d)
		sum += vals[i]
	}
	sort.Float64s(vals)

	target := stageTargets[stage]
	over := 0
	if target > 0 {
		over = len(vals) - sort.Search(len(vals), func(i int) bool { return vals[i] > target })
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(vals),
		LastMS:      round2(ms(r.last)),
		AvgMS:       round2(sum / float64(len(vals))),
		P50MS:       round2(interpolate(vals, 0.50)),
		P95MS:       round2(interpolate(vals, 0.95)),
		P99MS:       round2(interpolate(vals, 0.99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

// interpolate reads quantile q from sorted values with linear interpolation
// between the closest ranks.
func interpolate(sorted []float64, q float64) float64 {
	switch n := len(sorted); {
	case n == 0:
		return 0
	case n == 1 || q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
