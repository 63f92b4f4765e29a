package emotion

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultWindow = 10
	DefaultHold   = 2 * time.Second
	NeutralLabel  = "neutral"
)

// Labels is the classifier's label enumeration. Its order breaks ties when
// picking the dominant emotion.
var Labels = []string{"neutral", "happy", "sad", "angry", "fearful", "disgusted", "surprised"}

// Scores maps an emotion label to a classifier score in [0, 1].
type Scores map[string]float64

// Detection is one classifier frame.
type Detection struct {
	Detected bool   `json:"detected"`
	Scores   Scores `json:"expressions,omitempty"`
}

// Payload is the smoothed facial-emotion snapshot sent with each turn.
type Payload struct {
	StableDominantEmotion *string            `json:"stable_dominant_emotion"`
	AverageScores         map[string]float64 `json:"average_scores"`
}

// Neutral is the placeholder used when no facial signal is available.
func Neutral() *Payload {
	label := NeutralLabel
	return &Payload{StableDominantEmotion: &label}
}

func (p *Payload) Dominant() string {
	if p == nil || p.StableDominantEmotion == nil {
		return ""
	}
	return *p.StableDominantEmotion
}

// Option configures a Smoother.
type Option func(*Smoother)

// WithClock overrides the time source used for the no-detection hold.
func WithClock(now func() time.Time) Option {
	return func(s *Smoother) {
		s.now = now
	}
}

// Smoother averages per-frame scores over a fixed window and holds the last
// payload through short detection gaps.
type Smoother struct {
	mu            sync.Mutex
	samples       []Scores
	next          int
	filled        bool
	hold          time.Duration
	now           func() time.Time
	lastDetection time.Time
	latest        *Payload
}

func NewSmoother(window int, hold time.Duration, opts ...Option) *Smoother {
	if window <= 0 {
		window = DefaultWindow
	}
	if hold < 0 {
		hold = DefaultHold
	}
	s := &Smoother{
		samples: make([]Scores, window),
		hold:    hold,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe folds one sampled frame into the window. emit reports whether
// downstream consumers should receive payload; a nil payload with emit set
// means the face has been gone for longer than the hold.
func (s *Smoother) Observe(d Detection) (payload *Payload, emit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !d.Detected {
		if s.latest == nil || now.Sub(s.lastDetection) <= s.hold {
			return nil, false
		}
		s.latest = nil
		return nil, true
	}

	s.lastDetection = now
	s.push(d.Scores)
	s.latest = s.aggregate()
	return clonePayload(s.latest), true
}

// Latest returns the current smoothed payload, or nil when there is no signal.
func (s *Smoother) Latest() *Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePayload(s.latest)
}

// Len returns how many samples the window currently holds.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lenLocked()
}

func (s *Smoother) Window() int { return len(s.samples) }

func (s *Smoother) lenLocked() int {
	if s.filled {
		return len(s.samples)
	}
	return s.next
}

func (s *Smoother) push(scores Scores) {
	cp := make(Scores, len(scores))
	for k, v := range scores {
		cp[k] = v
	}
	s.samples[s.next] = cp
	s.next++
	if s.next >= len(s.samples) {
		s.next = 0
		s.filled = true
	}
}

func (s *Smoother) aggregate() *Payload {
	n := s.lenLocked()
	if n == 0 {
		return nil
	}
	sums := make(map[string]float64)
	for i := 0; i < n; i++ {
		for label, v := range s.samples[i] {
			sums[label] += v
		}
	}

	avg := make(map[string]float64, len(sums))
	dominant := ""
	best := 0.0
	for _, label := range orderedLabels(sums) {
		mean := sums[label] / float64(n)
		avg[label] = mean
		// Strict comparison keeps the earliest label on ties.
		if dominant == "" || mean > best {
			dominant = label
			best = mean
		}
	}
	return &Payload{StableDominantEmotion: &dominant, AverageScores: avg}
}

// orderedLabels lists the known labels first in enumeration order, then any
// unknown labels alphabetically.
func orderedLabels(present map[string]float64) []string {
	out := make([]string, 0, len(present))
	known := make(map[string]bool, len(Labels))
	for _, label := range Labels {
		known[label] = true
		if _, ok := present[label]; ok {
			out = append(out, label)
		}
	}
	var extra []string
	for label := range present {
		if !known[label] {
			extra = append(extra, label)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func clonePayload(p *Payload) *Payload {
	if p == nil {
		return nil
	}
	out := &Payload{}
	if p.StableDominantEmotion != nil {
		label := *p.StableDominantEmotion
		out.StableDominantEmotion = &label
	}
	if p.AverageScores != nil {
		out.AverageScores = make(map[string]float64, len(p.AverageScores))
		for k, v := range p.AverageScores {
			out.AverageScores[k] = v
		}
	}
	return out
}
