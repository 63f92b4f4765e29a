package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	TurnOutcomes       *prometheus.CounterVec
	InteractionLatency prometheus.Histogram
	BackendErrors      *prometheus.CounterVec
	CaptureEvents      *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	EmotionUpdates     *prometheus.CounterVec
	PersistenceWrites  *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	EventSubscribers   prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		TurnOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Interaction turns by outcome.",
		}, []string{"outcome"}),
		InteractionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interaction_latency_ms",
			Help:      "Round trip of POST /interact in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 13000, 21000, 40000},
		}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Backend call failures by operation and status code.",
		}, []string{"op", "code"}),
		CaptureEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_events_total",
			Help:      "Microphone capture lifecycle events.",
		}, []string{"event"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_state_transitions_total",
			Help:      "Turn-taking state entries by state.",
		}, []string{"state"}),
		EmotionUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emotion_updates_total",
			Help:      "Smoothed facial emotion updates by kind.",
		}, []string{"kind"}),
		PersistenceWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_writes_total",
			Help:      "Write-through operations against the key/value store.",
		}, []string{"op", "result"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction, type and result.",
		}, []string{"direction", "type", "result"}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Connected event stream clients.",
		}),
	}
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveInteractionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.InteractionLatency.Observe(float64(d.Milliseconds()))
}

// ObserveBackendError records a failed backend call. status 0 means the
// request never got an HTTP answer.
func (m *Metrics) ObserveBackendError(op string, status int) {
	if m == nil {
		return
	}
	code := "transport"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.BackendErrors.WithLabelValues(op, code).Inc()
}

func (m *Metrics) ObserveCapture(event string) {
	if m == nil {
		return
	}
	m.CaptureEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveState(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveEmotionUpdate(kind string) {
	if m == nil {
		return
	}
	m.EmotionUpdates.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePersistenceWrite(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PersistenceWrites.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveInboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("inbound", msgType, "received").Inc()
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound", msgType, result).Inc()
}

func (m *Metrics) SetEventSubscribers(n int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Set(float64(n))
}

// ObserveTurnStage records a stage latency for the /v1/perf/latency window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, d)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.count(name)
}

func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []TurnStageStats{}}
	}
	return m.stages.snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.reset()
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
