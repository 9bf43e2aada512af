package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lexiqai/voice-assistant/internal/resilience"
)

var (
	// Turn metrics
	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_assistant_active_turns",
		Help: "Number of turns currently responding",
	})

	totalTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"mode", "outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_assistant_turn_duration_seconds",
		Help:    "Time from final transcript to last published segment",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// Recognition session metrics
	recognitionSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_recognition_sessions_total",
		Help: "Recognition sessions opened and closed",
	}, []string{"event"})

	// Capability metrics
	capabilityRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_capability_requests_total",
		Help: "Total number of capability requests",
	}, []string{"capability", "status"})

	capabilityLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_assistant_capability_latency_seconds",
		Help:    "Capability round-trip latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"capability"})

	completionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_completion_retries_total",
		Help: "Completion attempts beyond the first",
	})

	completionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_assistant_completion_fallbacks_total",
		Help: "Turns answered with the canned reply",
	})

	// Segment metrics
	segmentsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_segments_emitted_total",
		Help: "Text segments cut by the segmenter",
	}, []string{"rule"})

	segmentsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_segments_published_total",
		Help: "Audio segments published, by result",
	}, []string{"result"})

	// Playback metrics
	playbackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_playback_events_total",
		Help: "Playback buffer events",
	}, []string{"event"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_errors_total",
		Help: "Total number of errors",
	}, []string{"kind", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_assistant_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Bus and audio metrics
	busMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_bus_messages_total",
		Help: "Bus messages by topic and direction",
	}, []string{"topic", "direction"})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// TurnMetrics tracks metrics for a single turn
type TurnMetrics struct {
	turnID    string
	mode      string
	startTime time.Time
	starts    map[string]time.Time
	mu        sync.Mutex
}

// NewTurnMetrics creates a new metrics tracker for a turn. mode is "stream" or "single".
func NewTurnMetrics(turnID, mode string) *TurnMetrics {
	return &TurnMetrics{
		turnID:    turnID,
		mode:      mode,
		startTime: time.Now(),
		starts:    make(map[string]time.Time),
	}
}

// TurnID returns the id the tracker was created with
func (m *TurnMetrics) TurnID() string {
	return m.turnID
}

// RecordTurnStart records the start of a turn
func (m *TurnMetrics) RecordTurnStart() {
	activeTurns.Inc()
}

// RecordTurnEnd records the end of a turn with its outcome
func (m *TurnMetrics) RecordTurnEnd(outcome string) {
	activeTurns.Dec()
	totalTurns.WithLabelValues(m.mode, outcome).Inc()
	turnDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStart marks the start of a capability call (stt, completion, tts)
func (m *TurnMetrics) RecordStart(capability string) {
	m.mu.Lock()
	m.starts[capability] = time.Now()
	m.mu.Unlock()
}

// RecordEnd records the outcome and latency of a capability call
func (m *TurnMetrics) RecordEnd(capability string, success bool) {
	m.mu.Lock()
	start, ok := m.starts[capability]
	delete(m.starts, capability)
	m.mu.Unlock()

	if ok {
		capabilityLatency.WithLabelValues(capability).Observe(time.Since(start).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	capabilityRequests.WithLabelValues(capability, status).Inc()
}

// RecordCompletionRetry counts a completion attempt beyond the first
func (m *TurnMetrics) RecordCompletionRetry() {
	completionRetries.Inc()
}

// RecordCompletionFallback counts a turn answered with the canned reply
func (m *TurnMetrics) RecordCompletionFallback() {
	completionFallbacks.Inc()
}

// RecordError records an error
func (m *TurnMetrics) RecordError(kind, component string) {
	RecordError(kind, component)
}

// RecordError records an error outside a turn
func RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// RecognitionSessionOpened counts an opened transcription session
func RecognitionSessionOpened() {
	recognitionSessions.WithLabelValues("opened").Inc()
}

// RecognitionSessionClosed counts a released transcription session
func RecognitionSessionClosed() {
	recognitionSessions.WithLabelValues("closed").Inc()
}

// SegmentCut counts a segment cut by the named boundary rule
func SegmentCut(rule string) {
	segmentsEmitted.WithLabelValues(rule).Inc()
}

// SegmentPublished counts a published ("ok"), skipped ("synthesis_failed") or lost ("publish_failed") segment
func SegmentPublished(result string) {
	segmentsPublished.WithLabelValues(result).Inc()
}

// PlaybackEvent counts rendered, duplicate, late, gap_skipped and device_restart events
func PlaybackEvent(event string) {
	playbackEvents.WithLabelValues(event).Inc()
}

// BusMessage counts a message on a topic; direction is "in" or "out"
func BusMessage(topic, direction string) {
	busMessages.WithLabelValues(topic, direction).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// BreakerListener exports breaker state and failures to Prometheus
func BreakerListener() resilience.StateListener {
	return func(name string, state resilience.CircuitState, failed bool) {
		UpdateCircuitBreakerState(name, int(state))
		if failed {
			IncrementCircuitBreakerFailures(name)
		}
	}
}
