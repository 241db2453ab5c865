// Package metrics holds the Prometheus instrumentation for the progress
// engine. Collectors are registered on the default registry at init.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "itinerant"

var (
	// FramesTotal counts frames accepted from each source by kind.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Frames received from a signal source by source and kind",
	}, []string{"source", "kind"})

	// MalformedFramesTotal counts frames dropped because they failed to parse.
	MalformedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Frames dropped because they could not be classified",
	}, []string{"source"})

	// PollRequestsTotal counts status polls by result.
	PollRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_requests_total",
		Help:      "Status polls by result (success, error, nudge_limited)",
	}, []string{"result"})

	// StreamConnectsTotal counts stream open attempts by transport and result.
	StreamConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_connects_total",
		Help:      "Stream open attempts by transport and result",
	}, []string{"transport", "result"})

	// StreamExhaustedTotal counts streams abandoned after bounded retries.
	StreamExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_exhausted_total",
		Help:      "Streams abandoned after the reconnect bound was reached",
	})

	// SessionsActive tracks running sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Progress sessions currently running",
	})

	// SessionOutcomesTotal counts how sessions ended.
	SessionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_outcomes_total",
		Help:      "Sessions by outcome (completed, failed, stalled, cancelled)",
	}, []string{"outcome"})

	// SessionDuration tracks wall time from session start to teardown.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Time from session start to teardown",
		Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 240, 300, 600},
	})
)

// IncFrame records a frame accepted from source.
func IncFrame(source, kind string) {
	FramesTotal.WithLabelValues(source, kind).Inc()
}

// IncMalformedFrame records a dropped frame from source.
func IncMalformedFrame(source string) {
	MalformedFramesTotal.WithLabelValues(source).Inc()
}

// IncPoll records a poll outcome.
func IncPoll(result string) {
	PollRequestsTotal.WithLabelValues(result).Inc()
}

// IncStreamConnect records a stream open attempt outcome.
func IncStreamConnect(transport string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	StreamConnectsTotal.WithLabelValues(transport, result).Inc()
}

// ObserveSessionEnd records a finished session.
func ObserveSessionEnd(outcome string, duration time.Duration) {
	SessionOutcomesTotal.WithLabelValues(outcome).Inc()
	SessionDuration.Observe(duration.Seconds())
}
