// Package metrics holds the Prometheus collectors shared by the admission
// controller and the request gate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "admission"

// Recorder groups the collectors. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	Admissions     *prometheus.CounterVec
	Promotions     prometheus.Counter
	Evictions      *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	QueueLength    prometheus.Gauge
	GateInFlight   prometheus.Gauge
	GateWait       prometheus.Histogram
	GateRejected   prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission attempts by outcome (active, queued, existing).",
		}, []string{"outcome"}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Queue entries promoted into active sessions.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Sessions removed from the active map by reason.",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed calls to the shared admission store by operation.",
		}, []string{"op"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Active sessions observed at the last status read or sweep.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Waiting queue length observed at the last status read or sweep.",
		}),
		GateInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "in_flight",
			Help:      "Requests currently holding a gate permit on this instance.",
		}),
		GateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a gate permit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}),
		GateRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "rejected_total",
			Help:      "Requests refused because the identity held no active session.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.Admissions,
			r.Promotions,
			r.Evictions,
			r.StoreErrors,
			r.ActiveSessions,
			r.QueueLength,
			r.GateInFlight,
			r.GateWait,
			r.GateRejected,
		)
	}
	return r
}

func (r *Recorder) Admitted(outcome string) {
	if r == nil {
		return
	}
	r.Admissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Promoted() {
	if r == nil {
		return
	}
	r.Promotions.Inc()
}

func (r *Recorder) Evicted(reason string) {
	if r == nil {
		return
	}
	r.Evictions.WithLabelValues(reason).Inc()
}

func (r *Recorder) StoreError(op string) {
	if r == nil {
		return
	}
	r.StoreErrors.WithLabelValues(op).Inc()
}

func (r *Recorder) Observe(active, queued int) {
	if r == nil {
		return
	}
	r.ActiveSessions.Set(float64(active))
	r.QueueLength.Set(float64(queued))
}

func (r *Recorder) GateAcquired(waited time.Duration) {
	if r == nil {
		return
	}
	r.GateWait.Observe(waited.Seconds())
	r.GateInFlight.Inc()
}

func (r *Recorder) GateReleased() {
	if r == nil {
		return
	}
	r.GateInFlight.Dec()
}

func (r *Recorder) GateRefused() {
	if r == nil {
		return
	}
	r.GateRejected.Inc()
}
