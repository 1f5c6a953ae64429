// Package metrics exposes Prometheus collectors for the message log and stream broker.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "projectlog"

// Metrics groups the application's collectors.
type Metrics struct {
	registry *prometheus.Registry

	submits            *prometheus.CounterVec
	submitRetries      prometheus.Counter
	activeSubscribers  prometheus.Gauge
	droppedSubscribers prometheus.Counter
	gapsHealed         prometheus.Counter
	inboundDropped     prometheus.Counter
	presenceBroadcasts prometheus.Counter
	exportDropped      prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Message submissions by outcome (created, duplicate, error).",
		}, []string{"outcome"}),
		submitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_retries_total",
			Help:      "Submission attempts retried after a transient storage error.",
		}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Currently registered stream subscriptions.",
		}),
		droppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_total",
			Help:      "Subscriptions force-closed by the backpressure policy.",
		}),
		gapsHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_gaps_healed_total",
			Help:      "Sequence gaps filled from the committed log before live delivery.",
		}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_inbound_dropped_total",
			Help:      "Inbound control signals rejected by the per-connection rate limiter.",
		}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "Coalesced presence changes published to the broker.",
		}),
		exportDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_dropped_total",
			Help:      "Committed messages not exported because the export queue was full.",
		}),
	}

	reg.MustRegister(
		m.submits,
		m.submitRetries,
		m.activeSubscribers,
		m.droppedSubscribers,
		m.gapsHealed,
		m.inboundDropped,
		m.presenceBroadcasts,
		m.exportDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SubmitCreated counts a newly committed message.
func (m *Metrics) SubmitCreated() {
	if m != nil {
		m.submits.WithLabelValues("created").Inc()
	}
}

// SubmitDuplicate counts a resubmission answered with the original message.
func (m *Metrics) SubmitDuplicate() {
	if m != nil {
		m.submits.WithLabelValues("duplicate").Inc()
	}
}

// SubmitFailed counts a submission that returned an error.
func (m *Metrics) SubmitFailed() {
	if m != nil {
		m.submits.WithLabelValues("error").Inc()
	}
}

// SubmitRetried counts one retried attempt.
func (m *Metrics) SubmitRetried() {
	if m != nil {
		m.submitRetries.Inc()
	}
}

// SubscriberAdded increments the active subscription gauge.
func (m *Metrics) SubscriberAdded() {
	if m != nil {
		m.activeSubscribers.Inc()
	}
}

// SubscriberRemoved decrements the active subscription gauge.
func (m *Metrics) SubscriberRemoved() {
	if m != nil {
		m.activeSubscribers.Dec()
	}
}

// SubscriberDropped counts a forced close.
func (m *Metrics) SubscriberDropped() {
	if m != nil {
		m.droppedSubscribers.Inc()
	}
}

// GapHealed counts a gap healing pass.
func (m *Metrics) GapHealed() {
	if m != nil {
		m.gapsHealed.Inc()
	}
}

// InboundDropped counts a rate-limited inbound signal.
func (m *Metrics) InboundDropped() {
	if m != nil {
		m.inboundDropped.Inc()
	}
}

// PresenceBroadcast counts a presence change handed to the broker.
func (m *Metrics) PresenceBroadcast() {
	if m != nil {
		m.presenceBroadcasts.Inc()
	}
}

// ExportDropped counts a message the exporter had no room for.
func (m *Metrics) ExportDropped() {
	if m != nil {
		m.exportDropped.Inc()
	}
}
