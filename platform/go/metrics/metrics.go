// Package metrics holds the prometheus instruments of the provisioning
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "licensing"

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type Metrics struct {
	ResolveDuration *prometheus.HistogramVec
	ResolveResults  *prometheus.CounterVec
	PoolCreations   *prometheus.CounterVec
	OpenPools       *prometheus.GaugeVec
	PoolEvictions   *prometheus.CounterVec

	EventsHandled     *prometheus.CounterVec
	HandleDuration    *prometheus.HistogramVec
	ProvisioningRetry *prometheus.CounterVec

	OutboxPublished    prometheus.Counter
	OutboxFailures     prometheus.Counter
	OutboxDeadLettered prometheus.Counter
	OutboxLag          prometheus.Histogram

	ConsumerMessages *prometheus.CounterVec
	ConsumerLanes    prometheus.Gauge

	DeadLetters *prometheus.CounterVec
}

// New registers every instrument on reg. A nil reg creates unregistered
// instruments, which tests use to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ResolveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Duration of tenant connection resolution",
			Buckets:   durationBuckets,
		}, []string{"service"}),
		ResolveResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Tenant connection resolutions by result (hit, created, unknown, retired, failure)",
		}, []string{"service", "result"}),
		PoolCreations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_pool_creations_total",
			Help:      "Physical pool creation attempts by result",
		}, []string{"service", "result"}),
		OpenPools: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_pools_open",
			Help:      "Cached tenant pools",
		}, []string{"service"}),
		PoolEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_pool_evictions_total",
			Help:      "Evicted tenant pools by reason",
		}, []string{"service", "reason"}),

		EventsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_events_total",
			Help:      "Lifecycle events handled by the orchestrator by outcome",
		}, []string{"service", "type", "outcome"}),
		HandleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioning_duration_seconds",
			Help:      "Duration of lifecycle event handling",
			Buckets:   durationBuckets,
		}, []string{"service", "type"}),
		ProvisioningRetry: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_retries_total",
			Help:      "Transient provisioning failures that were retried",
		}, []string{"service"}),

		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox entries acknowledged by the transport",
		}),
		OutboxFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Failed outbox publish attempts",
		}),
		OutboxDeadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_lettered_total",
			Help:      "Outbox entries that exhausted their attempts",
		}),
		OutboxLag: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_publish_lag_seconds",
			Help:      "Time between outbox insert and transport acknowledgement",
			Buckets:   durationBuckets,
		}),

		ConsumerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_messages_total",
			Help:      "Lifecycle messages seen by the consumer by outcome",
		}, []string{"service", "outcome"}),
		ConsumerLanes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_active_lanes",
			Help:      "Tenant lanes with queued or running work",
		}),

		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Parked events by source",
		}, []string{"source"}),
	}
}

// Handler exposes the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor exposes a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveResolve(service, result string, start time.Time) {
	if m == nil {
		return
	}
	m.ResolveDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	m.ResolveResults.WithLabelValues(service, result).Inc()
}

func (m *Metrics) PoolCreated(service string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.PoolCreations.WithLabelValues(service, result).Inc()
	if ok {
		m.OpenPools.WithLabelValues(service).Inc()
	}
}

func (m *Metrics) PoolEvicted(service, reason string) {
	if m == nil {
		return
	}
	m.PoolEvictions.WithLabelValues(service, reason).Inc()
	m.OpenPools.WithLabelValues(service).Dec()
}

func (m *Metrics) ObserveEvent(service, eventType, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.EventsHandled.WithLabelValues(service, eventType, outcome).Inc()
	m.HandleDuration.WithLabelValues(service, eventType).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ProvisioningRetried(service string) {
	if m == nil {
		return
	}
	m.ProvisioningRetry.WithLabelValues(service).Inc()
}

func (m *Metrics) OutboxAcked(createdAt time.Time) {
	if m == nil {
		return
	}
	m.OutboxPublished.Inc()
	m.OutboxLag.Observe(time.Since(createdAt).Seconds())
}

func (m *Metrics) OutboxFailed(deadLettered bool) {
	if m == nil {
		return
	}
	m.OutboxFailures.Inc()
	if deadLettered {
		m.OutboxDeadLettered.Inc()
	}
}

func (m *Metrics) ConsumerMessage(service, outcome string) {
	if m == nil {
		return
	}
	m.ConsumerMessages.WithLabelValues(service, outcome).Inc()
}

func (m *Metrics) SetActiveLanes(n int) {
	if m == nil {
		return
	}
	m.ConsumerLanes.Set(float64(n))
}

func (m *Metrics) DeadLettered(source string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(source).Inc()
}
