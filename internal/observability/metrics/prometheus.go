// Package metrics provides Prometheus metrics for the claims services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ClaimsSubmitted        *prometheus.CounterVec
	ClaimTransitions       *prometheus.CounterVec
	ClaimNumberCollisions  prometheus.Counter
	ClaimConcurrentUpdates prometheus.Counter
	Adjudications          *prometheus.CounterVec
	AdjudicationFailures   *prometheus.CounterVec
	CodesImported          *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	OutboxPublishes        *prometheus.CounterVec
	OutboxFailures         *prometheus.CounterVec
	OutboxDeadLetters      prometheus.Counter
	OutboxPending          prometheus.Gauge
	KafkaMessagesConsumed  prometheus.Counter
	Notifications          *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claims_submitted_total",
			Help: "Total claims submitted",
		}, []string{"currency"}),
		ClaimTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_transitions_total",
			Help: "Total claim status transitions",
		}, []string{"from", "to"}),
		ClaimNumberCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claim_number_collisions_total",
			Help: "Claim numbers regenerated after a unique violation",
		}),
		ClaimConcurrentUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claim_concurrent_updates_total",
			Help: "Claim transitions that lost a compare-and-swap race",
		}),
		Adjudications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adjudications_total",
			Help: "Total successful adjudications",
		}, []string{"strategy", "capped"}),
		AdjudicationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adjudication_failures_total",
			Help: "Total failed adjudications",
		}, []string{"reason"}),
		CodesImported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medical_codes_import_rows_total",
			Help: "Rows processed by bulk code imports",
		}, []string{"country", "outcome"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published to the broker",
		}, []string{"topic"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Outbox publish attempts that failed",
		}, []string{"topic"}),
		OutboxDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_letters_total",
			Help: "Outbox entries moved to the dead letter topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_notifications_total",
			Help: "Claim notifications by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ClaimsSubmitted,
		m.ClaimTransitions,
		m.ClaimNumberCollisions,
		m.ClaimConcurrentUpdates,
		m.Adjudications,
		m.AdjudicationFailures,
		m.CodesImported,
		m.HTTPRequestDuration,
		m.OutboxPublishes,
		m.OutboxFailures,
		m.OutboxDeadLetters,
		m.OutboxPending,
		m.KafkaMessagesConsumed,
		m.Notifications,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) ClaimSubmitted(currency string) {
	m.ClaimsSubmitted.WithLabelValues(currency).Inc()
}

func (m *Metrics) ClaimTransitioned(from, to string) {
	m.ClaimTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ClaimNumberCollision() { m.ClaimNumberCollisions.Inc() }

func (m *Metrics) ClaimConcurrentUpdate() { m.ClaimConcurrentUpdates.Inc() }

func (m *Metrics) Adjudicated(strategy string, capped bool) {
	m.Adjudications.WithLabelValues(strategy, strconv.FormatBool(capped)).Inc()
}

func (m *Metrics) AdjudicationFailed(reason string) {
	m.AdjudicationFailures.WithLabelValues(reason).Inc()
}

// CodesImportedRows records one bulk import report.
func (m *Metrics) CodesImportedRows(country string, imported, skipped int) {
	m.CodesImported.WithLabelValues(country, "imported").Add(float64(imported))
	m.CodesImported.WithLabelValues(country, "skipped").Add(float64(skipped))
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) OutboxPublished(topic string) {
	m.OutboxPublishes.WithLabelValues(topic).Inc()
}

func (m *Metrics) OutboxFailed(topic string) {
	m.OutboxFailures.WithLabelValues(topic).Inc()
}

func (m *Metrics) OutboxDeadLettered(count int) {
	m.OutboxDeadLetters.Add(float64(count))
}

func (m *Metrics) MessageConsumed() { m.KafkaMessagesConsumed.Inc() }

func (m *Metrics) NotificationOutcome(outcome string) {
	m.Notifications.WithLabelValues(outcome).Inc()
}

// BreakerStateChanged records a circuit breaker state as 0, 1 or 2.
func (m *Metrics) BreakerStateChanged(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
