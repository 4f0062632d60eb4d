// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_relay_sends_total",
			Help: "Delivery attempt outcomes (sent, deferred, error)",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mail_relay_send_duration_seconds",
			Help:    "SMTP delivery duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	reportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_relay_reports_total",
			Help: "Report sync attempts by result (ok, failed, skipped_dnd)",
		},
		[]string{"result"},
	)

	eventsReported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mail_relay_events_reported_total",
			Help: "Delivery events acknowledged by clients",
		},
	)

	pendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mail_relay_pending_messages",
			Help: "Messages awaiting delivery at the last dispatch tick",
		},
	)

	poolConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mail_relay_smtp_pool_connections",
			Help: "Open SMTP connections across all accounts",
		},
	)

	rateDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mail_relay_rate_limit_deferrals_total",
			Help: "Messages pushed back by per-account rate limits",
		},
	)
)

// RecordSend records one delivery attempt outcome.
func RecordSend(outcome string, duration time.Duration) {
	sendsTotal.WithLabelValues(outcome).Inc()
	if outcome == "sent" {
		sendDuration.Observe(duration.Seconds())
	}
}

// RecordReport records one report sync attempt.
func RecordReport(result string) {
	reportsTotal.WithLabelValues(result).Inc()
}

// RecordEventsReported adds acknowledged events to the running total.
func RecordEventsReported(n int) {
	eventsReported.Add(float64(n))
}

// SetPendingMessages publishes the dispatch backlog size.
func SetPendingMessages(n int) {
	pendingMessages.Set(float64(n))
}

// SetPoolConnections publishes the SMTP pool size.
func SetPoolConnections(n int) {
	poolConnections.Set(float64(n))
}

// RecordRateDeferral counts a rate-limit pushback.
func RecordRateDeferral() {
	rateDeferrals.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
