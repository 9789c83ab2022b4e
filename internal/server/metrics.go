package server

import (
	"net/http"

	"escrowpay/internal/escrow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's private prometheus registry. It also implements
// release.Observer so the release worker reports into the same registry.
type Metrics struct {
	registry           *prometheus.Registry
	escrowsTotal       *prometheus.CounterVec
	fundIntentsTotal   *prometheus.CounterVec
	fundingsTotal      *prometheus.CounterVec
	releasesTotal      *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	replaysTotal       *prometheus.CounterVec
	dlqDepth           prometheus.Gauge
}

func NewMetrics() *Metrics {
	escrows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_escrows_created_total",
		Help: "Escrows created, by chain",
	}, []string{"chain_id"})

	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_fund_intents_total",
		Help: "Fund intents requested, by result code",
	}, []string{"result"})

	fundings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_fundings_total",
		Help: "Funding confirmations, by result code",
	}, []string{"result"})

	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_releases_total",
		Help: "Release attempts, by trigger and result",
	}, []string{"trigger", "result"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_retry_attempts_total",
		Help: "Retry attempts for release submission",
	}, []string{"result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_idempotent_replays_total",
		Help: "Responses replayed from the idempotency store",
	}, []string{"route"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowpay_dlq_depth",
		Help: "Number of releases waiting in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(escrows, intents, fundings, releases, retries, replays, dlq)

	return &Metrics{
		registry:           r,
		escrowsTotal:       escrows,
		fundIntentsTotal:   intents,
		fundingsTotal:      fundings,
		releasesTotal:      releases,
		retryAttemptsTotal: retries,
		replaysTotal:       replays,
		dlqDepth:           dlq,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incEscrow(chainID string) {
	m.escrowsTotal.WithLabelValues(chainID).Inc()
}

func (m *Metrics) incFundIntent(result string) {
	m.fundIntentsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incFunding(result string) {
	m.fundingsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incReplay(route string) {
	m.replaysTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) ObserveRelease(trigger escrow.Releaser, result string) {
	m.releasesTotal.WithLabelValues(string(trigger), result).Inc()
}

func (m *Metrics) ObserveRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
