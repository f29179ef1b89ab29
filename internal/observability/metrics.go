package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "connector"

// Metrics groups the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	webhookDeliveries   *prometheus.CounterVec
	metricsIngested     *prometheus.CounterVec
	tokenRefreshes      *prometheus.CounterVec
	aggregationDuration prometheus.Histogram
	aggregationRows     prometheus.Gauge
	aggregationAlerts   *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Inbound webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		metricsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_ingested_total",
			Help:      "Metrics seen by the quality gate by type and outcome.",
		}, []string{"metric_type", "outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Refresh-token exchanges by provider and result.",
		}, []string{"provider", "result"}),
		aggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Wall time of daily aggregation runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		aggregationRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregation_rows_written",
			Help:      "Aggregate rows written by the last aggregation run.",
		}),
		aggregationAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_glycemic_alerts_total",
			Help:      "Daily aggregates crossing clinical thresholds.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		m.webhookDeliveries,
		m.metricsIngested,
		m.tokenRefreshes,
		m.aggregationDuration,
		m.aggregationRows,
		m.aggregationAlerts,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WebhookDelivery(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) MetricIngested(metricType, outcome string) {
	if m == nil {
		return
	}
	m.metricsIngested.WithLabelValues(metricType, outcome).Inc()
}

func (m *Metrics) TokenRefresh(provider string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.tokenRefreshes.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) AggregationRun(d time.Duration, rows int) {
	if m == nil {
		return
	}
	m.aggregationDuration.Observe(d.Seconds())
	m.aggregationRows.Set(float64(rows))
}

func (m *Metrics) GlycemicAlert(kind string) {
	if m == nil {
		return
	}
	m.aggregationAlerts.WithLabelValues(kind).Inc()
}
