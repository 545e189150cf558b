// Package metrics exposes Prometheus collectors for the poller, dashboard and recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depthview"

type Metrics struct {
	registry *prometheus.Registry

	FetchTotal          *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	SnapshotAgeSeconds  *prometheus.GaugeVec
	AggregationDuration prometheus.Histogram
	WSClients           prometheus.Gauge
	PublishErrorsTotal  *prometheus.CounterVec
	BatchFlushTotal     *prometheus.CounterVec
	CacheTotal          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_total",
			Help:      "Upstream fetches by source, symbol and result.",
		}, []string{"source", "symbol", "result"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Upstream fetch latency by source.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"source"}),
		SnapshotAgeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_snapshot_timestamp_seconds",
			Help:      "Unix time of the latest stored order book snapshot.",
		}, []string{"symbol"}),
		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Time spent building an aggregated book view.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected dashboard websocket clients.",
		}),
		PublishErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed broker publishes by exchange.",
		}, []string{"exchange"}),
		BatchFlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flush_total",
			Help:      "Recorder batch flushes by entity and result.",
		}, []string{"entity", "result"}),
		CacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_cache_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.FetchTotal,
		m.FetchDuration,
		m.SnapshotAgeSeconds,
		m.AggregationDuration,
		m.WSClients,
		m.PublishErrorsTotal,
		m.BatchFlushTotal,
		m.CacheTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one upstream call. A nil receiver is a no-op so callers may run without metrics.
func (m *Metrics) ObserveFetch(source, symbol string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FetchTotal.WithLabelValues(source, symbol, result).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveSnapshot(symbol string, fetchedAt time.Time) {
	if m == nil {
		return
	}
	m.SnapshotAgeSeconds.WithLabelValues(symbol).Set(float64(fetchedAt.Unix()))
}

func (m *Metrics) ObserveAggregation(started time.Time) {
	if m == nil {
		return
	}
	m.AggregationDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

func (m *Metrics) PublishFailed(exchange string) {
	if m == nil {
		return
	}
	m.PublishErrorsTotal.WithLabelValues(exchange).Inc()
}

func (m *Metrics) BatchFlushed(entity string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BatchFlushTotal.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.CacheTotal.WithLabelValues("miss").Inc()
}
