// Package observability exposes the process Prometheus metrics: query
// engine, store adapters, and the changefeed consumer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_queries_total",
			Help: "Queries executed, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	queryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_query_duration_seconds",
			Help:    "End-to-end one-shot query duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"mode"},
	)

	fanoutRanges = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geoquery_fanout_ranges",
			Help:    "Covering ranges per geo query.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9},
		},
	)

	storeOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_store_op_duration_seconds",
			Help:    "Backing store operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)

	storeOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_store_op_total",
			Help: "Backing store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	liveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_live_subscriptions",
			Help: "Currently active live subscriptions (outer handles).",
		},
	)

	planCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_plan_cache_results_total",
			Help: "Covering-range plan cache results.",
		},
		[]string{"outcome"},
	)

	changefeedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquery_changefeed_messages_total",
			Help: "Changefeed messages consumed, by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	changefeedApplySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoquery_changefeed_apply_seconds",
			Help:    "Time to decode and apply one changefeed message.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"op"},
	)

	changefeedLagSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoquery_changefeed_lag_seconds",
			Help: "Approximate consumer lag: now minus message timestamp.",
		},
	)
)

func ObserveQuery(mode string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	queriesTotal.WithLabelValues(mode, outcome).Inc()
	queryDurationSeconds.WithLabelValues(mode).Observe(durationSeconds)
}

func ObserveFanout(ranges int) {
	fanoutRanges.Observe(float64(ranges))
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeOpTotal.WithLabelValues(op, outcome).Inc()
	storeOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncLiveSubscriptions() { liveSubscriptions.Inc() }
func DecLiveSubscriptions() { liveSubscriptions.Dec() }

func IncPlanCacheHit()  { planCacheResults.WithLabelValues("hit").Inc() }
func IncPlanCacheMiss() { planCacheResults.WithLabelValues("miss").Inc() }

func ObserveChangefeedMessage(op, outcome string, durationSeconds float64) {
	changefeedMessages.WithLabelValues(op, outcome).Inc()
	changefeedApplySeconds.WithLabelValues(op).Observe(durationSeconds)
}

func SetChangefeedLag(seconds float64) {
	changefeedLagSeconds.Set(seconds)
}
