// Package metrics declares the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_total",
		Help:      "Total admitted requests by model and terminal status.",
	}, []string{"model", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency by model.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model"})

	TimeToFirstToken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "time_to_first_token_seconds",
		Help:      "Time to first streamed token by model.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	}, []string{"model"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "rejections_total",
		Help:      "Requests rejected before dispatch, by reason.",
	}, []string{"reason"})

	EndpointHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "endpoint_health",
		Help:      "1 if the endpoint is eligible for dispatch, else 0.",
	}, []string{"endpoint_id", "model_id"})

	EndpointLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "endpoint_latency_ms",
		Help:      "EWMA latency per endpoint in milliseconds.",
	}, []string{"endpoint_id"})

	BudgetUsageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "budget_usage_ratio",
		Help:      "Fraction of monthly budget consumed by api key.",
	}, []string{"api_key_id"})

	UsageSpoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "usage_spool_pending",
		Help:      "Number of usage records currently queued in the on-disk spool.",
	})
)
