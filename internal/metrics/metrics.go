package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ramp_webhook_outcomes_total",
		Help: "Payment notifications by processing outcome",
	}, []string{"outcome"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ramp_gateway_calls_total",
		Help: "Settlement gateway calls by operation and result",
	}, []string{"op", "result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ramp_gateway_call_duration_seconds",
		Help:    "Settlement gateway call latency including retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"op"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ramp_sweep_runs_total",
		Help: "Periodic sweep ticks by sweep and result",
	}, []string{"sweep", "result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ramp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	RateDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ramp_rate_degraded",
		Help: "1 while the rate adapter is serving the last-resort constant",
	})
)
