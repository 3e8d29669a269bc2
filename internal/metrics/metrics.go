package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vlab_sessions",
			Help: "Number of sessions by state",
		},
		[]string{"state"},
	)

	SessionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_session_starts_total",
			Help: "Total sessions that reached Running, by spec",
		},
		[]string{"spec"},
	)

	SessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_session_failures_total",
			Help: "Total sessions that failed to provision, by spec and cause",
		},
		[]string{"spec", "cause"},
	)

	ProvisioningLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlab_session_startup_seconds",
			Help:    "Time from claim to Running in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"spec"},
	)

	SessionsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_sessions_reaped_total",
			Help: "Total sessions terminated by the reaper, by cause",
		},
		[]string{"cause"},
	)

	ProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_proxy_requests_total",
			Help: "Total proxied requests by spec and outcome",
		},
		[]string{"spec", "outcome"},
	)

	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlab_proxy_errors_total",
			Help: "Total proxy failures by kind",
		},
		[]string{"kind"},
	)

	ActiveTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlab_active_tunnels",
			Help: "Number of open upgraded (WebSocket) tunnels",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsByState)
	prometheus.MustRegister(SessionStarts)
	prometheus.MustRegister(SessionFailures)
	prometheus.MustRegister(ProvisioningLatency)
	prometheus.MustRegister(SessionsReaped)
	prometheus.MustRegister(ProxyRequests)
	prometheus.MustRegister(ProxyErrors)
	prometheus.MustRegister(ActiveTunnels)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
