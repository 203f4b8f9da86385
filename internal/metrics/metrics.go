package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upgrade results.
const (
	ResultRelayed  = "relayed"
	ResultFallback = "fallback"
)

// Registry holds the proxy's metrics on a private prometheus registry.
// All methods are safe on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	upgrades      *prometheus.CounterVec
	relaysActive  *prometheus.GaugeVec
	relayErrors   *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "upgrades_total",
			Help:      "Connection upgrade requests by matched rule and result.",
		}, []string{"rule", "result"}),
		relaysActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "relays_active",
			Help:      "Relayed connections currently open.",
		}, []string{"rule"}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "relay_errors_total",
			Help:      "Relays that ended with an error.",
		}, []string{"rule", "reason"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devproxy",
			Name:      "relay_duration_seconds",
			Help:      "Lifetime of relayed connections.",
			Buckets:   []float64{.1, .5, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"rule"}),
	}
	reg.MustRegister(
		r.upgrades, r.relaysActive, r.relayErrors, r.relayDuration,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Registry) IncUpgrade(rule, result string) {
	if r == nil {
		return
	}
	r.upgrades.WithLabelValues(rule, result).Inc()
}

func (r *Registry) IncActiveRelays(rule string) {
	if r == nil {
		return
	}
	r.relaysActive.WithLabelValues(rule).Inc()
}

func (r *Registry) DecActiveRelays(rule string) {
	if r == nil {
		return
	}
	r.relaysActive.WithLabelValues(rule).Dec()
}

func (r *Registry) IncRelayError(rule, reason string) {
	if r == nil {
		return
	}
	r.relayErrors.WithLabelValues(rule, reason).Inc()
}

func (r *Registry) ObserveRelay(rule string, d time.Duration) {
	if r == nil {
		return
	}
	r.relayDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
