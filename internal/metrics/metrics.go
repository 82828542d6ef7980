// Package metrics registers the bot's Prometheus collectors and serves them
// over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts market ticks ingested per symbol.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "digitbot_ticks_total", Help: "Count of market ticks ingested"},
		[]string{"symbol"},
	)

	// TradesTotal counts settled trades per symbol and outcome.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "digitbot_trades_total", Help: "Settled trades by outcome"},
		[]string{"symbol", "result"},
	)

	// ProfitTotal tracks cumulative profit for the current run.
	ProfitTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "digitbot_profit_total", Help: "Cumulative profit of the active run"},
	)

	// ReconnectsTotal counts connection re-establishments per component.
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "digitbot_reconnects_total", Help: "WebSocket reconnect attempts"},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, TradesTotal, ProfitTotal, ReconnectsTotal)
}

// Serve exposes /metrics on addr and returns the server so callers can shut
// it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
