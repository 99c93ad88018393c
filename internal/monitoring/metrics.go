// Package monitoring exposes the engine's Prometheus metrics. Collectors
// are package-level and registered once; trading code records through the
// helper functions so instrument names stay in one place.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daybreak_signals_total",
			Help: "Breakout signals emitted",
		},
		[]string{"type", "side"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daybreak_orders_total",
			Help: "Orders by submission outcome",
		},
		[]string{"side", "outcome"},
	)

	exitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daybreak_exits_total",
			Help: "Position exits by trigger",
		},
		[]string{"trigger"},
	)

	brokerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "daybreak_broker_latency_seconds",
			Help:    "Broker API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daybreak_open_positions",
			Help: "Equity positions currently being monitored",
		},
	)

	openOptionPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daybreak_open_option_positions",
			Help: "Options positions currently being monitored",
		},
	)

	deployedCapital = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daybreak_deployed_capital_dollars",
			Help: "Capital deployed by signal type",
		},
		[]string{"type"},
	)

	accountValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daybreak_account_value_dollars",
			Help: "Compounded total account value",
		},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daybreak_errors_total",
			Help: "Errors by component",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(
		signalsTotal,
		ordersTotal,
		exitsTotal,
		brokerLatency,
		openPositions,
		openOptionPositions,
		deployedCapital,
		accountValue,
		errorsTotal,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSignal counts one emitted signal.
func RecordSignal(sigType, side string) {
	signalsTotal.WithLabelValues(sigType, side).Inc()
}

// RecordOrder counts one order submission outcome (placed, rejected,
// cancelled, timeout).
func RecordOrder(side, outcome string) {
	ordersTotal.WithLabelValues(side, outcome).Inc()
}

// RecordExit counts one position close by its trigger.
func RecordExit(trigger string) {
	exitsTotal.WithLabelValues(trigger).Inc()
}

// ObserveBrokerCall records one broker round trip.
func ObserveBrokerCall(op string, d time.Duration) {
	brokerLatency.WithLabelValues(op).Observe(d.Seconds())
}

// SetOpenPositions updates the monitored equity-position gauge.
func SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// SetOpenOptionPositions updates the monitored options-position gauge.
func SetOpenOptionPositions(n int) {
	openOptionPositions.Set(float64(n))
}

// SetDeployedCapital updates the deployed-capital gauge for a signal type.
func SetDeployedCapital(sigType string, dollars float64) {
	deployedCapital.WithLabelValues(sigType).Set(dollars)
}

// SetAccountValue updates the compounded account value gauge.
func SetAccountValue(dollars float64) {
	accountValue.Set(dollars)
}

// RecordError counts one error against its component.
func RecordError(component string) {
	errorsTotal.WithLabelValues(component).Inc()
}
