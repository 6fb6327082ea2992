// Package metrics exposes exchange counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every exchange metric. One instance per process,
// registered on its own registry so tests can build throwaway collectors.
type Collector struct {
	registry *prometheus.Registry

	OrdersAccepted  *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	TradesTotal     *prometheus.CounterVec
	TradeVolume     *prometheus.CounterVec
	MarketsResolved prometheus.Counter
	EngineHalts     *prometheus.CounterVec

	WSConnections   prometheus.Gauge
	WSDropped       prometheus.Counter
	WSSubscriptions prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.OrdersAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "orders", Name: "accepted_total",
		Help: "Orders accepted by the matching engine",
	}, []string{"market", "side", "kind"})

	c.OrdersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "orders", Name: "rejected_total",
		Help: "Orders rejected before admission",
	}, []string{"market", "code"})

	c.OrdersCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "orders", Name: "cancelled_total",
		Help: "Orders cancelled, by reason",
	}, []string{"market", "reason"})

	c.TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "trades", Name: "total",
		Help: "Trades executed",
	}, []string{"market"})

	c.TradeVolume = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "trades", Name: "volume_units",
		Help: "Traded share quantity in ten-thousandths",
	}, []string{"market"})

	c.MarketsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "markets", Name: "resolved_total",
		Help: "Markets resolved",
	})

	c.EngineHalts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "engine", Name: "halts_total",
		Help: "Market workers halted on invariant or commit failure",
	}, []string{"market"})

	c.WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flipside", Subsystem: "ws", Name: "connections",
		Help: "Live websocket connections",
	})

	c.WSDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "ws", Name: "dropped_total",
		Help: "Websocket clients dropped for falling behind",
	})

	c.WSSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flipside", Subsystem: "ws", Name: "subscriptions",
		Help: "Active topic subscriptions",
	})

	c.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flipside", Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "method", "status"})

	c.HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flipside", Subsystem: "http", Name: "request_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	c.registry.MustRegister(
		c.OrdersAccepted, c.OrdersRejected, c.OrdersCancelled,
		c.TradesTotal, c.TradeVolume, c.MarketsResolved, c.EngineHalts,
		c.WSConnections, c.WSDropped, c.WSSubscriptions,
		c.HTTPRequests, c.HTTPLatency,
	)
	return c
}

func (c *Collector) OrderAccepted(market, side, kind string) {
	c.OrdersAccepted.WithLabelValues(market, side, kind).Inc()
}

func (c *Collector) OrderRejected(market, code string) {
	c.OrdersRejected.WithLabelValues(market, code).Inc()
}

func (c *Collector) OrderCancelled(market, reason string) {
	c.OrdersCancelled.WithLabelValues(market, reason).Inc()
}

func (c *Collector) TradeExecuted(market string, qty int64) {
	c.TradesTotal.WithLabelValues(market).Inc()
	c.TradeVolume.WithLabelValues(market).Add(float64(qty))
}

func (c *Collector) MarketResolved(string) { c.MarketsResolved.Inc() }

func (c *Collector) EngineHalted(market string) {
	c.EngineHalts.WithLabelValues(market).Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
