// Package metrics exposes the gateway's Prometheus collectors. All metrics
// are package-level promauto collectors registered on the default registry
// and served by the proxy's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksPublished counts normalized ticks published to the bus, per exchange.
	TicksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ticks_published_total",
		Help: "Normalized ticks published to the internal bus.",
	}, []string{"exchange"})

	// ClientDrops counts ticks shed from per-client send queues.
	ClientDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_client_drops_total",
		Help: "Ticks dropped or coalesced away due to slow clients.",
	})

	// ActiveClients tracks currently connected WebSocket clients.
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_clients",
		Help: "Currently connected WebSocket clients.",
	})

	// ActiveSubscriptions tracks distinct reference-counted subscription keys.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_subscriptions",
		Help: "Distinct subscription keys with at least one client.",
	})

	// BrokerReconnects counts broker feed reconnect attempts, per broker.
	BrokerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_reconnects_total",
		Help: "Broker feed connection reconnect attempts.",
	}, []string{"broker"})

	// OrdersFilled counts simulated order fills, per product.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sim_orders_filled_total",
		Help: "Simulated orders filled by the execution engine.",
	}, []string{"product"})

	// OrdersRejected counts simulated order rejections, per reason code.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sim_orders_rejected_total",
		Help: "Simulated orders rejected at acceptance or evaluation.",
	}, []string{"code"})

	// EngineCycleSeconds observes execution engine cycle duration.
	EngineCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_sim_engine_cycle_seconds",
		Help:    "Duration of one execution engine evaluation cycle.",
		Buckets: prometheus.DefBuckets,
	})
)
