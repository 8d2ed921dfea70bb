package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts order requests by terminal status.
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exodus_orders_processed_total",
		Help: "Total number of order requests by terminal status",
	},
	[]string{"status"},
)

// RiskRejections counts risk rejections by check kind.
var RiskRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exodus_risk_rejections_total",
		Help: "Total number of risk rejections by check",
	},
	[]string{"check"},
)

// RoutingFailovers counts failover reroutes after venue submission failures.
var RoutingFailovers = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "exodus_routing_failovers_total",
		Help: "Total number of failover reroutes",
	},
)

// ReconciliationDiscrepancies counts reconciliation records with discrepancies.
var ReconciliationDiscrepancies = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "exodus_reconciliation_discrepancies_total",
		Help: "Total number of reconciliation records carrying discrepancies",
	},
)

// OrderLatency records latency distribution for the order pipeline.
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "exodus_order_pipeline_latency_seconds",
		Help:    "Latency in seconds to process an order through the pipeline",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(OrdersProcessed, RiskRejections, RoutingFailovers,
		ReconciliationDiscrepancies, OrderLatency)
}
