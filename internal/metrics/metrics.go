package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Outbound payment gateway requests by operation and result.",
	}, []string{"operation", "result"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency of outbound payment gateway requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_confirmations_total",
		Help: "Confirmation engine outcomes by effect.",
	}, []string{"effect"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Merchant webhook delivery attempts by result.",
	}, []string{"result"})

	PaymentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_expired_total",
		Help: "Payments moved to expired by the sweeper.",
	})

	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Orders moved to expired by the sweeper.",
	})
)
