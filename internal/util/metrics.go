package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_quotes_created_total",
		Help: "Total number of payment intents created",
	}, []string{"currency", "account"})

	QuotesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_quotes_rejected_total",
		Help: "Total number of rejected checkout quotes",
	}, []string{"reason"})

	CurrencyFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_currency_fallback_total",
		Help: "Total number of quotes that fell back to the event currency",
	}, []string{"reason"})

	CheckoutBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_blocked_total",
		Help: "Total number of checkout requests blocked upstream",
	}, []string{"reason"})

	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"payment_method"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	PartialOrdersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_partial_total",
		Help: "Total number of paid orders found without tickets on redelivery",
	})

	TicketsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_issued_total",
		Help: "Total number of individual tickets issued",
	})

	OversellIncidentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_oversell_incidents_total",
		Help: "Total number of sold increments that crossed capacity",
	})

	InventoryIncrementFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_increment_failed_total",
		Help: "Total number of failed sold counter increments",
	})

	DiscountIncrementFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discount_increment_failed_total",
		Help: "Total number of failed discount usage increments",
	})

	EmailFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_confirmation_email_failed_total",
		Help: "Total number of order confirmation emails that failed",
	})

	TasksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "background_tasks_dropped_total",
		Help: "Total number of best-effort tasks dropped or failed",
	}, []string{"task", "reason"})

	GatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment intent creation",
		Buckets: prometheus.DefBuckets,
	})

	OrderCreationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_creation_latency_seconds",
		Help:    "Latency of order materialization",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
