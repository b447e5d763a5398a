// Package metrics содержит метрики Prometheus сервиса обмена.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrderTransitions считает переходы заявок по целевому статусу.
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchanger_order_transitions_total",
			Help: "Order status transitions by target status",
		},
		[]string{"status"},
	)

	// Webhooks считает входящие вебхуки по провайдеру и результату обработки.
	Webhooks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchanger_webhooks_total",
			Help: "Payment provider webhooks by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	// PaymentTransitions считает переходы платежей.
	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchanger_payment_transitions_total",
			Help: "Payment status transitions by gateway and target status",
		},
		[]string{"gateway", "status"},
	)

	// RateRefreshes считает обновления курсов по паре и результату.
	RateRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchanger_rate_refresh_total",
			Help: "Rate refresh attempts by pair and result",
		},
		[]string{"pair", "result"},
	)

	// Notifications считает попытки доставки уведомлений.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchanger_notifications_total",
			Help: "Notification delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	// HTTPDuration измеряет длительность обработки HTTP-запросов.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exchanger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)
