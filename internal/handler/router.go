package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/exchanger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса обмена.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{codeOrID}", h.GetOrder)

		r.Post("/payments", h.CreatePayment)
		r.Get("/payments/{codeOrID}", h.GetPayment)

		r.Post("/webhooks/{gateway}", h.Webhook)

		r.Get("/rates", h.GetRates)
		r.Get("/rates/{from}/{to}", h.GetRate)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/orders", h.ListOrders)
			r.Post("/orders/{id}/approve", h.ApproveOrder)
			r.Post("/orders/{id}/reject", h.RejectOrder)
			r.Post("/orders/{id}/complete", h.CompleteOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)

			r.Post("/payments/{id}/refund", h.RefundPayment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
