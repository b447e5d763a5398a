// Package handler содержит HTTP-обработчики API сервиса обмена.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/middleware"
	"github.com/mmeshcher/exchanger/internal/model"
	"github.com/mmeshcher/exchanger/internal/service"
)

// maxBodySize ограничивает размер тела запроса.
const maxBodySize = 1 << 20

// OrderService определяет операции над заявками, используемые обработчиками.
type OrderService interface {
	CreateOrder(ctx context.Context, req model.CreateOrderRequest) (*model.Order, error)
	GetOrder(ctx context.Context, codeOrID, checksum string) (*model.Order, error)
	FindAll(ctx context.Context, f model.OrderFilter) (*model.OrderPage, error)
	Approve(ctx context.Context, id uuid.UUID, adminID, notes string) (*model.Order, error)
	Reject(ctx context.Context, id uuid.UUID, adminID, reason string) (*model.Order, error)
	Complete(ctx context.Context, id uuid.UUID, adminID, notes string) (*model.Order, error)
	Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*model.Order, error)
}

// PaymentService определяет операции над платежами, используемые обработчиками.
type PaymentService interface {
	CreatePayment(ctx context.Context, req model.CreatePaymentRequest) (*model.PaymentIntent, error)
	GetPayment(ctx context.Context, codeOrID string) (*model.Payment, error)
	HandleWebhook(ctx context.Context, gw model.Gateway, payload []byte, signature string) (service.WebhookOutcome, error)
	RefundPayment(ctx context.Context, paymentID uuid.UUID, req service.RefundRequest) (*model.Refund, error)
}

// RateService отдаёт актуальные курсы.
type RateService interface {
	GetRate(ctx context.Context, from, to string) (*model.RateSnapshot, error)
	GetAllRates(ctx context.Context) ([]model.RateSnapshot, error)
}

// Handler реализует HTTP-обработчики API сервиса обмена.
type Handler struct {
	orders         OrderService
	payments       PaymentService
	rates          RateService
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(
	orders OrderService,
	payments PaymentService,
	rates RateService,
	logger *zap.Logger,
	auth *middleware.AuthMiddleware,
) *Handler {
	return &Handler{
		orders:         orders,
		payments:       payments,
		rates:          rates,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrUnsupportedGateway),
		errors.Is(err, model.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrExpired):
		return http.StatusGone
	case errors.Is(err, model.ErrExhaustedRetries),
		errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()

	switch {
	case errors.Is(err, model.ErrInvalidSignature):
		// Детали проверки подписи наружу не отдаются.
		msg = model.ErrInvalidSignature.Error()
	case status == http.StatusInternalServerError:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = http.StatusText(status)
	case status == http.StatusServiceUnavailable:
		h.logger.Warn("upstream failure", zap.String("path", r.URL.Path), zap.Error(err))
	}

	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}
