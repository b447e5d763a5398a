package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/middleware"
	"github.com/mmeshcher/exchanger/internal/model"
	"github.com/mmeshcher/exchanger/internal/service"
)

type paymentResponse struct {
	ID          string            `json:"id"`
	Code        string            `json:"code"`
	OrderID     *string           `json:"order_id,omitempty"`
	Gateway     string            `json:"gateway"`
	Amount      decimal.Decimal   `json:"amount"`
	FeeAmount   decimal.Decimal   `json:"fee_amount"`
	NetAmount   decimal.Decimal   `json:"net_amount"`
	Currency    string            `json:"currency"`
	Status      string            `json:"status"`
	ExternalID  string            `json:"external_id,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	ExpiresAt   string            `json:"expires_at"`
	PaidAt      *string           `json:"paid_at,omitempty"`
	RefundedAt  *string           `json:"refunded_at,omitempty"`
	Checkout    map[string]string `json:"checkout,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	resp := paymentResponse{
		ID:          p.ID.String(),
		Code:        p.Code,
		Gateway:     string(p.Gateway),
		Amount:      p.Amount,
		FeeAmount:   p.FeeAmount,
		NetAmount:   p.NetAmount,
		Currency:    p.Currency,
		Status:      string(p.Status),
		ExternalID:  p.ExternalID,
		ErrorDetail: p.ErrorDetail,
		ExpiresAt:   p.ExpiresAt.Format(time.RFC3339),
		PaidAt:      formatTime(p.PaidAt),
		RefundedAt:  formatTime(p.RefundedAt),
	}
	if p.OrderID != nil {
		id := p.OrderID.String()
		resp.OrderID = &id
	}
	return resp
}

// CreatePayment открывает платёж у выбранного провайдера.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePaymentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	intent, err := h.payments.CreatePayment(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := toPaymentResponse(intent.Payment)
	resp.Checkout = intent.Checkout
	h.writeJSON(w, http.StatusCreated, resp)
}

// GetPayment возвращает платёж по UUID или коду.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.GetPayment(r.Context(), chi.URLParam(r, "codeOrID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type refundResponse struct {
	ID          string          `json:"id"`
	PaymentID   string          `json:"payment_id"`
	ExternalID  string          `json:"external_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
	Status      string          `json:"status"`
	ProcessedBy string          `json:"processed_by"`
	ProcessedAt *string         `json:"processed_at,omitempty"`
}

// RefundPayment оформляет полный или частичный возврат по платежу.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetAdminIDFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: http.StatusText(http.StatusUnauthorized)})
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: model.ErrNotFound.Error()})
		return
	}

	var req refundRequest
	if r.ContentLength != 0 {
		if !h.decodeJSON(w, r, &req) {
			return
		}
	}

	rf, err := h.payments.RefundPayment(r.Context(), id, service.RefundRequest{
		Amount:  req.Amount,
		Reason:  req.Reason,
		AdminID: adminID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, refundResponse{
		ID:          rf.ID.String(),
		PaymentID:   rf.PaymentID.String(),
		ExternalID:  rf.ExternalID,
		Amount:      rf.Amount,
		Reason:      rf.Reason,
		Status:      string(rf.Status),
		ProcessedBy: rf.ProcessedBy,
		ProcessedAt: formatTime(rf.ProcessedAt),
	})
}
