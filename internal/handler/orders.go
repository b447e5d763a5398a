package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/middleware"
	"github.com/mmeshcher/exchanger/internal/model"
)

type historyResponse struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ChangedBy  string `json:"changed_by"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type orderResponse struct {
	ID             string            `json:"id"`
	Code           string            `json:"code"`
	Checksum       string            `json:"checksum,omitempty"`
	FromCurrency   string            `json:"from_currency"`
	ToCurrency     string            `json:"to_currency"`
	FromAmount     decimal.Decimal   `json:"from_amount"`
	ToAmount       decimal.Decimal   `json:"to_amount"`
	LockedRate     decimal.Decimal   `json:"locked_rate"`
	Status         string            `json:"status"`
	ExchangeRateID string            `json:"exchange_rate_id"`
	ClientEmail    string            `json:"client_email"`
	ClientPhone    string            `json:"client_phone,omitempty"`
	ClientWallet   string            `json:"client_wallet,omitempty"`
	AdminNotes     string            `json:"admin_notes,omitempty"`
	ProcessedBy    string            `json:"processed_by,omitempty"`
	ExpiresAt      string            `json:"expires_at"`
	CreatedAt      string            `json:"created_at"`
	StatusHistory  []historyResponse `json:"status_history,omitempty"`
}

func toOrderResponse(o *model.Order, withChecksum bool) orderResponse {
	resp := orderResponse{
		ID:             o.ID.String(),
		Code:           o.Code,
		FromCurrency:   o.FromCurrency,
		ToCurrency:     o.ToCurrency,
		FromAmount:     o.FromAmount,
		ToAmount:       o.ToAmount,
		LockedRate:     o.LockedRate,
		Status:         string(o.Status),
		ExchangeRateID: o.ExchangeRateID.String(),
		ClientEmail:    o.ClientEmail,
		ClientPhone:    o.ClientPhone,
		ClientWallet:   o.ClientWallet,
		AdminNotes:     o.AdminNotes,
		ProcessedBy:    o.ProcessedBy,
		ExpiresAt:      o.ExpiresAt.Format(time.RFC3339),
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
	// Контрольная сумма отдаётся только создателю заявки.
	if withChecksum {
		resp.Checksum = o.Checksum
	}
	for _, e := range o.StatusHistory {
		resp.StatusHistory = append(resp.StatusHistory, historyResponse{
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			ChangedBy:  e.ChangedBy,
			Reason:     e.Reason,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

// CreateOrder создаёт заявку на обмен по текущему курсу.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOrderRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(order, true))
}

// GetOrder возвращает заявку по UUID или коду.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "codeOrID"), r.URL.Query().Get("checksum"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order, false))
}

type orderPageResponse struct {
	Items   []orderResponse `json:"items"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
	HasMore bool            `json:"has_more"`
}

// ListOrders возвращает страницу заявок для администратора.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.OrderFilter{
		Status: model.OrderStatus(q.Get("status")),
		Search: q.Get("search"),
	}

	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid page"})
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
		return
	}

	page, err := h.orders.FindAll(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := orderPageResponse{
		Items:   make([]orderResponse, 0, len(page.Items)),
		Total:   page.Total,
		Page:    page.Page,
		Limit:   page.Limit,
		HasMore: page.HasMore,
	}
	for i := range page.Items {
		resp.Items = append(resp.Items, toOrderResponse(&page.Items[i], false))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

type adminActionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

type orderAction func(ctx context.Context, id uuid.UUID, adminID, text string) (*model.Order, error)

// adminAction разбирает общий для административных переходов запрос и вызывает action.
// text берётся из reason для отклонения и отмены, из notes для остальных переходов.
func (h *Handler) adminAction(w http.ResponseWriter, r *http.Request, action orderAction, useReason bool) {
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

	var req adminActionRequest
	if r.ContentLength != 0 {
		if !h.decodeJSON(w, r, &req) {
			return
		}
	}

	text := req.Notes
	if useReason {
		text = req.Reason
	}

	order, err := action(r.Context(), id, adminID, text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(order, false))
}

// ApproveOrder одобряет заявку.
func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.orders.Approve, false)
}

// RejectOrder отклоняет заявку; причина обязательна.
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.orders.Reject, true)
}

// CompleteOrder завершает одобренную заявку.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.orders.Complete, false)
}

// CancelOrder отменяет ожидающую заявку.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.orders.Cancel, true)
}
