package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/exchanger/internal/gateway"
	"github.com/mmeshcher/exchanger/internal/model"
)

const stripeSignatureHeader = "Stripe-Signature"

type webhookResponse struct {
	Status string `json:"status"`
}

// Webhook принимает событие платёжного провайдера.
// Повторные доставки отвечают 200, чтобы провайдер прекратил ретраи.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	gw := model.Gateway(strings.ToUpper(chi.URLParam(r, "gateway")))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	signature := r.Header.Get(stripeSignatureHeader)
	if signature == "" {
		signature = r.Header.Get(gateway.WalletSignatureHeader)
	}

	outcome, err := h.payments.HandleWebhook(r.Context(), gw, payload, signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, webhookResponse{Status: string(outcome)})
}
