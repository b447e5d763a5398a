package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/model"
)

type rateResponse struct {
	Pair          string          `json:"pair"`
	Rate          decimal.Decimal `json:"rate"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	Source        string          `json:"source"`
	FetchedAt     string          `json:"fetched_at"`
}

func toRateResponse(s *model.RateSnapshot) rateResponse {
	return rateResponse{
		Pair:          s.Pair,
		Rate:          s.Rate,
		SpreadPercent: s.SpreadPercent,
		EffectiveRate: s.EffectiveRate,
		Source:        s.Source,
		FetchedAt:     s.FetchedAt.Format(time.RFC3339),
	}
}

// GetRates возвращает курсы всех известных пар.
func (h *Handler) GetRates(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.rates.GetAllRates(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]rateResponse, 0, len(snaps))
	for i := range snaps {
		resp = append(resp, toRateResponse(&snaps[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetRate возвращает курс одной пары.
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	snap, err := h.rates.GetRate(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRateResponse(snap))
}
