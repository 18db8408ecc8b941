package http

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"RampSettle/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	AdminTokenHeader = "X-Admin-Token"
	defaultListLimit = 100
	maxListLimit     = 500
)

func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusServiceUnavailable, "admin api disabled")
				return
			}
			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

type fillPayoutResponse struct {
	FillID         string          `json:"fillId"`
	BuyOrderID     string          `json:"buyOrderId"`
	SellOrderID    string          `json:"sellOrderId"`
	SellerUserID   string          `json:"sellerUserId"`
	BankAccountRef *string         `json:"bankAccountRef,omitempty"`
	FillAmount     decimal.Decimal `json:"fillAmount"`
	Rate           decimal.Decimal `json:"rate"`
	FiatValue      decimal.Decimal `json:"fiatValue"`
	TxRef          string          `json:"txRef"`
	CreatedAt      string          `json:"createdAt"`
}

func (h *Handler) ListUnsettledFills(w http.ResponseWriter, r *http.Request) {
	fills, err := h.Settlement.ListUnsettled(r.Context(), listLimit(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]fillPayoutResponse, 0, len(fills))
	for _, f := range fills {
		out = append(out, fillPayoutResponse{
			FillID:         f.ID,
			BuyOrderID:     f.BuyOrderID,
			SellOrderID:    f.SellOrderID,
			SellerUserID:   f.SellerUserID,
			BankAccountRef: f.BankAccountRef,
			FillAmount:     f.FillAmount,
			Rate:           f.Rate,
			FiatValue:      f.FiatValue,
			TxRef:          f.TxRef,
			CreatedAt:      f.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": out})
}

type bankRefRequest struct {
	BankRef string `json:"bankRef" validate:"required,max=128"`
}

func (h *Handler) SettleFill(w http.ResponseWriter, r *http.Request) {
	var req bankRefRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	res, err := h.Settlement.MarkFillSettled(r.Context(), chi.URLParam(r, "fillId"), req.BankRef)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fillId":        res.Fill.ID,
		"changed":       res.Changed,
		"sellerSettled": res.SellerSettled,
	})
}

type cancelRequest struct {
	RefundTx string `json:"refundTx" validate:"omitempty,max=130"`
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	res, err := h.Settlement.Cancel(r.Context(), chi.URLParam(r, "orderId"), req.RefundTx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) PayoutInstantSell(w http.ResponseWriter, r *http.Request) {
	var req bankRefRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderId")
	if err := h.Settlement.SettleInstantSell(r.Context(), orderID, req.BankRef); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": string(models.OrderSettled)})
}

func (h *Handler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Settlement.ReviewQueue(r.Context(), listLimit(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *Handler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if err := h.Settlement.ResolveReview(r.Context(), orderID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderId": orderID, "needsReview": false})
}
