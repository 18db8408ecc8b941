package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"RampSettle/internal/payments"
	"RampSettle/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const SignatureHeader = "X-Signature"

// PaymentWebhook accepts a signed provider notification. Any processed
// notification answers 200 with its outcome so the provider stops retrying.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var n payments.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}
	n.Raw = body

	res, err := h.Payments.Handle(r.Context(), n, r.Header.Get(SignatureHeader), false)
	switch {
	case errors.Is(err, payments.ErrMissingSignature), errors.Is(err, payments.ErrBadSignature):
		h.logger(r).Warn("webhook rejected", zap.String("provider_id", n.ID), zap.Error(err))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		h.logger(r).Error("webhook processing failed", zap.String("provider_id", n.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type simulatePaymentRequest struct {
	ID     string           `json:"id" validate:"max=128"`
	Token  string           `json:"token" validate:"required,max=64"`
	Amount *decimal.Decimal `json:"amount"`
}

// SimulatePayment drives the real processor with a fabricated notification.
// It is only routed outside production.
func (h *Handler) SimulatePayment(w http.ResponseWriter, r *http.Request) {
	var req simulatePaymentRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	token := strings.ToUpper(strings.TrimSpace(req.Token))

	n := payments.Notification{ID: req.ID, Memo: token}
	if n.ID == "" {
		n.ID = "sim-" + uuid.NewString()
	}
	if req.Amount != nil {
		n.Amount = *req.Amount
	} else {
		order, err := h.Payments.Ledger.GetOrderByPaymentRef(r.Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no order for token")
			return
		}
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		n.Amount = order.FiatAmount
	}
	raw, err := json.Marshal(n)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	n.Raw = raw

	res, err := h.Payments.Handle(r.Context(), n, "", true)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
