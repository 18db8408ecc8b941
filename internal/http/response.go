package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"RampSettle/internal/models"
	"RampSettle/internal/services"
	"RampSettle/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id, X-Signature, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads a JSON body into dst and validates it, writing a 400 on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			writeError(w, http.StatusBadRequest, "invalid field "+fields[0].Field()+": "+fields[0].Tag())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

// writeServiceError maps domain errors onto status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrMissingUserID):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrFiatOutOfRange),
		errors.Is(err, services.ErrInvalidAddress),
		errors.Is(err, services.ErrInvalidEscrowRef),
		errors.Is(err, services.ErrMissingBankRef):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotOwner), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrNotCancellable),
		errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrRefundRequired),
		errors.Is(err, services.ErrRefundUnverified),
		errors.Is(err, services.ErrRefundMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, services.ErrXpubNotConfigured):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	default:
		h.logger(r).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type orderResponse struct {
	OrderID          string           `json:"orderId"`
	Kind             string           `json:"kind"`
	Status           string           `json:"status"`
	AssetAmount      decimal.Decimal  `json:"assetAmount"`
	FiatAmount       decimal.Decimal  `json:"fiatAmount"`
	Rate             decimal.Decimal  `json:"rate"`
	TargetRate       *decimal.Decimal `json:"targetRate,omitempty"`
	FilledAmount     *decimal.Decimal `json:"filledAmount,omitempty"`
	RemainingAmount  *decimal.Decimal `json:"remainingAmount,omitempty"`
	EscrowRef        *string          `json:"escrowRef,omitempty"`
	PaymentRef       *string          `json:"paymentRef,omitempty"`
	RecipientAddress *string          `json:"recipientAddress,omitempty"`
	DepositAddress   *string          `json:"depositAddress,omitempty"`
	DepositTx        *string          `json:"depositTx,omitempty"`
	NeedsReview      bool             `json:"needsReview"`
	ReviewReason     *string          `json:"reviewReason,omitempty"`
	ExpiresAt        string           `json:"expiresAt"`
	CreatedAt        string           `json:"createdAt"`
}

func toOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		OrderID:          o.ID,
		Kind:             string(o.Kind),
		Status:           string(o.Status),
		AssetAmount:      o.AssetAmount,
		FiatAmount:       o.FiatAmount,
		Rate:             o.Rate,
		TargetRate:       o.TargetRate,
		FilledAmount:     o.FilledAmount,
		RemainingAmount:  o.RemainingAmount,
		EscrowRef:        o.EscrowRef,
		PaymentRef:       o.ExternalPaymentRef,
		RecipientAddress: o.RecipientAddress,
		DepositAddress:   o.DepositAddress,
		DepositTx:        o.DepositTx,
		NeedsReview:      o.NeedsReview,
		ReviewReason:     o.ReviewReason,
		ExpiresAt:        o.ExpiresAt.Format(time.RFC3339),
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
	}
}
