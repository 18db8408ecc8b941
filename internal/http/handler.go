package http

import (
	"net/http"

	"RampSettle/internal/payments"
	"RampSettle/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	Orders     *services.OrderService
	Settlement *services.SettlementService
	Payments   *payments.Processor
	Logger     *zap.Logger

	validate *validator.Validate
}

func NewHandler(orders *services.OrderService, settlement *services.SettlementService, processor *payments.Processor, logger *zap.Logger) *Handler {
	return &Handler{
		Orders:     orders,
		Settlement: settlement,
		Payments:   processor,
		Logger:     logger,
		validate:   newValidator(),
	}
}

func (h *Handler) logger(r *http.Request) *zap.Logger {
	return h.Logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
}

type createBuyRequest struct {
	FiatAmount       decimal.Decimal `json:"fiatAmount"`
	RecipientAddress string          `json:"recipientAddress" validate:"required,eth_addr"`
}

type createInstantSellRequest struct {
	AssetAmount    decimal.Decimal `json:"assetAmount"`
	BankAccountRef string          `json:"bankAccountRef" validate:"required,max=128"`
}

type createTargetSellRequest struct {
	AssetAmount    decimal.Decimal `json:"assetAmount"`
	TargetRate     decimal.Decimal `json:"targetRate"`
	BankAccountRef string          `json:"bankAccountRef" validate:"required,max=128"`
}

type attachEscrowRequest struct {
	EscrowRef string `json:"escrowRef" validate:"required"`
}

func (h *Handler) CreateBuy(w http.ResponseWriter, r *http.Request) {
	var req createBuyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	order, err := h.Orders.CreateBuy(r.Context(), r.Header.Get("X-User-Id"), req.FiatAmount, req.RecipientAddress)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) CreateInstantSell(w http.ResponseWriter, r *http.Request) {
	var req createInstantSellRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	order, err := h.Orders.CreateInstantSell(r.Context(), r.Header.Get("X-User-Id"), req.AssetAmount, req.BankAccountRef)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) CreateTargetSell(w http.ResponseWriter, r *http.Request) {
	var req createTargetSellRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	order, err := h.Orders.CreateTargetSell(r.Context(), r.Header.Get("X-User-Id"), req.AssetAmount, req.TargetRate, req.BankAccountRef)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if order.UserID != userID {
		h.writeServiceError(w, r, services.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) AttachEscrow(w http.ResponseWriter, r *http.Request) {
	var req attachEscrowRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	order, err := h.Orders.AttachEscrow(r.Context(), r.Header.Get("X-User-Id"), chi.URLParam(r, "orderId"), req.EscrowRef)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}
