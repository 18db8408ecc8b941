package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/models"
	"RampSettle/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotCancellable   = errors.New("only pending or processing target sell orders can be cancelled")
	ErrRefundRequired   = errors.New("refund transaction required for the unfilled remainder")
	ErrRefundUnverified = errors.New("refund transaction could not be verified")
	ErrRefundMismatch   = errors.New("refunded amount does not match unfilled remainder")
)

type CancelResult struct {
	OrderID    string          `json:"orderId"`
	Filled     decimal.Decimal `json:"filled"`
	Refundable decimal.Decimal `json:"refundable"`
	RefundTx   string          `json:"refundTx,omitempty"`
}

// SettlementService holds the operator actions: fiat payouts, cancellations
// and the review queue.
type SettlementService struct {
	Ledger  store.Ledger
	Gateway chain.Gateway
	Logger  *zap.Logger
}

func (s *SettlementService) ListUnsettled(ctx context.Context, limit int) ([]*models.FillPayout, error) {
	return s.Ledger.ListUnsettledFills(ctx, limit)
}

// MarkFillSettled records the fiat payout for one fill. Repeating it is a no-op.
func (s *SettlementService) MarkFillSettled(ctx context.Context, fillID, bankRef string) (store.SettleFillResult, error) {
	if bankRef == "" {
		return store.SettleFillResult{}, ErrMissingBankRef
	}
	res, err := s.Ledger.MarkFillSettled(ctx, fillID, bankRef)
	if err != nil {
		return res, err
	}
	if !res.Changed {
		s.Logger.Debug("fill already settled", zap.String("fill_id", fillID))
		return res, nil
	}
	s.Logger.Info("fill payout recorded",
		zap.String("fill_id", fillID),
		zap.String("sell_order_id", res.Fill.SellOrderID),
		zap.String("fiat", res.Fill.FiatValue.String()),
		zap.Bool("seller_settled", res.SellerSettled))
	return res, nil
}

// Cancel stops a target sell. The unfilled remainder must have been refunded
// on chain first when an escrow holds it; filled portions are left to settle.
func (s *SettlementService) Cancel(ctx context.Context, orderID, refundTx string) (CancelResult, error) {
	order, err := s.Ledger.GetOrder(ctx, orderID)
	if err != nil {
		return CancelResult{}, err
	}
	v, err := order.Variant()
	if err != nil {
		return CancelResult{}, err
	}
	ts, ok := v.(models.TargetSellOrder)
	if !ok || (order.Status != models.OrderPending && order.Status != models.OrderProcessing) {
		return CancelResult{}, ErrNotCancellable
	}

	res := CancelResult{
		OrderID:    order.ID,
		Refundable: ts.Remaining,
		Filled:     ts.Original.Sub(ts.Remaining),
	}
	logger := s.Logger.With(zap.String("order_id", order.ID))

	if ts.Remaining.IsPositive() && ts.EscrowRef != "" {
		if refundTx == "" {
			return CancelResult{}, ErrRefundRequired
		}
		refunded, err := s.Gateway.VerifyRefund(ctx, ts.EscrowRef, refundTx)
		if err != nil {
			return CancelResult{}, fmt.Errorf("%w: %w", ErrRefundUnverified, err)
		}
		if !refunded.Equal(ts.Remaining) {
			logger.Warn("refund amount differs from remainder",
				zap.String("refunded", refunded.String()), zap.String("remaining", ts.Remaining.String()))
			return CancelResult{}, ErrRefundMismatch
		}
		res.RefundTx = refundTx
	}

	won, err := s.Ledger.Transition(ctx, order.ID,
		[]models.OrderStatus{models.OrderPending, models.OrderProcessing}, models.OrderCancelled)
	if err != nil {
		return CancelResult{}, err
	}
	if !won {
		return CancelResult{}, ErrInvalidState
	}
	if res.RefundTx != "" {
		if err := s.Ledger.InsertSettlementTx(ctx, &models.SettlementTx{
			ID:        uuid.NewString(),
			OrderID:   &order.ID,
			Kind:      models.TxEscrowRefund,
			TxRef:     res.RefundTx,
			Amount:    res.Refundable,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			logger.Error("refund tx not recorded", zap.Error(err))
		}
	}
	logger.Info("target sell cancelled",
		zap.String("filled", res.Filled.String()), zap.String("refundable", res.Refundable.String()))
	return res, nil
}

// SettleInstantSell closes an instant sell once the operator has paid the
// seller's bank account.
func (s *SettlementService) SettleInstantSell(ctx context.Context, orderID, bankRef string) error {
	if bankRef == "" {
		return ErrMissingBankRef
	}
	order, err := s.Ledger.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	v, err := order.Variant()
	if err != nil {
		return err
	}
	if _, ok := v.(models.InstantSellOrder); !ok {
		return ErrInvalidState
	}
	won, err := s.Ledger.Transition(ctx, orderID, []models.OrderStatus{models.OrderProcessing}, models.OrderSettled)
	if err != nil {
		return err
	}
	if !won {
		if order.Status == models.OrderSettled {
			return nil
		}
		return ErrInvalidState
	}
	s.Logger.Info("instant sell paid out", zap.String("order_id", orderID), zap.String("bank_ref", bankRef))
	return nil
}

func (s *SettlementService) ReviewQueue(ctx context.Context, limit int) ([]*models.Order, error) {
	return s.Ledger.ListReview(ctx, limit)
}

// ResolveReview clears the review flag after an operator has reconciled the order.
func (s *SettlementService) ResolveReview(ctx context.Context, orderID string) error {
	ok, err := s.Ledger.ClearReview(ctx, orderID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.Ledger.GetOrder(ctx, orderID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	s.Logger.Info("review resolved", zap.String("order_id", orderID))
	return nil
}
