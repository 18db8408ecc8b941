package worker

import (
	"context"
	"fmt"

	"RampSettle/internal/matching"
	"RampSettle/internal/models"

	"go.uber.org/zap"
)

// ExecuteEscrows moves every pending escrow whose target the market has
// reached into custody. A failed call flags the order and leaves it pending
// for the next tick; this sweep never fails an order.
func (w *Worker) ExecuteEscrows(ctx context.Context) error {
	rate, err := w.Rates.Current(ctx)
	if err != nil {
		return fmt.Errorf("current rate: %w", err)
	}
	limit := w.BatchSize
	if limit <= 0 {
		limit = matching.DefaultBatchSize
	}
	orders, err := w.Ledger.ListExecutableEscrows(ctx, rate.SellPrice, limit)
	if err != nil {
		return err
	}

	for _, o := range orders {
		logger := w.Logger.With(zap.String("order_id", o.ID), zap.String("escrow_ref", *o.EscrowRef))
		txRef, err := w.Gateway.ExecuteEscrow(ctx, *o.EscrowRef, w.Custody)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("escrow execution failed, will retry", zap.Error(err))
			if ferr := w.Ledger.FlagReview(ctx, o.ID, "escrow execution failed: "+err.Error()); ferr != nil {
				logger.Error("flag review failed", zap.Error(ferr))
			}
			continue
		}
		w.recordTx(ctx, &o.ID, models.TxExecuteEscrow, txRef, o.AssetAmount)

		// The order is paid at the price realised at execution, which can sit
		// above the target when the market moved between ticks.
		fiat := o.AssetAmount.Mul(rate.SellPrice).Round(2)
		ok, err := w.Ledger.MarkEscrowExecuted(ctx, o.ID, rate.SellPrice, fiat)
		if err != nil {
			logger.Error("escrow executed but ledger update failed", zap.String("tx", txRef), zap.Error(err))
			w.flagExecuted(ctx, o.ID, "escrow executed in "+txRef+" but ledger update failed", logger)
			continue
		}
		if !ok {
			logger.Warn("escrow executed but order no longer pending", zap.String("tx", txRef))
			w.flagExecuted(ctx, o.ID, "escrow executed in "+txRef+" after order left pending", logger)
			continue
		}
		logger.Info("escrow executed",
			zap.String("tx", txRef), zap.String("rate", rate.SellPrice.String()), zap.String("fiat", fiat.String()))
	}
	return nil
}

// flagExecuted records an on-chain execution the ledger could not absorb. If
// even the flag write fails, the error log is the only trace left.
func (w *Worker) flagExecuted(ctx context.Context, orderID, reason string, logger *zap.Logger) {
	if err := w.Ledger.FlagReview(ctx, orderID, reason); err != nil {
		logger.Error("flag review failed for executed escrow", zap.String("reason", reason), zap.Error(err))
	}
}
