package worker

import (
	"context"
	"fmt"
	"strings"

	"RampSettle/internal/chain"
	"RampSettle/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SyncDeposits scans confirmed blocks since the last tick for stablecoin
// transfers into instant-sell deposit addresses.
func (w *Worker) SyncDeposits(ctx context.Context) error {
	latest, err := w.Chain.LatestHeight(ctx)
	if err != nil {
		return err
	}
	if latest <= w.ConfirmDepth {
		return nil
	}
	to := latest - w.ConfirmDepth

	last, err := w.Ledger.GetSyncHeight(ctx)
	if err != nil {
		return err
	}
	from := uint64(last) + 1
	if last == 0 {
		from = max(w.StartHeight, 1)
	}
	if from > to {
		return nil
	}
	if w.MaxBlocksPerTick > 0 && to-from+1 > w.MaxBlocksPerTick {
		to = from + w.MaxBlocksPerTick - 1
	}

	if err := w.scanRange(ctx, from, to); err != nil {
		return err
	}
	return w.Ledger.SetSyncHeight(ctx, int64(to))
}

func (w *Worker) scanRange(ctx context.Context, from, to uint64) error {
	byAddr, err := w.depositOrders(ctx)
	if err != nil {
		return err
	}
	w.Logger.Debug("deposit scan", zap.Uint64("from", from), zap.Uint64("to", to), zap.Int("watched", len(byAddr)))
	if len(byAddr) == 0 {
		return nil
	}
	addrs := make([]common.Address, 0, len(byAddr))
	for a := range byAddr {
		addrs = append(addrs, common.HexToAddress(a))
	}

	transfers, err := w.Chain.TokenTransfers(ctx, w.Token, addrs, from, to)
	if err != nil {
		return fmt.Errorf("token transfers %d..%d: %w", from, to, err)
	}
	for _, t := range transfers {
		order, ok := byAddr[strings.ToLower(t.To)]
		if !ok {
			continue
		}
		if err := w.applyDeposit(ctx, order, t); err != nil {
			w.Logger.Error("apply deposit failed", zap.String("order_id", order.ID), zap.String("tx", t.TxHash), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) depositOrders(ctx context.Context) (map[string]*models.Order, error) {
	orders, err := w.Ledger.ListPendingDeposits(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Order, len(orders))
	for _, o := range orders {
		out[strings.ToLower(*o.DepositAddress)] = o
	}
	return out, nil
}

// applyDeposit confirms an instant sell on an exact-amount deposit. Anything
// else is left for an operator.
func (w *Worker) applyDeposit(ctx context.Context, order *models.Order, t chain.Transfer) error {
	if t.Removed {
		return nil
	}
	logger := w.Logger.With(zap.String("order_id", order.ID), zap.String("tx", t.TxHash))

	if order.Status != models.OrderPending {
		logger.Warn("deposit for inactive order", zap.String("status", string(order.Status)))
		return w.Ledger.FlagReview(ctx, order.ID, fmt.Sprintf("deposit %s received for %s order", t.TxHash, order.Status))
	}
	if !t.Amount.Equal(order.AssetAmount) {
		logger.Warn("deposit amount mismatch",
			zap.String("received", t.Amount.String()), zap.String("expected", order.AssetAmount.String()))
		return w.Ledger.FlagReview(ctx, order.ID,
			fmt.Sprintf("deposit %s amount %s does not match order amount %s", t.TxHash, t.Amount, order.AssetAmount))
	}

	ok, err := w.Ledger.MarkDepositConfirmed(ctx, order.ID, t.TxHash)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("deposit already confirmed")
		return nil
	}
	w.recordTx(ctx, &order.ID, models.TxDeposit, t.TxHash, t.Amount)
	logger.Info("instant sell deposit confirmed", zap.String("amount", t.Amount.String()))
	return nil
}
