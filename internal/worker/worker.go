package worker

import (
	"context"
	"fmt"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/metrics"
	"RampSettle/internal/models"
	"RampSettle/internal/pricing"
	"RampSettle/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type RateRefresher interface {
	Refresh(ctx context.Context) (models.Rate, error)
}

type TransferSource interface {
	LatestHeight(ctx context.Context) (uint64, error)
	TokenTransfers(ctx context.Context, token common.Address, recipients []common.Address, from, to uint64) ([]chain.Transfer, error)
}

// Worker runs the periodic sweeps. Sweeps share nothing between ticks; every
// tick re-reads its inputs from the ledger.
type Worker struct {
	Ledger    store.Ledger
	Gateway   chain.Gateway
	Rates     pricing.Provider
	Refresher RateRefresher
	Chain     TransferSource
	Token     common.Address
	Custody   string
	BatchSize int

	ConfirmDepth     uint64
	StartHeight      uint64
	MaxBlocksPerTick uint64

	RateInterval    time.Duration
	ExpiryInterval  time.Duration
	EscrowInterval  time.Duration
	DepositInterval time.Duration
	WSEndpoints     []string

	Logger *zap.Logger
	Now    func() time.Time

	kick chan struct{}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// Run starts every sweep and blocks until ctx is done or a sweep gives up.
func (w *Worker) Run(ctx context.Context) error {
	w.kick = make(chan struct{}, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.loop(ctx, "rates", w.RateInterval, w.RefreshRates, nil) })
	g.Go(func() error { return w.loop(ctx, "expiry", w.ExpiryInterval, w.ExpireOrders, nil) })
	g.Go(func() error { return w.loop(ctx, "escrow", w.EscrowInterval, w.ExecuteEscrows, nil) })
	if w.Chain != nil {
		g.Go(func() error { return w.loop(ctx, "deposits", w.DepositInterval, w.SyncDeposits, w.kick) })
		if len(w.WSEndpoints) > 0 {
			g.Go(func() error { w.RunWS(ctx); return nil })
		}
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error, kick <-chan struct{}) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := w.Logger.With(zap.String("sweep", name))

	for {
		if err := sweep(ctx); err != nil && ctx.Err() == nil {
			metrics.SweepRuns.WithLabelValues(name, "error").Inc()
			logger.Error("sweep failed", zap.Error(err))
		} else {
			metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-kick:
		}
	}
}

// RefreshRates pulls a new quote and pushes it to the on-chain oracle.
func (w *Worker) RefreshRates(ctx context.Context) error {
	rate, err := w.Refresher.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh rate: %w", err)
	}
	if w.Gateway == nil {
		return nil
	}
	txRef, err := w.Gateway.PushOracleRate(ctx, rate.Mid, rate.SpreadBps)
	if err != nil {
		return fmt.Errorf("push oracle rate: %w", err)
	}
	w.recordTx(ctx, nil, models.TxOraclePush, txRef, rate.Mid)
	w.Logger.Info("oracle rate pushed", zap.String("mid", rate.Mid.String()), zap.String("tx", txRef))
	return nil
}

func (w *Worker) ExpireOrders(ctx context.Context) error {
	n, err := w.Ledger.ExpirePending(ctx, w.now())
	if err != nil {
		return err
	}
	if n > 0 {
		w.Logger.Info("orders expired", zap.Int64("count", n))
	}
	return nil
}

func (w *Worker) recordTx(ctx context.Context, orderID *string, kind models.SettlementKind, txRef string, amount decimal.Decimal) {
	err := w.Ledger.InsertSettlementTx(ctx, &models.SettlementTx{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Kind:      kind,
		TxRef:     txRef,
		Amount:    amount,
		CreatedAt: w.now(),
	})
	if err != nil {
		w.Logger.Error("settlement tx not recorded", zap.String("kind", string(kind)), zap.String("tx", txRef), zap.Error(err))
	}
}
