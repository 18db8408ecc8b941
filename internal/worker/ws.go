package worker

import (
	"context"
	"strings"
	"time"

	"RampSettle/internal/chain"

	"go.uber.org/zap"
)

// RunWS follows Transfer logs over a websocket subscription. With no
// confirmation depth a matching transfer is applied immediately; otherwise it
// only wakes the deposit poller early.
func (w *Worker) RunWS(ctx context.Context) {
	if len(w.WSEndpoints) == 0 {
		w.Logger.Info("ws disabled: no ws endpoints")
		return
	}

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}
		endpoint := w.WSEndpoints[i%len(w.WSEndpoints)]
		logger := w.Logger.With(zap.String("endpoint", endpoint))

		client := chain.NewWSClient(endpoint)
		if err := client.Connect(ctx); err != nil {
			logger.Warn("ws connect failed", zap.Error(err))
			sleep(ctx, 3*time.Second)
			continue
		}
		logger.Info("ws connected")

		if err := client.SubscribeTransfers(w.Token); err != nil {
			logger.Warn("ws subscribe failed", zap.Error(err))
			client.Close()
			sleep(ctx, 3*time.Second)
			continue
		}

		stop := context.AfterFunc(ctx, client.Close)
		w.readWS(ctx, client, logger)
		stop()
		client.Close()
		sleep(ctx, 2*time.Second)
	}
}

func (w *Worker) readWS(ctx context.Context, client *chain.WSClient, logger *zap.Logger) {
	for {
		msg, err := client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("ws read failed", zap.Error(err))
			}
			return
		}

		l, ok, err := chain.ParseWSLog(msg)
		if err != nil {
			logger.Warn("ws parse failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		t, err := chain.DecodeTransfer(*l)
		if err != nil || t.Removed {
			continue
		}
		w.onTransfer(ctx, t, logger)
	}
}

func (w *Worker) onTransfer(ctx context.Context, t chain.Transfer, logger *zap.Logger) {
	byAddr, err := w.depositOrders(ctx)
	if err != nil {
		logger.Warn("ws list deposits failed", zap.Error(err))
		return
	}
	order, ok := byAddr[strings.ToLower(t.To)]
	if !ok {
		return
	}
	if w.ConfirmDepth > 0 {
		select {
		case w.kick <- struct{}{}:
		default:
		}
		return
	}
	if err := w.applyDeposit(ctx, order, t); err != nil {
		logger.Error("ws apply deposit failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
