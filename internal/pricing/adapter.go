package pricing

import (
	"context"
	"sync"
	"time"

	"RampSettle/internal/metrics"
	"RampSettle/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Fetcher interface {
	Fetch(ctx context.Context) (decimal.Decimal, string, error)
}

type RateRecorder interface {
	InsertRate(ctx context.Context, rate models.Rate) error
}

type Publisher interface {
	Publish(ctx context.Context, rate models.Rate) error
}

// Adapter owns the rate cache. Refresh is the only writer.
type Adapter struct {
	Source      Fetcher
	Cache       *Cache
	History     RateRecorder
	Mirror      Publisher
	SpreadBps   int64
	FallbackMid decimal.Decimal
	Logger      *zap.Logger
	Now         func() time.Time

	mu sync.Mutex
}

func (a *Adapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// Refresh fetches a new quote and publishes it as the current snapshot.
func (a *Adapter) Refresh(ctx context.Context) (models.Rate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mid, source, err := a.Source.Fetch(ctx)
	if err != nil {
		return models.Rate{}, err
	}
	rate := Quote(mid, a.SpreadBps, source, a.now())
	a.Cache.Store(rate)
	metrics.RateDegraded.Set(0)

	if a.History != nil {
		if err := a.History.InsertRate(ctx, rate); err != nil {
			a.Logger.Warn("rate history insert failed", zap.Error(err))
		}
	}
	if a.Mirror != nil {
		if err := a.Mirror.Publish(ctx, rate); err != nil {
			a.Logger.Warn("rate mirror publish failed", zap.Error(err))
		}
	}
	a.Logger.Debug("rate refreshed",
		zap.String("source", source),
		zap.String("mid", rate.Mid.String()),
		zap.String("buy", rate.BuyPrice.String()),
		zap.String("sell", rate.SellPrice.String()))
	return rate, nil
}

// Current serves the cached snapshot while fresh, refreshing once it is not.
// When every source fails and the cache has expired it serves the last-resort
// mid price.
func (a *Adapter) Current(ctx context.Context) (models.Rate, error) {
	now := a.now()
	if snap := a.Cache.Load(); snap.Fresh(now) {
		return snap.Rate, nil
	}
	rate, err := a.Refresh(ctx)
	if err == nil {
		return rate, nil
	}
	if snap := a.Cache.Load(); snap.Fresh(now) {
		return snap.Rate, nil
	}
	metrics.RateDegraded.Set(1)
	a.Logger.Warn("rate sources unavailable, serving last-resort rate",
		zap.String("fallback_mid", a.FallbackMid.String()), zap.Error(err))
	return Quote(a.FallbackMid, a.SpreadBps, "fallback", now), nil
}
