package pricing

import (
	"context"
	"time"

	"RampSettle/internal/models"

	"github.com/shopspring/decimal"
)

// Provider serves the current rate snapshot.
type Provider interface {
	Current(ctx context.Context) (models.Rate, error)
}

var bpsDenominator = decimal.NewFromInt(10000)

// Quote derives buy and sell prices from a mid price with a symmetric spread.
// Buyers pay mid*(1+s), sellers receive mid*(1-s).
func Quote(mid decimal.Decimal, spreadBps int64, source string, at time.Time) models.Rate {
	s := decimal.NewFromInt(spreadBps).Div(bpsDenominator)
	return models.Rate{
		Mid:       mid,
		BuyPrice:  mid.Mul(decimal.NewFromInt(1).Add(s)).Round(2),
		SellPrice: mid.Mul(decimal.NewFromInt(1).Sub(s)).Round(2),
		SpreadBps: spreadBps,
		Source:    source,
		FetchedAt: at,
	}
}
