package matching

import (
	"context"
	"errors"
	"fmt"

	"RampSettle/internal/models"
	"RampSettle/internal/pricing"

	"github.com/shopspring/decimal"
)

const DefaultBatchSize = 50

var ErrNonPositiveDemand = errors.New("demand must be positive")

// EscrowLister is the ledger read the engine depends on.
type EscrowLister interface {
	ListMatchableEscrows(ctx context.Context, maxRate decimal.Decimal, limit int) ([]*models.Order, error)
}

// PlannedFill is one slice of demand taken from a resting target sell.
type PlannedFill struct {
	Order  *models.Order
	Amount decimal.Decimal
	Rate   decimal.Decimal
}

func (f PlannedFill) FiatValue() decimal.Decimal {
	return f.Amount.Mul(f.Rate)
}

// Plan is the outcome of matching one demand. It has no side effects until a
// caller executes it.
type Plan struct {
	Demand     decimal.Decimal
	Fills      []PlannedFill
	PoolAmount decimal.Decimal
	PoolRate   decimal.Decimal
	TotalFiat  decimal.Decimal
}

func (p Plan) EscrowAmount() decimal.Decimal {
	total := decimal.Zero
	for _, f := range p.Fills {
		total = total.Add(f.Amount)
	}
	return total
}

type Engine struct {
	Ledger    EscrowLister
	Rates     pricing.Provider
	BatchSize int
}

// Match reads the current sell price and the eligible escrows, then computes
// a plan for demand.
func (e *Engine) Match(ctx context.Context, demand decimal.Decimal) (Plan, error) {
	if !demand.IsPositive() {
		return Plan{}, ErrNonPositiveDemand
	}
	rate, err := e.Rates.Current(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("current rate: %w", err)
	}
	limit := e.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	escrows, err := e.Ledger.ListMatchableEscrows(ctx, rate.SellPrice, limit)
	if err != nil {
		return Plan{}, fmt.Errorf("list escrows: %w", err)
	}
	return Compute(demand, escrows, rate.SellPrice), nil
}

// Compute greedily consumes demand across escrows in the given order. Each
// fill is priced at the seller's target rate; whatever is left goes to the
// pool at marketSell. Ineligible candidates are skipped, so callers may pass
// an unfiltered list.
func Compute(demand decimal.Decimal, escrows []*models.Order, marketSell decimal.Decimal) Plan {
	plan := Plan{Demand: demand, PoolRate: marketSell, TotalFiat: decimal.Zero}
	left := demand
	for _, o := range escrows {
		if !left.IsPositive() {
			break
		}
		if !eligible(o, marketSell) {
			continue
		}
		fill := decimal.Min(left, *o.RemainingAmount)
		pf := PlannedFill{Order: o, Amount: fill, Rate: *o.TargetRate}
		plan.Fills = append(plan.Fills, pf)
		plan.TotalFiat = plan.TotalFiat.Add(pf.FiatValue())
		left = left.Sub(fill)
	}
	plan.PoolAmount = left
	if left.IsPositive() {
		plan.TotalFiat = plan.TotalFiat.Add(left.Mul(marketSell))
	}
	return plan
}

func eligible(o *models.Order, marketSell decimal.Decimal) bool {
	if o.Kind != models.KindTargetSell || o.Status != models.OrderProcessing {
		return false
	}
	if o.EscrowRef == nil || o.TargetRate == nil || o.RemainingAmount == nil {
		return false
	}
	return o.RemainingAmount.IsPositive() && o.TargetRate.LessThanOrEqual(marketSell)
}
