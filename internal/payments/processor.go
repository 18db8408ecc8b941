package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/matching"
	"RampSettle/internal/metrics"
	"RampSettle/internal/models"
	"RampSettle/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeNew        Outcome = "new"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeMismatched Outcome = "mismatched"
	OutcomeUnmatched  Outcome = "unmatched"
	OutcomeFailed     Outcome = "failed"
)

// Notification is one inbound transfer report from the payment provider.
type Notification struct {
	ID       string          `json:"id" validate:"required,max=128"`
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo" validate:"max=512"`
	Metadata json.RawMessage `json:"provider_metadata,omitempty"`

	// Raw is the exact signed request body.
	Raw []byte `json:"-"`
}

type Result struct {
	Outcome     Outcome `json:"outcome"`
	OrderID     string  `json:"orderId,omitempty"`
	NeedsReview bool    `json:"needsReview"`
}

type Matcher interface {
	Match(ctx context.Context, demand decimal.Decimal) (matching.Plan, error)
}

type Processor struct {
	Ledger  store.Ledger
	Matcher Matcher
	Gateway chain.Gateway
	Secret  string
	Tokens  TokenMatcher
	Logger  *zap.Logger
	Now     func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Handle applies one notification. Authentication failures are returned as
// errors with no side effects; every business outcome is a Result. trusted is
// only set by the internal simulation path, which may omit the signature.
func (p *Processor) Handle(ctx context.Context, n Notification, signature string, trusted bool) (Result, error) {
	if !trusted || signature != "" {
		if err := VerifySignature(p.Secret, n.Raw, signature); err != nil {
			return Result{}, err
		}
	}
	logger := p.Logger.With(zap.String("provider_id", n.ID))

	token, ok := p.Tokens.Extract(n.Memo)
	if !ok {
		if err := p.recordEvent(ctx, n, nil, trusted); err != nil {
			return Result{}, err
		}
		logger.Info("payment memo carries no order token", zap.String("memo", n.Memo))
		return p.done(Result{Outcome: OutcomeUnmatched}), nil
	}

	order, err := p.Ledger.GetOrderByPaymentRef(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		if err := p.recordEvent(ctx, n, nil, trusted); err != nil {
			return Result{}, err
		}
		logger.Info("payment token matches no order", zap.String("token", token))
		return p.done(Result{Outcome: OutcomeUnmatched}), nil
	}
	if err != nil {
		return Result{}, err
	}
	if err := p.recordEvent(ctx, n, &order.ID, trusted); err != nil {
		return Result{}, err
	}
	logger = logger.With(zap.String("order_id", order.ID))
	res := Result{OrderID: order.ID, NeedsReview: order.NeedsReview}

	switch order.Status {
	case models.OrderPending:
	case models.OrderExpired, models.OrderCancelled:
		reason := fmt.Sprintf("payment %s received for %s order", n.ID, order.Status)
		if err := p.Ledger.FlagReview(ctx, order.ID, reason); err != nil {
			return Result{}, err
		}
		logger.Warn("payment for inactive order", zap.String("status", string(order.Status)))
		res.Outcome, res.NeedsReview = OutcomeMismatched, true
		return p.done(res), nil
	default:
		logger.Debug("payment already applied", zap.String("status", string(order.Status)))
		res.Outcome = OutcomeDuplicate
		return p.done(res), nil
	}

	if !n.Amount.Equal(order.FiatAmount) {
		reason := fmt.Sprintf("payment %s amount %s does not match order amount %s", n.ID, n.Amount, order.FiatAmount)
		if err := p.Ledger.FlagReview(ctx, order.ID, reason); err != nil {
			return Result{}, err
		}
		logger.Warn("payment amount mismatch",
			zap.String("paid", n.Amount.String()), zap.String("expected", order.FiatAmount.String()))
		res.Outcome, res.NeedsReview = OutcomeMismatched, true
		return p.done(res), nil
	}

	won, err := p.Ledger.Transition(ctx, order.ID, []models.OrderStatus{models.OrderPending}, models.OrderPaid)
	if err != nil {
		return Result{}, err
	}
	if !won {
		logger.Debug("concurrent delivery already marked order paid")
		res.Outcome = OutcomeDuplicate
		return p.done(res), nil
	}

	// From here on chain calls move funds, so every ledger write that records
	// them must outlive a provider that hangs up mid-request.
	sctx := context.WithoutCancel(ctx)
	if err := p.settle(sctx, order, logger); err != nil {
		logger.Error("buy settlement failed", zap.Error(err))
		if _, markErr := p.Ledger.MarkFailed(sctx, order.ID, err.Error()); markErr != nil {
			return Result{}, errors.Join(err, markErr)
		}
		res.Outcome, res.NeedsReview = OutcomeFailed, true
		return p.done(res), nil
	}
	res.Outcome = OutcomeNew
	return p.done(res), nil
}

func (p *Processor) done(res Result) Result {
	metrics.WebhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

func (p *Processor) recordEvent(ctx context.Context, n Notification, orderID *string, simulated bool) error {
	_, err := p.Ledger.InsertPaymentEvent(ctx, &models.PaymentEvent{
		ProviderID: n.ID,
		OrderID:    orderID,
		Amount:     n.Amount,
		Memo:       n.Memo,
		Payload:    n.Raw,
		Simulated:  simulated,
		CreatedAt:  p.now(),
	})
	return err
}

// settle executes the match plan for a paid order. Each escrow fill is
// recorded as soon as its chain call confirms so earlier fills survive a later
// failure.
func (p *Processor) settle(ctx context.Context, order *models.Order, logger *zap.Logger) error {
	v, err := order.Variant()
	if err != nil {
		return err
	}
	buy, ok := v.(models.BuyOrder)
	if !ok {
		return fmt.Errorf("order %s is not a buy order", order.ID)
	}
	if buy.RecipientAddress == "" {
		return errors.New("buy order has no recipient address")
	}

	plan, err := p.Matcher.Match(ctx, buy.AssetAmount)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}

	poolAmount := plan.PoolAmount
	for _, f := range plan.Fills {
		txRef, err := p.Gateway.PartialFillEscrow(ctx, *f.Order.EscrowRef, f.Amount, buy.RecipientAddress)
		if errors.Is(err, chain.ErrReverted) {
			// Nothing moved; another buyer most likely drained the escrow first.
			logger.Warn("escrow fill reverted, covering slice from pool",
				zap.String("sell_order_id", f.Order.ID), zap.String("amount", f.Amount.String()), zap.Error(err))
			poolAmount = poolAmount.Add(f.Amount)
			continue
		}
		if err != nil {
			return fmt.Errorf("partial fill of %s: %w", f.Order.ID, err)
		}
		fill := &models.Fill{
			ID:          uuid.NewString(),
			BuyOrderID:  order.ID,
			SellOrderID: f.Order.ID,
			FillAmount:  f.Amount,
			Rate:        f.Rate,
			FiatValue:   f.FiatValue(),
			TxRef:       txRef,
			CreatedAt:   p.now(),
		}
		fr, err := p.Ledger.RecordFill(ctx, fill)
		if err != nil {
			return fmt.Errorf("record fill %s: %w", txRef, err)
		}
		if fr.Conflict {
			logger.Warn("fill exceeded seller remaining, seller flagged",
				zap.String("sell_order_id", f.Order.ID), zap.String("tx", txRef))
		}
		p.recordTx(ctx, &f.Order.ID, models.TxPartialFill, txRef, f.Amount, logger)
		logger.Info("escrow partially filled",
			zap.String("sell_order_id", f.Order.ID),
			zap.String("amount", f.Amount.String()),
			zap.String("rate", f.Rate.String()),
			zap.Bool("seller_exhausted", fr.Exhausted))
	}

	if poolAmount.IsPositive() {
		txRef, err := p.Gateway.DispenseFromPool(ctx, poolAmount, buy.RecipientAddress)
		if err != nil {
			return fmt.Errorf("pool dispense: %w", err)
		}
		p.recordTx(ctx, &order.ID, models.TxPoolDispense, txRef, poolAmount, logger)
		logger.Info("pool dispensed", zap.String("amount", poolAmount.String()), zap.String("tx", txRef))
	}

	if _, err := p.Ledger.Transition(ctx, order.ID, []models.OrderStatus{models.OrderPaid}, models.OrderProcessing); err != nil {
		return err
	}
	if _, err := p.Ledger.Transition(ctx, order.ID, []models.OrderStatus{models.OrderProcessing}, models.OrderSettled); err != nil {
		return err
	}
	return nil
}

func (p *Processor) recordTx(ctx context.Context, orderID *string, kind models.SettlementKind, txRef string, amount decimal.Decimal, logger *zap.Logger) {
	err := p.Ledger.InsertSettlementTx(ctx, &models.SettlementTx{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Kind:      kind,
		TxRef:     txRef,
		Amount:    amount,
		CreatedAt: p.now(),
	})
	if err != nil {
		logger.Error("settlement tx not recorded", zap.String("kind", string(kind)), zap.String("tx", txRef), zap.Error(err))
	}
}
