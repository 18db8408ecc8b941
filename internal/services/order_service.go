package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/models"
	"RampSettle/internal/payments"
	"RampSettle/internal/pricing"
	"RampSettle/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingUserID     = errors.New("missing user id")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrFiatOutOfRange    = errors.New("fiat amount outside allowed range")
	ErrInvalidAddress    = errors.New("invalid recipient address")
	ErrInvalidEscrowRef  = errors.New("invalid escrow reference")
	ErrMissingBankRef    = errors.New("missing bank account reference")
	ErrXpubNotConfigured = errors.New("wallet xpub not configured")
	ErrNotOwner          = errors.New("order belongs to another user")
	ErrInvalidState      = errors.New("order is not in a state that allows this action")
)

const tokenAttempts = 3

type Deriver interface {
	Derive(index uint32) (string, error)
}

type OrderService struct {
	Ledger     store.Ledger
	Deriver    Deriver
	Rates      pricing.Provider
	MinFiat    decimal.Decimal
	MaxFiat    decimal.Decimal
	TTL        time.Duration
	MemoPrefix string
	Now        func() time.Time
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateBuy quotes fiat at the current buy price. The returned order carries
// the payment token the buyer must put in the transfer memo.
func (s *OrderService) CreateBuy(ctx context.Context, userID string, fiat decimal.Decimal, recipient string) (*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if !fiat.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if (!s.MinFiat.IsZero() && fiat.LessThan(s.MinFiat)) || (!s.MaxFiat.IsZero() && fiat.GreaterThan(s.MaxFiat)) {
		return nil, ErrFiatOutOfRange
	}
	if !common.IsHexAddress(recipient) {
		return nil, ErrInvalidAddress
	}

	rate, err := s.Rates.Current(ctx)
	if err != nil {
		return nil, err
	}
	asset := fiat.DivRound(rate.BuyPrice, 12).Truncate(models.AssetDecimals)
	if !asset.IsPositive() {
		return nil, ErrInvalidAmount
	}

	addr := common.HexToAddress(recipient).Hex()
	now := s.now()
	for attempt := 1; ; attempt++ {
		token := payments.NewToken(s.MemoPrefix)
		order := &models.Order{
			ID:                 uuid.NewString(),
			UserID:             userID,
			Kind:               models.KindBuy,
			Status:             models.OrderPending,
			AssetAmount:        asset,
			FiatAmount:         fiat,
			Rate:               rate.BuyPrice,
			ExternalPaymentRef: &token,
			RecipientAddress:   &addr,
			ExpiresAt:          now.Add(s.TTL),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		err := s.Ledger.CreateOrder(ctx, order)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt == tokenAttempts {
			return nil, err
		}
	}
}

// CreateInstantSell quotes asset at the current sell price and assigns a
// fresh deposit address.
func (s *OrderService) CreateInstantSell(ctx context.Context, userID string, asset decimal.Decimal, bankRef string) (*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if err := checkAsset(asset); err != nil {
		return nil, err
	}
	if bankRef == "" {
		return nil, ErrMissingBankRef
	}
	if s.Deriver == nil {
		return nil, ErrXpubNotConfigured
	}

	rate, err := s.Rates.Current(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := s.Ledger.NextDerivationIndex(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := s.Deriver.Derive(uint32(idx))
	if err != nil {
		return nil, fmt.Errorf("derive deposit address: %w", err)
	}

	now := s.now()
	order := &models.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		Kind:            models.KindInstantSell,
		Status:          models.OrderPending,
		AssetAmount:     asset,
		FiatAmount:      asset.Mul(rate.SellPrice).Round(2),
		Rate:            rate.SellPrice,
		DepositAddress:  &addr,
		DerivationIndex: &idx,
		BankAccountRef:  &bankRef,
		ExpiresAt:       now.Add(s.TTL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Ledger.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CreateTargetSell records a resting sell at targetRate. Fill tracking starts
// when the seller attaches a funded escrow.
func (s *OrderService) CreateTargetSell(ctx context.Context, userID string, asset, targetRate decimal.Decimal, bankRef string) (*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if err := checkAsset(asset); err != nil {
		return nil, err
	}
	if !targetRate.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if bankRef == "" {
		return nil, ErrMissingBankRef
	}

	now := s.now()
	order := &models.Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		Kind:           models.KindTargetSell,
		Status:         models.OrderPending,
		AssetAmount:    asset,
		FiatAmount:     asset.Mul(targetRate).Round(2),
		Rate:           targetRate,
		TargetRate:     &targetRate,
		BankAccountRef: &bankRef,
		ExpiresAt:      now.Add(s.TTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Ledger.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) AttachEscrow(ctx context.Context, userID, orderID, escrowRef string) (*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if _, err := chain.ParseEscrowRef(escrowRef); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEscrowRef, err)
	}
	order, err := s.Ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOwner
	}
	ok, err := s.Ledger.AttachEscrow(ctx, orderID, escrowRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}
	return s.Ledger.GetOrder(ctx, orderID)
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.Ledger.GetOrder(ctx, orderID)
}

func checkAsset(asset decimal.Decimal) error {
	if !asset.IsPositive() || !asset.Equal(asset.Truncate(models.AssetDecimals)) {
		return ErrInvalidAmount
	}
	return nil
}
