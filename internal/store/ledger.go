package store

import (
	"context"
	"errors"
	"time"

	"RampSettle/internal/models"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// FillResult describes how recording a fill changed the seller order.
type FillResult struct {
	SellRemaining decimal.Decimal
	// Exhausted is set when the fill brought the seller's remaining amount to zero.
	Exhausted bool
	// Conflict is set when the seller row no longer had enough remaining amount.
	// The fill is still recorded and the seller is flagged for review.
	Conflict bool
}

type SettleFillResult struct {
	Fill          *models.Fill
	Changed       bool
	SellerSettled bool
}

// Ledger is the authoritative order and fill store. Every state change is a
// conditional write; a false result means the row was not in the expected state.
type Ledger interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByPaymentRef(ctx context.Context, ref string) (*models.Order, error)
	NextDerivationIndex(ctx context.Context) (int64, error)

	Transition(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus) (bool, error)
	AttachEscrow(ctx context.Context, id, escrowRef string) (bool, error)
	MarkEscrowExecuted(ctx context.Context, id string, rate, fiat decimal.Decimal) (bool, error)
	MarkDepositConfirmed(ctx context.Context, id, txRef string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
	FlagReview(ctx context.Context, id, reason string) error
	ClearReview(ctx context.Context, id string) (bool, error)
	ExpirePending(ctx context.Context, now time.Time) (int64, error)

	ListMatchableEscrows(ctx context.Context, maxRate decimal.Decimal, limit int) ([]*models.Order, error)
	ListExecutableEscrows(ctx context.Context, maxRate decimal.Decimal, limit int) ([]*models.Order, error)
	ListPendingDeposits(ctx context.Context) ([]*models.Order, error)
	ListReview(ctx context.Context, limit int) ([]*models.Order, error)

	RecordFill(ctx context.Context, fill *models.Fill) (FillResult, error)
	ListFills(ctx context.Context, orderID string) ([]*models.Fill, error)
	ListUnsettledFills(ctx context.Context, limit int) ([]*models.FillPayout, error)
	MarkFillSettled(ctx context.Context, fillID, bankRef string) (SettleFillResult, error)

	InsertSettlementTx(ctx context.Context, tx *models.SettlementTx) error
	InsertPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (bool, error)
	InsertRate(ctx context.Context, rate models.Rate) error

	GetSyncHeight(ctx context.Context) (int64, error)
	SetSyncHeight(ctx context.Context, height int64) error
}
