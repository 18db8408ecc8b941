package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/models"
	"RampSettle/internal/pricing"
	"RampSettle/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedRate struct{ rate models.Rate }

func (f fixedRate) Current(ctx context.Context) (models.Rate, error) { return f.rate, nil }

type stubDeriver struct{}

func (stubDeriver) Derive(index uint32) (string, error) {
	return fmt.Sprintf("0x%040x", index), nil
}

type refundGateway struct {
	chain.Gateway
	refunded map[string]decimal.Decimal
}

func (g refundGateway) VerifyRefund(ctx context.Context, escrowRef, txRef string) (decimal.Decimal, error) {
	amt, ok := g.refunded[txRef]
	if !ok {
		return decimal.Zero, chain.ErrRefundNotFound
	}
	return amt, nil
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var escrowRef = "0x" + strings.Repeat("ab", 32)

func newOrderService(m *store.Memory) *OrderService {
	return &OrderService{
		Ledger:     m,
		Deriver:    stubDeriver{},
		Rates:      fixedRate{pricing.Quote(d(25000), 0, "test", time.Now())},
		MinFiat:    d(10000),
		MaxFiat:    d(500000000),
		TTL:        30 * time.Minute,
		MemoPrefix: "RS",
	}
}

func TestCreateBuyQuotesAtBuyPrice(t *testing.T) {
	m := store.NewMemory()
	svc := newOrderService(m)
	o, err := svc.CreateBuy(context.Background(), "u1", d(1000000), "0x4444444444444444444444444444444444444444")
	require.NoError(t, err)
	assert.True(t, o.AssetAmount.Equal(d(40)))
	assert.Equal(t, models.OrderPending, o.Status)
	require.NotNil(t, o.ExternalPaymentRef)
	assert.Len(t, *o.ExternalPaymentRef, 12)
	assert.True(t, strings.HasPrefix(*o.ExternalPaymentRef, "RS"))

	got, err := m.GetOrderByPaymentRef(context.Background(), *o.ExternalPaymentRef)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
}

func TestCreateBuyTruncatesToAssetPrecision(t *testing.T) {
	svc := newOrderService(store.NewMemory())
	o, err := svc.CreateBuy(context.Background(), "u1", d(100000), "0x4444444444444444444444444444444444444444")
	require.NoError(t, err)
	assert.Equal(t, "4", o.AssetAmount.String())

	svc.Rates = fixedRate{pricing.Quote(d(24999), 0, "test", time.Now())}
	o, err = svc.CreateBuy(context.Background(), "u1", d(100000), "0x4444444444444444444444444444444444444444")
	require.NoError(t, err)
	assert.Equal(t, "4.00016", o.AssetAmount.String())
}

func TestCreateBuyValidation(t *testing.T) {
	svc := newOrderService(store.NewMemory())
	ctx := context.Background()
	_, err := svc.CreateBuy(ctx, "", d(100000), "0x4444444444444444444444444444444444444444")
	require.ErrorIs(t, err, ErrMissingUserID)
	_, err = svc.CreateBuy(ctx, "u1", d(5), "0x4444444444444444444444444444444444444444")
	require.ErrorIs(t, err, ErrFiatOutOfRange)
	_, err = svc.CreateBuy(ctx, "u1", d(100000), "not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestCreateInstantSellDerivesDepositAddress(t *testing.T) {
	m := store.NewMemory()
	svc := newOrderService(m)
	a, err := svc.CreateInstantSell(context.Background(), "u1", d(10), "bank-1")
	require.NoError(t, err)
	b, err := svc.CreateInstantSell(context.Background(), "u1", d(10), "bank-1")
	require.NoError(t, err)
	assert.NotEqual(t, *a.DepositAddress, *b.DepositAddress)
	assert.True(t, a.FiatAmount.Equal(d(250000)))

	_, err = svc.CreateInstantSell(context.Background(), "u1", decimal.RequireFromString("1.0000001"), "bank-1")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAttachEscrowOwnershipAndState(t *testing.T) {
	m := store.NewMemory()
	svc := newOrderService(m)
	ctx := context.Background()
	o, err := svc.CreateTargetSell(ctx, "seller", d(100), d(24000), "bank-1")
	require.NoError(t, err)

	_, err = svc.AttachEscrow(ctx, "intruder", o.ID, escrowRef)
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = svc.AttachEscrow(ctx, "seller", o.ID, "0x12")
	require.ErrorIs(t, err, ErrInvalidEscrowRef)

	got, err := svc.AttachEscrow(ctx, "seller", o.ID, escrowRef)
	require.NoError(t, err)
	assert.True(t, got.EscrowConfirmed())
	assert.True(t, got.RemainingAmount.Equal(d(100)))

	_, err = svc.AttachEscrow(ctx, "seller", o.ID, escrowRef)
	require.ErrorIs(t, err, ErrInvalidState)
}

// executedSell returns a processing target sell of amount with filled already taken.
func executedSell(t *testing.T, m *store.Memory, amount, filled int64) string {
	t.Helper()
	ctx := context.Background()
	svc := newOrderService(m)
	o, err := svc.CreateTargetSell(ctx, "seller", d(amount), d(24000), "bank-1")
	require.NoError(t, err)
	_, err = svc.AttachEscrow(ctx, "seller", o.ID, escrowRef)
	require.NoError(t, err)
	_, err = m.MarkEscrowExecuted(ctx, o.ID, d(24100), d(amount*24100))
	require.NoError(t, err)
	if filled > 0 {
		_, err = m.RecordFill(ctx, &models.Fill{
			ID: "fill-" + o.ID, BuyOrderID: "buy-x", SellOrderID: o.ID,
			FillAmount: d(filled), Rate: d(24000), FiatValue: d(filled * 24000), TxRef: "0xfill-" + o.ID,
		})
		require.NoError(t, err)
	}
	return o.ID
}

func newSettlement(m *store.Memory, refunds map[string]decimal.Decimal) *SettlementService {
	return &SettlementService{Ledger: m, Gateway: refundGateway{refunded: refunds}, Logger: zap.NewNop()}
}

func TestCancelRefundsOnlyRemainder(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	id := executedSell(t, m, 100, 60)
	svc := newSettlement(m, map[string]decimal.Decimal{"0xrefund": d(40)})

	_, err := svc.Cancel(ctx, id, "")
	require.ErrorIs(t, err, ErrRefundRequired)
	_, err = svc.Cancel(ctx, id, "0xbogus")
	require.ErrorIs(t, err, ErrRefundUnverified)

	res, err := svc.Cancel(ctx, id, "0xrefund")
	require.NoError(t, err)
	assert.True(t, res.Refundable.Equal(d(40)), res.Refundable.String())
	assert.True(t, res.Filled.Equal(d(60)), res.Filled.String())

	o, _ := m.GetOrder(ctx, id)
	assert.Equal(t, models.OrderCancelled, o.Status)
	assert.True(t, o.FilledAmount.Equal(d(60)))
	require.Len(t, m.SettlementTxs(id), 1)

	// The filled 60 still settles after cancellation.
	unsettled, err := svc.ListUnsettled(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	sr, err := svc.MarkFillSettled(ctx, unsettled[0].ID, "bank-tx-1")
	require.NoError(t, err)
	assert.True(t, sr.Changed)
	assert.False(t, sr.SellerSettled)

	_, err = svc.Cancel(ctx, id, "0xrefund")
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelRejectsWrongRefundAmount(t *testing.T) {
	m := store.NewMemory()
	id := executedSell(t, m, 100, 60)
	svc := newSettlement(m, map[string]decimal.Decimal{"0xrefund": d(100)})
	_, err := svc.Cancel(context.Background(), id, "0xrefund")
	require.ErrorIs(t, err, ErrRefundMismatch)
}

func TestCancelFullyFilledIsLedgerOnly(t *testing.T) {
	m := store.NewMemory()
	id := executedSell(t, m, 50, 50)
	svc := newSettlement(m, nil)
	res, err := svc.Cancel(context.Background(), id, "")
	require.NoError(t, err)
	assert.True(t, res.Refundable.IsZero())
	assert.True(t, res.Filled.Equal(d(50)))
}

func TestCancelWithoutEscrowNeedsNoProof(t *testing.T) {
	m := store.NewMemory()
	o, err := newOrderService(m).CreateTargetSell(context.Background(), "seller", d(10), d(24000), "bank-1")
	require.NoError(t, err)
	res, err := newSettlement(m, nil).Cancel(context.Background(), o.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Refundable.Equal(d(10)))
	assert.True(t, res.Filled.IsZero())
}

func TestCancelRejectsOtherKinds(t *testing.T) {
	m := store.NewMemory()
	o, err := newOrderService(m).CreateInstantSell(context.Background(), "u1", d(10), "bank-1")
	require.NoError(t, err)
	_, err = newSettlement(m, nil).Cancel(context.Background(), o.ID, "")
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestSettleInstantSell(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	o, err := newOrderService(m).CreateInstantSell(ctx, "u1", d(10), "bank-1")
	require.NoError(t, err)
	svc := newSettlement(m, nil)

	require.ErrorIs(t, svc.SettleInstantSell(ctx, o.ID, "wire-1"), ErrInvalidState)
	_, err = m.MarkDepositConfirmed(ctx, o.ID, "0xdeposit")
	require.NoError(t, err)
	require.NoError(t, svc.SettleInstantSell(ctx, o.ID, "wire-1"))
	require.NoError(t, svc.SettleInstantSell(ctx, o.ID, "wire-1"))

	got, _ := m.GetOrder(ctx, o.ID)
	assert.Equal(t, models.OrderSettled, got.Status)
}

func TestReviewQueueResolve(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	o, err := newOrderService(m).CreateTargetSell(ctx, "seller", d(10), d(24000), "bank-1")
	require.NoError(t, err)
	require.NoError(t, m.FlagReview(ctx, o.ID, "manual check"))
	svc := newSettlement(m, nil)

	queue, err := svc.ReviewQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	require.NoError(t, svc.ResolveReview(ctx, o.ID))
	require.ErrorIs(t, svc.ResolveReview(ctx, o.ID), ErrInvalidState)
	require.True(t, errors.Is(svc.ResolveReview(ctx, "missing"), store.ErrNotFound))
}
