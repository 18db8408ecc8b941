package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"RampSettle/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTargetSell(t *testing.T, m *Memory, id string, amount, target int64, created time.Time) *models.Order {
	t.Helper()
	tr := decimal.NewFromInt(target)
	o := &models.Order{
		ID:          id,
		UserID:      "seller-" + id,
		Kind:        models.KindTargetSell,
		Status:      models.OrderPending,
		AssetAmount: decimal.NewFromInt(amount),
		TargetRate:  &tr,
		ExpiresAt:   created.Add(time.Hour),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, m.CreateOrder(context.Background(), o))
	return o
}

func TestTransitionConcurrentOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ref := "RSABCDEFGHIJ"
	require.NoError(t, m.CreateOrder(ctx, &models.Order{
		ID: "buy-1", Kind: models.KindBuy, Status: models.OrderPending, ExternalPaymentRef: &ref,
	}))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Transition(ctx, "buy-1", []models.OrderStatus{models.OrderPending}, models.OrderPaid)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	o, err := m.GetOrder(ctx, "buy-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, o.Status)
}

func TestRecordFillConservesAmounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	newTargetSell(t, m, "sell-1", 100, 24000, time.Now())

	ok, err := m.AttachEscrow(ctx, "sell-1", "0xescrow1")
	require.NoError(t, err)
	require.True(t, ok)

	for i, amt := range []int64{30, 30, 40} {
		res, err := m.RecordFill(ctx, &models.Fill{
			ID: string(rune('a' + i)), BuyOrderID: "buy", SellOrderID: "sell-1",
			FillAmount: decimal.NewFromInt(amt), Rate: decimal.NewFromInt(24000),
			TxRef: "0xtx" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		assert.False(t, res.Conflict)

		o, err := m.GetOrder(ctx, "sell-1")
		require.NoError(t, err)
		assert.True(t, o.FilledAmount.Add(*o.RemainingAmount).Equal(o.AssetAmount))
	}

	o, _ := m.GetOrder(ctx, "sell-1")
	assert.True(t, o.RemainingAmount.IsZero())

	// Replaying the same on-chain reference is a no-op.
	res, err := m.RecordFill(ctx, &models.Fill{ID: "dup", SellOrderID: "sell-1", FillAmount: decimal.NewFromInt(40), TxRef: "0xtxc"})
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	fills, _ := m.ListFills(ctx, "sell-1")
	assert.Len(t, fills, 3)
}

func TestRecordFillBeyondRemainingFlagsSeller(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	newTargetSell(t, m, "sell-1", 10, 24000, time.Now())
	_, err := m.AttachEscrow(ctx, "sell-1", "0xescrow1")
	require.NoError(t, err)

	res, err := m.RecordFill(ctx, &models.Fill{ID: "f1", SellOrderID: "sell-1", FillAmount: decimal.NewFromInt(11), TxRef: "0x1"})
	require.NoError(t, err)
	assert.True(t, res.Conflict)

	o, _ := m.GetOrder(ctx, "sell-1")
	assert.True(t, o.NeedsReview)
	fills, _ := m.ListFills(ctx, "sell-1")
	assert.Len(t, fills, 1, "fill reflects on-chain effect even when ledger disagrees")
}

func TestMarkFillSettledPromotesSellerOnLastFill(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	newTargetSell(t, m, "sell-1", 20, 24000, time.Now())
	_, _ = m.AttachEscrow(ctx, "sell-1", "0xescrow1")
	_, _ = m.MarkEscrowExecuted(ctx, "sell-1", decimal.NewFromInt(24100), decimal.NewFromInt(482000))

	for _, id := range []string{"f1", "f2"} {
		_, err := m.RecordFill(ctx, &models.Fill{ID: id, SellOrderID: "sell-1", FillAmount: decimal.NewFromInt(10), TxRef: "tx-" + id})
		require.NoError(t, err)
	}

	res, err := m.MarkFillSettled(ctx, "f1", "bank-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.SellerSettled)

	res, err = m.MarkFillSettled(ctx, "f2", "bank-2")
	require.NoError(t, err)
	assert.True(t, res.SellerSettled)

	res, err = m.MarkFillSettled(ctx, "f2", "bank-2")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	o, _ := m.GetOrder(ctx, "sell-1")
	assert.Equal(t, models.OrderSettled, o.Status)
}

func TestExpirePendingSkipsFundedEscrows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	past := time.Now().Add(-2 * time.Hour)
	newTargetSell(t, m, "funded", 10, 24000, past)
	newTargetSell(t, m, "unfunded", 10, 24000, past)
	_, _ = m.AttachEscrow(ctx, "funded", "0xescrow")

	n, err := m.ExpirePending(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	funded, _ := m.GetOrder(ctx, "funded")
	unfunded, _ := m.GetOrder(ctx, "unfunded")
	assert.Equal(t, models.OrderPending, funded.Status)
	assert.Equal(t, models.OrderExpired, unfunded.Status)
}

func TestListMatchableEscrowsPriceTimeOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	newTargetSell(t, m, "late-cheap", 10, 24000, base.Add(time.Minute))
	newTargetSell(t, m, "early-cheap", 10, 24000, base)
	newTargetSell(t, m, "pricey", 10, 24500, base.Add(-time.Minute))
	newTargetSell(t, m, "too-high", 10, 26000, base)
	for _, id := range []string{"late-cheap", "early-cheap", "pricey", "too-high"} {
		_, _ = m.AttachEscrow(ctx, id, "0x"+id)
		_, _ = m.MarkEscrowExecuted(ctx, id, decimal.NewFromInt(25000), decimal.Zero)
	}

	got, err := m.ListMatchableEscrows(ctx, decimal.NewFromInt(25000), 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"early-cheap", "late-cheap", "pricey"}, ids)
}
