package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/matching"
	"RampSettle/internal/models"
	"RampSettle/internal/pricing"
	"RampSettle/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec-test"

type fixedRate struct{ rate models.Rate }

func (f fixedRate) Current(ctx context.Context) (models.Rate, error) { return f.rate, nil }

type fakeGateway struct {
	mu           sync.Mutex
	n            int
	failDispense error
	revertEscrow string
	onPartial    func()
	dispensed    []decimal.Decimal
	partials     []decimal.Decimal
}

func (g *fakeGateway) ref(kind string) string {
	g.n++
	return fmt.Sprintf("0x%s%04d", kind, g.n)
}

func (g *fakeGateway) DispenseFromPool(ctx context.Context, amount decimal.Decimal, recipient string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failDispense != nil {
		return "", g.failDispense
	}
	g.dispensed = append(g.dispensed, amount)
	return g.ref("d"), nil
}

func (g *fakeGateway) ExecuteEscrow(ctx context.Context, escrowRef, custody string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ref("e"), nil
}

func (g *fakeGateway) PartialFillEscrow(ctx context.Context, escrowRef string, amount decimal.Decimal, recipient string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if escrowRef == g.revertEscrow {
		return "", chain.Permanent(fmt.Errorf("%w: partial_fill_escrow", chain.ErrReverted))
	}
	g.partials = append(g.partials, amount)
	if g.onPartial != nil {
		g.onPartial()
	}
	return g.ref("p"), nil
}

func (g *fakeGateway) PushOracleRate(ctx context.Context, mid decimal.Decimal, spreadBps int64) (string, error) {
	return "0xoracle", nil
}

func (g *fakeGateway) VerifyRefund(ctx context.Context, escrowRef, txRef string) (decimal.Decimal, error) {
	return decimal.Zero, chain.ErrRefundNotFound
}

func (g *fakeGateway) calls() (dispensed, partials int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.dispensed), len(g.partials)
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fixture struct {
	ledger *store.Memory
	gw     *fakeGateway
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	gw := &fakeGateway{}
	rates := fixedRate{pricing.Quote(d(25000), 0, "test", time.Now())}
	return &fixture{
		ledger: m,
		gw:     gw,
		proc: &Processor{
			Ledger:  m,
			Matcher: &matching.Engine{Ledger: m, Rates: rates, BatchSize: 10},
			Gateway: gw,
			Secret:  testSecret,
			Tokens:  NewTokenMatcher("RS"),
			Logger:  zap.NewNop(),
		},
	}
}

func (f *fixture) buy(t *testing.T, id, token string, fiat, asset int64) {
	t.Helper()
	recipient := "0x4444444444444444444444444444444444444444"
	require.NoError(t, f.ledger.CreateOrder(context.Background(), &models.Order{
		ID: id, UserID: "buyer", Kind: models.KindBuy, Status: models.OrderPending,
		FiatAmount: d(fiat), AssetAmount: d(asset), Rate: d(25000),
		ExternalPaymentRef: &token, RecipientAddress: &recipient,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}))
}

func (f *fixture) restingSell(t *testing.T, id string, amount, target int64, created time.Time) {
	t.Helper()
	ctx := context.Background()
	tr := d(target)
	require.NoError(t, f.ledger.CreateOrder(ctx, &models.Order{
		ID: id, UserID: "seller-" + id, Kind: models.KindTargetSell, Status: models.OrderPending,
		AssetAmount: d(amount), TargetRate: &tr, CreatedAt: created, ExpiresAt: created.Add(time.Hour),
	}))
	ok, err := f.ledger.AttachEscrow(ctx, id, "0xescrow-"+id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.ledger.MarkEscrowExecuted(ctx, id, tr, tr.Mul(d(amount)))
	require.NoError(t, err)
	require.True(t, ok)
}

func notification(t *testing.T, id, memo string, amount int64) (Notification, string) {
	t.Helper()
	n := Notification{ID: id, Amount: d(amount), Memo: memo}
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	n.Raw = raw
	return n, Sign(testSecret, raw)
}

func TestHandleEndToEndWithRestingSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	f.restingSell(t, "sell-1", 15, 24800, time.Now())

	n, sig := notification(t, "evt-1", "transfer RSAAAAABBBBB thanks", 1000000)
	res, err := f.proc.Handle(ctx, n, sig, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)
	assert.Equal(t, "buy-1", res.OrderID)

	fills, err := f.ledger.ListFills(ctx, "buy-1")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].FillAmount.Equal(d(15)))
	assert.True(t, fills[0].Rate.Equal(d(24800)))
	assert.True(t, fills[0].FiatValue.Equal(d(372000)))

	require.Len(t, f.gw.dispensed, 1)
	assert.True(t, f.gw.dispensed[0].Equal(d(25)))

	order, _ := f.ledger.GetOrder(ctx, "buy-1")
	assert.Equal(t, models.OrderSettled, order.Status)
	seller, _ := f.ledger.GetOrder(ctx, "sell-1")
	assert.True(t, seller.RemainingAmount.IsZero())
	assert.Equal(t, models.OrderProcessing, seller.Status, "seller settles only after fiat payout")
	assert.Len(t, f.ledger.SettlementTxs("buy-1"), 1)
}

func TestHandleRepeatedDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	n, sig := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)

	outcomes := map[Outcome]int{}
	for i := 0; i < 5; i++ {
		res, err := f.proc.Handle(ctx, n, sig, false)
		require.NoError(t, err)
		outcomes[res.Outcome]++
	}
	assert.Equal(t, map[Outcome]int{OutcomeNew: 1, OutcomeDuplicate: 4}, outcomes)
	dispensed, _ := f.gw.calls()
	assert.Equal(t, 1, dispensed)
	order, _ := f.ledger.GetOrder(ctx, "buy-1")
	assert.Equal(t, models.OrderSettled, order.Status)
}

func TestHandleConcurrentDeliveriesDispenseOnce(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	n, sig := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)

	var mu sync.Mutex
	var news int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.proc.Handle(context.Background(), n, sig, false)
			assert.NoError(t, err)
			if res.Outcome == OutcomeNew {
				mu.Lock()
				news++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, news)
	dispensed, _ := f.gw.calls()
	assert.Equal(t, 1, dispensed)
}

func TestHandleAmountMismatchFlagsReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)

	for _, amount := range []int64{999999, 1000001} {
		n, sig := notification(t, fmt.Sprintf("evt-%d", amount), "RSAAAAABBBBB", amount)
		res, err := f.proc.Handle(ctx, n, sig, false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeMismatched, res.Outcome)
		assert.True(t, res.NeedsReview)
	}

	order, _ := f.ledger.GetOrder(ctx, "buy-1")
	assert.Equal(t, models.OrderPending, order.Status)
	assert.True(t, order.NeedsReview)
	dispensed, partials := f.gw.calls()
	assert.Zero(t, dispensed+partials)
}

func TestHandleUnmatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, memo := range []string{"rent for march", "RSZZZZZZZZZZ"} {
		n, sig := notification(t, "evt-"+memo, memo, 1000)
		res, err := f.proc.Handle(ctx, n, sig, false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnmatched, res.Outcome)
	}
}

func TestHandleSignatureChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	n, _ := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)

	_, err := f.proc.Handle(ctx, n, Sign("wrong-secret", n.Raw), false)
	require.ErrorIs(t, err, ErrBadSignature)
	_, err = f.proc.Handle(ctx, n, "", false)
	require.ErrorIs(t, err, ErrMissingSignature)
	_, err = f.proc.Handle(ctx, n, "zz-not-hex", true)
	require.ErrorIs(t, err, ErrBadSignature)

	order, _ := f.ledger.GetOrder(ctx, "buy-1")
	assert.Equal(t, models.OrderPending, order.Status)

	res, err := f.proc.Handle(ctx, n, "", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)
}

func TestHandlePoolFailureKeepsFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	f.restingSell(t, "sell-a", 10, 24000, now)
	f.restingSell(t, "sell-b", 10, 24500, now)
	f.gw.failDispense = fmt.Errorf("dispense_from_pool: %w", chain.ErrRetriesExhausted)

	n, sig := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)
	res, err := f.proc.Handle(ctx, n, sig, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.NeedsReview)

	fills, _ := f.ledger.ListFills(ctx, "buy-1")
	assert.Len(t, fills, 2)
	order, _ := f.ledger.GetOrder(ctx, "buy-1")
	assert.Equal(t, models.OrderFailed, order.Status)
	assert.True(t, order.NeedsReview)
	for _, id := range []string{"sell-a", "sell-b"} {
		s, _ := f.ledger.GetOrder(ctx, id)
		assert.True(t, s.RemainingAmount.IsZero(), id)
	}

	// A redelivery after the failure must not dispense again.
	res, err = f.proc.Handle(ctx, n, sig, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	_, partials := f.gw.calls()
	assert.Equal(t, 2, partials)
}

func TestHandleExpiredOrderGoesToReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	_, err := f.ledger.Transition(ctx, "buy-1", []models.OrderStatus{models.OrderPending}, models.OrderExpired)
	require.NoError(t, err)

	n, sig := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)
	res, err := f.proc.Handle(ctx, n, sig, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatched, res.Outcome)
	order, _ := f.ledger.GetOrder(ctx, "buy-1")
	assert.Equal(t, models.OrderExpired, order.Status)
	assert.True(t, order.NeedsReview)
}

func TestTokenMatcher(t *testing.T) {
	m := NewTokenMatcher("RS")
	tok, ok := m.Extract("payment for rs7k2q9mz0ab, ref 123")
	require.True(t, ok)
	assert.Equal(t, "RS7K2Q9MZ0AB", tok)

	_, ok = m.Extract("RS7K2Q9MZ0ABX")
	assert.False(t, ok)
	_, ok = m.Extract("no token here")
	assert.False(t, ok)

	fresh := NewToken("RS")
	got, ok := m.Extract("memo " + fresh)
	require.True(t, ok)
	assert.Equal(t, fresh, got)
}

func TestVerifySignatureAcceptsPrefixedHeader(t *testing.T) {
	body := []byte(`{"id":"1"}`)
	require.NoError(t, VerifySignature(testSecret, body, "sha256="+Sign(testSecret, body)))
	require.True(t, errors.Is(VerifySignature(testSecret, body, "00"), ErrBadSignature))
}

// ctxLedger refuses writes on a finished context, as a database driver does.
type ctxLedger struct {
	*store.Memory
}

func (l *ctxLedger) RecordFill(ctx context.Context, fill *models.Fill) (store.FillResult, error) {
	if err := ctx.Err(); err != nil {
		return store.FillResult{}, err
	}
	return l.Memory.RecordFill(ctx, fill)
}

func (l *ctxLedger) Transition(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.Memory.Transition(ctx, id, from, to)
}

func (l *ctxLedger) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.Memory.MarkFailed(ctx, id, reason)
}

func (l *ctxLedger) InsertSettlementTx(ctx context.Context, tx *models.SettlementTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Memory.InsertSettlementTx(ctx, tx)
}

func TestHandleSettlementOutlivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	f.proc.Ledger = &ctxLedger{Memory: f.ledger}
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	f.restingSell(t, "sell-1", 15, 24800, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gw.onPartial = cancel

	n, sig := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)
	res, err := f.proc.Handle(ctx, n, sig, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)

	bg := context.Background()
	fills, _ := f.ledger.ListFills(bg, "buy-1")
	require.Len(t, fills, 1)
	assert.Len(t, f.ledger.SettlementTxs("sell-1"), 1)
	order, _ := f.ledger.GetOrder(bg, "buy-1")
	assert.Equal(t, models.OrderSettled, order.Status)
}

func TestHandleCancelledRequestFailureStillReachesReview(t *testing.T) {
	f := newFixture(t)
	f.proc.Ledger = &ctxLedger{Memory: f.ledger}
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	f.restingSell(t, "sell-1", 15, 24800, time.Now())
	f.gw.failDispense = fmt.Errorf("dispense_from_pool: %w", chain.ErrRetriesExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gw.onPartial = cancel

	n, sig := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)
	res, err := f.proc.Handle(ctx, n, sig, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	bg := context.Background()
	fills, _ := f.ledger.ListFills(bg, "buy-1")
	assert.Len(t, fills, 1)
	order, _ := f.ledger.GetOrder(bg, "buy-1")
	assert.Equal(t, models.OrderFailed, order.Status)
	assert.True(t, order.NeedsReview)
}

func TestHandleRevertedFillFallsBackToPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, "buy-1", "RSAAAAABBBBB", 1000000, 40)
	f.restingSell(t, "sell-1", 15, 24800, time.Now())
	f.gw.revertEscrow = "0xescrow-sell-1"

	n, sig := notification(t, "evt-1", "RSAAAAABBBBB", 1000000)
	res, err := f.proc.Handle(ctx, n, sig, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)

	require.Len(t, f.gw.dispensed, 1)
	assert.True(t, f.gw.dispensed[0].Equal(d(40)))
	fills, _ := f.ledger.ListFills(ctx, "buy-1")
	assert.Empty(t, fills)
	seller, _ := f.ledger.GetOrder(ctx, "sell-1")
	assert.True(t, seller.RemainingAmount.Equal(d(15)))
}
