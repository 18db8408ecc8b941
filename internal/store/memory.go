package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"RampSettle/internal/models"

	"github.com/shopspring/decimal"
)

// Memory is an in-process Ledger with the same conditional-update semantics as
// the Postgres store. It is the shared test ledger for every package.
type Memory struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	fills     map[string]*models.Fill
	fillOrder []string
	txs       map[string]*models.SettlementTx
	events    map[string]*models.PaymentEvent
	rates     []models.Rate
	seq       int64
	height    int64
}

func NewMemory() *Memory {
	return &Memory{
		orders: map[string]*models.Order{},
		fills:  map[string]*models.Fill{},
		txs:    map[string]*models.SettlementTx{},
		events: map[string]*models.PaymentEvent{},
	}
}

var _ Ledger = (*Memory)(nil)

func (m *Memory) NextDerivationIndex(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return ErrConflict
	}
	for _, o := range m.orders {
		if order.ExternalPaymentRef != nil && o.ExternalPaymentRef != nil && *o.ExternalPaymentRef == *order.ExternalPaymentRef {
			return ErrConflict
		}
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) GetOrderByPaymentRef(ctx context.Context, ref string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Kind == models.KindBuy && o.ExternalPaymentRef != nil && *o.ExternalPaymentRef == ref {
			return cloneOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Transition(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	return m.update(id, func(o *models.Order) bool {
		if !slices.Contains(from, o.Status) {
			return false
		}
		o.Status = to
		return true
	})
}

func (m *Memory) AttachEscrow(ctx context.Context, id, escrowRef string) (bool, error) {
	m.mu.Lock()
	for _, o := range m.orders {
		if o.EscrowRef != nil && *o.EscrowRef == escrowRef && o.ID != id {
			m.mu.Unlock()
			return false, ErrConflict
		}
	}
	m.mu.Unlock()
	return m.update(id, func(o *models.Order) bool {
		if o.Kind != models.KindTargetSell || o.Status != models.OrderPending || o.EscrowRef != nil {
			return false
		}
		ref := escrowRef
		filled := decimal.Zero
		remaining := o.AssetAmount
		o.EscrowRef = &ref
		o.FilledAmount = &filled
		o.RemainingAmount = &remaining
		return true
	})
}

func (m *Memory) MarkEscrowExecuted(ctx context.Context, id string, rate, fiat decimal.Decimal) (bool, error) {
	return m.update(id, func(o *models.Order) bool {
		if o.Kind != models.KindTargetSell || o.Status != models.OrderPending || o.EscrowRef == nil {
			return false
		}
		o.Status = models.OrderProcessing
		o.Rate = rate
		o.FiatAmount = fiat
		o.NeedsReview = false
		o.ReviewReason = nil
		return true
	})
}

func (m *Memory) MarkDepositConfirmed(ctx context.Context, id, txRef string) (bool, error) {
	return m.update(id, func(o *models.Order) bool {
		if o.Kind != models.KindInstantSell || o.Status != models.OrderPending {
			return false
		}
		ref := txRef
		o.Status = models.OrderProcessing
		o.DepositTx = &ref
		return true
	})
}

func (m *Memory) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	return m.update(id, func(o *models.Order) bool {
		if !o.Status.Active() {
			return false
		}
		r := reason
		o.Status = models.OrderFailed
		o.NeedsReview = true
		o.ReviewReason = &r
		return true
	})
}

func (m *Memory) FlagReview(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	r := reason
	o.NeedsReview = true
	o.ReviewReason = &r
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ClearReview(ctx context.Context, id string) (bool, error) {
	return m.update(id, func(o *models.Order) bool {
		if !o.NeedsReview {
			return false
		}
		o.NeedsReview = false
		o.ReviewReason = nil
		return true
	})
}

func (m *Memory) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.orders {
		if o.Status == models.OrderPending && o.EscrowRef == nil && o.ExpiresAt.Before(now) {
			o.Status = models.OrderExpired
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListMatchableEscrows(ctx context.Context, maxRate decimal.Decimal, limit int) ([]*models.Order, error) {
	return m.listEscrows(models.OrderProcessing, maxRate, limit, func(o *models.Order) bool {
		return o.RemainingAmount != nil && o.RemainingAmount.IsPositive()
	}), nil
}

func (m *Memory) ListExecutableEscrows(ctx context.Context, maxRate decimal.Decimal, limit int) ([]*models.Order, error) {
	return m.listEscrows(models.OrderPending, maxRate, limit, func(*models.Order) bool { return true }), nil
}

func (m *Memory) listEscrows(status models.OrderStatus, maxRate decimal.Decimal, limit int, keep func(*models.Order) bool) []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Kind != models.KindTargetSell || o.Status != status || o.EscrowRef == nil || o.TargetRate == nil {
			continue
		}
		if o.TargetRate.GreaterThan(maxRate) || !keep(o) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].TargetRate.Cmp(*out[j].TargetRate); c != 0 {
			return c < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) ListPendingDeposits(ctx context.Context) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Kind != models.KindInstantSell || o.DepositAddress == nil {
			continue
		}
		if o.Status == models.OrderPending || o.Status == models.OrderExpired {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (m *Memory) ListReview(ctx context.Context, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.NeedsReview {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordFill(ctx context.Context, fill *models.Fill) (FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out FillResult
	seller, ok := m.orders[fill.SellOrderID]
	if !ok {
		return out, ErrNotFound
	}
	for _, f := range m.fills {
		if f.TxRef == fill.TxRef {
			if seller.RemainingAmount != nil {
				out.SellRemaining = *seller.RemainingAmount
			}
			out.Exhausted = out.SellRemaining.IsZero()
			return out, nil
		}
	}

	stored := *fill
	m.fills[fill.ID] = &stored
	m.fillOrder = append(m.fillOrder, fill.ID)

	if seller.Kind != models.KindTargetSell || seller.RemainingAmount == nil || seller.RemainingAmount.LessThan(fill.FillAmount) {
		r := "fill " + fill.TxRef + " exceeds remaining amount"
		seller.NeedsReview = true
		seller.ReviewReason = &r
		out.Conflict = true
		return out, nil
	}
	filled := seller.FilledAmount.Add(fill.FillAmount)
	remaining := seller.RemainingAmount.Sub(fill.FillAmount)
	seller.FilledAmount = &filled
	seller.RemainingAmount = &remaining
	seller.UpdatedAt = time.Now().UTC()
	out.SellRemaining = remaining
	out.Exhausted = remaining.IsZero()
	return out, nil
}

func (m *Memory) ListFills(ctx context.Context, orderID string) ([]*models.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Fill
	for _, id := range m.fillOrder {
		f := m.fills[id]
		if f.BuyOrderID == orderID || f.SellOrderID == orderID {
			c := *f
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) ListUnsettledFills(ctx context.Context, limit int) ([]*models.FillPayout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FillPayout
	for _, id := range m.fillOrder {
		f := m.fills[id]
		if f.VNDSettled {
			continue
		}
		p := &models.FillPayout{Fill: *f}
		if seller, ok := m.orders[f.SellOrderID]; ok {
			p.SellerUserID = seller.UserID
			p.BankAccountRef = seller.BankAccountRef
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkFillSettled(ctx context.Context, fillID, bankRef string) (SettleFillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out SettleFillResult
	f, ok := m.fills[fillID]
	if !ok {
		return out, ErrNotFound
	}
	if f.VNDSettled {
		c := *f
		out.Fill = &c
		return out, nil
	}
	now := time.Now().UTC()
	ref := bankRef
	f.VNDSettled = true
	f.SettledAt = &now
	f.BankRef = &ref
	c := *f
	out.Fill = &c
	out.Changed = true

	for _, other := range m.fills {
		if other.SellOrderID == f.SellOrderID && !other.VNDSettled {
			return out, nil
		}
	}
	seller := m.orders[f.SellOrderID]
	if seller != nil && seller.Status == models.OrderProcessing && seller.RemainingAmount != nil && seller.RemainingAmount.IsZero() {
		seller.Status = models.OrderSettled
		seller.UpdatedAt = now
		out.SellerSettled = true
	}
	return out, nil
}

func (m *Memory) InsertSettlementTx(ctx context.Context, tx *models.SettlementTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(tx.Kind) + "/" + tx.TxRef
	if _, ok := m.txs[key]; ok {
		return nil
	}
	c := *tx
	m.txs[key] = &c
	return nil
}

// SettlementTxs returns recorded on-chain effects for an order, oldest first.
func (m *Memory) SettlementTxs(orderID string) []models.SettlementTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SettlementTx
	for _, tx := range m.txs {
		if tx.OrderID != nil && *tx.OrderID == orderID {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) InsertPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ProviderID]; ok {
		return false, nil
	}
	c := *ev
	m.events[ev.ProviderID] = &c
	return true, nil
}

func (m *Memory) InsertRate(ctx context.Context, rate models.Rate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = append(m.rates, rate)
	return nil
}

// Rates returns the recorded rate history.
func (m *Memory) Rates() []models.Rate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rates)
}

func (m *Memory) GetSyncHeight(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

func (m *Memory) SetSyncHeight(ctx context.Context, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = height
	return nil
}

func (m *Memory) update(id string, apply func(*models.Order) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	if !apply(o) {
		return false, nil
	}
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.TargetRate = cloneDecimal(o.TargetRate)
	c.FilledAmount = cloneDecimal(o.FilledAmount)
	c.RemainingAmount = cloneDecimal(o.RemainingAmount)
	c.EscrowRef = cloneString(o.EscrowRef)
	c.ExternalPaymentRef = cloneString(o.ExternalPaymentRef)
	c.RecipientAddress = cloneString(o.RecipientAddress)
	c.DepositAddress = cloneString(o.DepositAddress)
	c.DepositTx = cloneString(o.DepositTx)
	c.BankAccountRef = cloneString(o.BankAccountRef)
	c.ReviewReason = cloneString(o.ReviewReason)
	if o.DerivationIndex != nil {
		idx := *o.DerivationIndex
		c.DerivationIndex = &idx
	}
	return &c
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
