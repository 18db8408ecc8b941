package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetDecimals is the fixed-point precision of stablecoin amounts.
const AssetDecimals = 6

type OrderKind string

const (
	KindBuy         OrderKind = "buy"
	KindInstantSell OrderKind = "instant_sell"
	KindTargetSell  OrderKind = "target_sell"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderPaid       OrderStatus = "paid"
	OrderProcessing OrderStatus = "processing"
	OrderSettled    OrderStatus = "settled"
	OrderCancelled  OrderStatus = "cancelled"
	OrderFailed     OrderStatus = "failed"
	OrderExpired    OrderStatus = "expired"
)

// Active reports whether the order can still change state on its own.
func (s OrderStatus) Active() bool {
	switch s {
	case OrderPending, OrderPaid, OrderProcessing:
		return true
	}
	return false
}

type Order struct {
	ID                 string
	UserID             string
	Kind               OrderKind
	Status             OrderStatus
	AssetAmount        decimal.Decimal
	FiatAmount         decimal.Decimal
	Rate               decimal.Decimal
	TargetRate         *decimal.Decimal
	FilledAmount       *decimal.Decimal
	RemainingAmount    *decimal.Decimal
	EscrowRef          *string
	ExternalPaymentRef *string
	RecipientAddress   *string
	DepositAddress     *string
	DerivationIndex    *int64
	DepositTx          *string
	BankAccountRef     *string
	NeedsReview        bool
	ReviewReason       *string
	ExpiresAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EscrowConfirmed reports whether fill tracking has started for a target sell.
func (o *Order) EscrowConfirmed() bool {
	return o.EscrowRef != nil && o.RemainingAmount != nil && o.FilledAmount != nil
}

// Fill is one confirmed partial fill of a target sell escrow by a buy order.
type Fill struct {
	ID          string
	BuyOrderID  string
	SellOrderID string
	FillAmount  decimal.Decimal
	Rate        decimal.Decimal
	FiatValue   decimal.Decimal
	TxRef       string
	VNDSettled  bool
	BankRef     *string
	SettledAt   *time.Time
	CreatedAt   time.Time
}

// FillPayout is an unsettled fill joined with what the operator needs to wire the seller.
type FillPayout struct {
	Fill
	SellerUserID   string
	BankAccountRef *string
}

type SettlementKind string

const (
	TxPoolDispense  SettlementKind = "pool_dispense"
	TxPartialFill   SettlementKind = "partial_fill"
	TxExecuteEscrow SettlementKind = "execute_escrow"
	TxEscrowRefund  SettlementKind = "escrow_refund"
	TxOraclePush    SettlementKind = "oracle_push"
	TxDeposit       SettlementKind = "deposit"
)

// SettlementTx records one confirmed on-chain effect.
type SettlementTx struct {
	ID        string
	OrderID   *string
	Kind      SettlementKind
	TxRef     string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type PaymentEvent struct {
	ProviderID string
	OrderID    *string
	Amount     decimal.Decimal
	Memo       string
	Payload    []byte
	Simulated  bool
	CreatedAt  time.Time
}

// Rate is an immutable price snapshot; the next fetch supersedes it.
type Rate struct {
	Mid       decimal.Decimal `json:"mid"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	SpreadBps int64           `json:"spread_bps"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}
