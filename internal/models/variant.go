package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Variant is the kind-specific view of an order. The set of implementations is
// closed: BuyOrder, InstantSellOrder and TargetSellOrder.
type Variant interface {
	variant()
}

type BuyOrder struct {
	FiatAmount       decimal.Decimal
	AssetAmount      decimal.Decimal
	PaymentRef       string
	RecipientAddress string
}

type InstantSellOrder struct {
	AssetAmount    decimal.Decimal
	FiatAmount     decimal.Decimal
	DepositAddress string
	DepositTx      string
	BankAccountRef string
}

type TargetSellOrder struct {
	Original       decimal.Decimal
	TargetRate     decimal.Decimal
	EscrowRef      string
	Confirmed      bool
	Filled         decimal.Decimal
	Remaining      decimal.Decimal
	BankAccountRef string
}

func (BuyOrder) variant()         {}
func (InstantSellOrder) variant() {}
func (TargetSellOrder) variant()  {}

func (o *Order) Variant() (Variant, error) {
	switch o.Kind {
	case KindBuy:
		return BuyOrder{
			FiatAmount:       o.FiatAmount,
			AssetAmount:      o.AssetAmount,
			PaymentRef:       deref(o.ExternalPaymentRef),
			RecipientAddress: deref(o.RecipientAddress),
		}, nil
	case KindInstantSell:
		return InstantSellOrder{
			AssetAmount:    o.AssetAmount,
			FiatAmount:     o.FiatAmount,
			DepositAddress: deref(o.DepositAddress),
			DepositTx:      deref(o.DepositTx),
			BankAccountRef: deref(o.BankAccountRef),
		}, nil
	case KindTargetSell:
		v := TargetSellOrder{
			Original:       o.AssetAmount,
			EscrowRef:      deref(o.EscrowRef),
			Confirmed:      o.EscrowConfirmed(),
			Filled:         decimal.Zero,
			Remaining:      o.AssetAmount,
			BankAccountRef: deref(o.BankAccountRef),
		}
		if o.TargetRate != nil {
			v.TargetRate = *o.TargetRate
		}
		if v.Confirmed {
			v.Filled = *o.FilledAmount
			v.Remaining = *o.RemainingAmount
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown order kind %q", o.Kind)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
