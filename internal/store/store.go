package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"RampSettle/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrConflict = errors.New("conflicting record")

const orderColumns = `
	id, user_id, kind, status,
	asset_amount::text, fiat_amount::text, rate::text, target_rate::text,
	filled_amount::text, remaining_amount::text,
	escrow_ref, external_payment_ref, recipient_address, deposit_address,
	derivation_index, deposit_tx, bank_account_ref,
	needs_review, review_reason, expires_at, created_at, updated_at`

const fillColumns = `
	id, buy_order_id, sell_order_id, fill_amount::text, rate::text, fiat_value::text,
	tx_ref, vnd_settled, bank_ref, settled_at, created_at`

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

var _ Ledger = (*Store)(nil)

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('order_derivation_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, kind, status, asset_amount, fiat_amount, rate, target_rate,
			filled_amount, remaining_amount, escrow_ref, external_payment_ref,
			recipient_address, deposit_address, derivation_index, bank_account_ref,
			expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		order.ID,
		order.UserID,
		order.Kind,
		order.Status,
		order.AssetAmount.String(),
		order.FiatAmount.String(),
		order.Rate.String(),
		decimalParam(order.TargetRate),
		decimalParam(order.FilledAmount),
		decimalParam(order.RemainingAmount),
		order.EscrowRef,
		order.ExternalPaymentRef,
		order.RecipientAddress,
		order.DepositAddress,
		order.DerivationIndex,
		order.BankAccountRef,
		order.ExpiresAt,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (s *Store) GetOrderByPaymentRef(ctx context.Context, ref string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_payment_ref=$1 AND kind='buy'`, ref)
	return scanOrder(row)
}

func (s *Store) Transition(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	expected := make([]string, 0, len(from))
	for _, st := range from {
		expected = append(expected, string(st))
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status = ANY($2)
	`, id, expected, to)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) AttachEscrow(ctx context.Context, id, escrowRef string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET escrow_ref=$2, filled_amount=0, remaining_amount=asset_amount, updated_at=now()
		WHERE id=$1 AND kind='target_sell' AND status='pending' AND escrow_ref IS NULL
	`, id, escrowRef)
	if isUniqueViolation(err) {
		return false, ErrConflict
	}
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkEscrowExecuted(ctx context.Context, id string, rate, fiat decimal.Decimal) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status='processing', rate=$2, fiat_amount=$3, needs_review=false, review_reason=NULL, updated_at=now()
		WHERE id=$1 AND kind='target_sell' AND status='pending' AND escrow_ref IS NOT NULL
	`, id, rate.String(), fiat.String())
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkDepositConfirmed(ctx context.Context, id, txRef string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status='processing', deposit_tx=$2, updated_at=now()
		WHERE id=$1 AND kind='instant_sell' AND status='pending'
	`, id, txRef)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status='failed', needs_review=true, review_reason=$2, updated_at=now()
		WHERE id=$1 AND status IN ('pending','paid','processing')
	`, id, reason)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) FlagReview(ctx context.Context, id, reason string) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET needs_review=true, review_reason=$2, updated_at=now() WHERE id=$1
	`, id, reason)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ClearReview(ctx context.Context, id string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET needs_review=false, review_reason=NULL, updated_at=now()
		WHERE id=$1 AND needs_review
	`, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ExpirePending expires pending orders past their deadline. Orders holding a
// funded escrow never expire: their asset is locked on-chain.
func (s *Store) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status='expired', updated_at=now()
		WHERE status='pending' AND escrow_ref IS NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) ListMatchableEscrows(ctx context.Context, maxRate decimal.Decimal, limit int) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE kind='target_sell' AND status='processing' AND escrow_ref IS NOT NULL
			AND remaining_amount > 0 AND target_rate <= $1
		ORDER BY target_rate ASC, created_at ASC
		LIMIT $2
	`, maxRate.String(), limit)
}

func (s *Store) ListExecutableEscrows(ctx context.Context, maxRate decimal.Decimal, limit int) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE kind='target_sell' AND status='pending' AND escrow_ref IS NOT NULL
			AND target_rate <= $1
		ORDER BY target_rate ASC, created_at ASC
		LIMIT $2
	`, maxRate.String(), limit)
}

// ListPendingDeposits includes expired orders so late deposits are still seen.
func (s *Store) ListPendingDeposits(ctx context.Context) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE kind='instant_sell' AND status IN ('pending','expired') AND deposit_address IS NOT NULL
	`)
}

func (s *Store) ListReview(ctx context.Context, limit int) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE needs_review ORDER BY updated_at ASC LIMIT $1
	`, limit)
}

func (s *Store) RecordFill(ctx context.Context, fill *models.Fill) (FillResult, error) {
	var out FillResult
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		INSERT INTO order_matches (id, buy_order_id, sell_order_id, fill_amount, rate, fiat_value, tx_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tx_ref) DO NOTHING
	`, fill.ID, fill.BuyOrderID, fill.SellOrderID, fill.FillAmount.String(), fill.Rate.String(),
		fill.FiatValue.String(), fill.TxRef, fill.CreatedAt)
	if err != nil {
		return out, fmt.Errorf("insert fill: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Same on-chain call already recorded.
		var remaining sql.NullString
		if err := tx.QueryRow(ctx, `SELECT remaining_amount::text FROM orders WHERE id=$1`, fill.SellOrderID).Scan(&remaining); err != nil {
			return out, err
		}
		out.SellRemaining = parseDecimalOrZero(remaining)
		out.Exhausted = out.SellRemaining.IsZero()
		return out, tx.Commit(ctx)
	}

	var remaining string
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET filled_amount = filled_amount + $2, remaining_amount = remaining_amount - $2, updated_at=now()
		WHERE id=$1 AND kind='target_sell' AND remaining_amount >= $2
		RETURNING remaining_amount::text
	`, fill.SellOrderID, fill.FillAmount.String()).Scan(&remaining)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		out.Conflict = true
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET needs_review=true, review_reason=$2, updated_at=now() WHERE id=$1
		`, fill.SellOrderID, "fill "+fill.TxRef+" exceeds remaining amount"); err != nil {
			return out, err
		}
	case err != nil:
		return out, fmt.Errorf("decrement remaining: %w", err)
	default:
		out.SellRemaining, err = decimal.NewFromString(remaining)
		if err != nil {
			return out, fmt.Errorf("parse remaining: %w", err)
		}
		out.Exhausted = out.SellRemaining.IsZero()
	}

	if err := tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("tx commit failed: %w", err)
	}
	return out, nil
}

func (s *Store) ListFills(ctx context.Context, orderID string) ([]*models.Fill, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+fillColumns+` FROM order_matches
		WHERE buy_order_id=$1 OR sell_order_id=$1
		ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*models.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *Store) ListUnsettledFills(ctx context.Context, limit int) ([]*models.FillPayout, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT m.id, m.buy_order_id, m.sell_order_id, m.fill_amount::text, m.rate::text, m.fiat_value::text,
			m.tx_ref, m.vnd_settled, m.bank_ref, m.settled_at, m.created_at,
			o.user_id, o.bank_account_ref
		FROM order_matches m
		JOIN orders o ON o.id = m.sell_order_id
		WHERE NOT m.vnd_settled
		ORDER BY m.created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FillPayout
	for rows.Next() {
		var p models.FillPayout
		var amount, rate, fiat string
		if err := rows.Scan(
			&p.ID, &p.BuyOrderID, &p.SellOrderID, &amount, &rate, &fiat,
			&p.TxRef, &p.VNDSettled, &p.BankRef, &p.SettledAt, &p.CreatedAt,
			&p.SellerUserID, &p.BankAccountRef,
		); err != nil {
			return nil, err
		}
		if err := parseDecimals(map[*decimal.Decimal]string{&p.FillAmount: amount, &p.Rate: rate, &p.FiatValue: fiat}); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// MarkFillSettled flips vnd_settled once and promotes a fully filled seller order
// to settled when this was its last unsettled fill.
func (s *Store) MarkFillSettled(ctx context.Context, fillID, bankRef string) (SettleFillResult, error) {
	var out SettleFillResult
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	fill, err := scanFill(tx.QueryRow(ctx, `
		UPDATE order_matches SET vnd_settled=true, settled_at=now(), bank_ref=$2
		WHERE id=$1 AND NOT vnd_settled
		RETURNING `+fillColumns, fillID, bankRef))
	if errors.Is(err, ErrNotFound) {
		fill, err = scanFill(tx.QueryRow(ctx, `SELECT `+fillColumns+` FROM order_matches WHERE id=$1`, fillID))
		if err != nil {
			return out, err
		}
		out.Fill = fill
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Fill = fill
	out.Changed = true

	// Serialises concurrent settlements of sibling fills on the seller row.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM orders WHERE id=$1 FOR UPDATE`, fill.SellOrderID); err != nil {
		return out, err
	}
	var open int64
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM order_matches WHERE sell_order_id=$1 AND NOT vnd_settled
	`, fill.SellOrderID).Scan(&open); err != nil {
		return out, err
	}
	if open == 0 {
		res, err := tx.Exec(ctx, `
			UPDATE orders SET status='settled', updated_at=now()
			WHERE id=$1 AND status='processing' AND remaining_amount = 0
		`, fill.SellOrderID)
		if err != nil {
			return out, err
		}
		out.SellerSettled = res.RowsAffected() > 0
	}

	if err := tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("tx commit failed: %w", err)
	}
	return out, nil
}

func (s *Store) InsertSettlementTx(ctx context.Context, stx *models.SettlementTx) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO settlement_txs (id, order_id, kind, tx_ref, amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (kind, tx_ref) DO NOTHING
	`, stx.ID, stx.OrderID, stx.Kind, stx.TxRef, stx.Amount.String(), stx.CreatedAt)
	return err
}

func (s *Store) InsertPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (bool, error) {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_events (provider_id, order_id, amount, memo, payload, simulated, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider_id) DO NOTHING
	`, ev.ProviderID, ev.OrderID, ev.Amount.String(), ev.Memo, payload, ev.Simulated, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) InsertRate(ctx context.Context, rate models.Rate) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO rates (mid, buy_price, sell_price, spread_bps, source, fetched_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rate.Mid.String(), rate.BuyPrice.String(), rate.SellPrice.String(), rate.SpreadBps, rate.Source, rate.FetchedAt)
	return err
}

func (s *Store) GetSyncHeight(ctx context.Context) (int64, error) {
	row := s.Pool.QueryRow(ctx, "SELECT value FROM sync_state WHERE key='last_processed_height'")
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Store) SetSyncHeight(ctx context.Context, height int64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_state (key, value)
		VALUES ('last_processed_height', $1)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, strconv.FormatInt(height, 10))
	return err
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var asset, fiat, rate string
	var target, filled, remaining sql.NullString

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Kind,
		&order.Status,
		&asset,
		&fiat,
		&rate,
		&target,
		&filled,
		&remaining,
		&order.EscrowRef,
		&order.ExternalPaymentRef,
		&order.RecipientAddress,
		&order.DepositAddress,
		&order.DerivationIndex,
		&order.DepositTx,
		&order.BankAccountRef,
		&order.NeedsReview,
		&order.ReviewReason,
		&order.ExpiresAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := parseDecimals(map[*decimal.Decimal]string{&order.AssetAmount: asset, &order.FiatAmount: fiat, &order.Rate: rate}); err != nil {
		return nil, err
	}
	if order.TargetRate, err = parseNullDecimal(target); err != nil {
		return nil, err
	}
	if order.FilledAmount, err = parseNullDecimal(filled); err != nil {
		return nil, err
	}
	if order.RemainingAmount, err = parseNullDecimal(remaining); err != nil {
		return nil, err
	}
	return &order, nil
}

func scanFill(row pgx.Row) (*models.Fill, error) {
	var f models.Fill
	var amount, rate, fiat string
	err := row.Scan(&f.ID, &f.BuyOrderID, &f.SellOrderID, &amount, &rate, &fiat,
		&f.TxRef, &f.VNDSettled, &f.BankRef, &f.SettledAt, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(map[*decimal.Decimal]string{&f.FillAmount: amount, &f.Rate: rate, &f.FiatValue: fiat}); err != nil {
		return nil, err
	}
	return &f, nil
}

func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", raw, err)
		}
		*dst = d
	}
	return nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse numeric %q: %w", v.String, err)
	}
	return &d, nil
}

func parseDecimalOrZero(v sql.NullString) decimal.Decimal {
	d, err := parseNullDecimal(v)
	if err != nil || d == nil {
		return decimal.Zero
	}
	return *d
}

func decimalParam(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
