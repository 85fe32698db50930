package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"batch-exchange/internal/engine"
	"batch-exchange/internal/model"
)

// ErrInsufficientFunds is returned when a wallet or vault debit would go
// negative. The debit is a conditional update, so the check and the write
// are one statement.
var ErrInsufficientFunds = errors.New("db: insufficient funds")

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, email, password_hash, role) VALUES ($1,$2,$3,$4)
		 RETURNING id, email, password_hash, role, created_at`, uuid.NewString(), email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ── Wallets ──────────────────────────────────────────

func (s *Store) GetWallet(ctx context.Context, userID, asset string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, asset, balance FROM wallets WHERE user_id=$1 AND asset=$2`, userID, asset,
	).Scan(&w.UserID, &w.Asset, &w.Balance)
	if err == sql.ErrNoRows {
		return &model.Wallet{UserID: userID, Asset: asset}, nil
	}
	return w, err
}

func (s *Store) ListWallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, asset, balance FROM wallets WHERE user_id=$1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Wallet
	for rows.Next() {
		var w model.Wallet
		if err := rows.Scan(&w.UserID, &w.Asset, &w.Balance); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) DepositWallet(ctx context.Context, userID, asset string, amount uint64) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO wallets (user_id, asset, balance) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id, asset) DO UPDATE SET balance = wallets.balance + $3
		 RETURNING user_id, asset, balance`, userID, asset, amount,
	).Scan(&w.UserID, &w.Asset, &w.Balance)
	return w, err
}

// ── Markets ──────────────────────────────────────────

const marketCols = `id, slug, authority, base_asset, quote_asset,
	batch_duration, min_clear_spacing, last_batch_tick, current_batch_id, next_order_id,
	fee_bps, protocol_fee_bps, referral_fee_bps, keeper_fee_bps,
	max_notional_per_batch, max_notional_per_user, batch_notional,
	max_orders_per_user, max_orders_global, orders_in_batch,
	max_price_move_bps, last_clearing_price,
	keeper_restricted, keeper, min_base_order, min_quote_order,
	paused, pause_reason, fees_accrued, created_at`

func scanMarket(row interface{ Scan(...any) error }) (*model.Market, error) {
	m := &model.Market{}
	err := row.Scan(&m.ID, &m.Slug, &m.Authority, &m.BaseAsset, &m.QuoteAsset,
		&m.BatchDuration, &m.MinClearSpacing, &m.LastBatchTick, &m.CurrentBatchID, &m.NextOrderID,
		&m.FeeBps, &m.ProtocolFeeBps, &m.ReferralFeeBps, &m.KeeperFeeBps,
		&m.MaxNotionalPerBatch, &m.MaxNotionalPerUser, &m.BatchNotional,
		&m.MaxOrdersPerUser, &m.MaxOrdersGlobal, &m.OrdersInBatch,
		&m.MaxPriceMoveBps, &m.LastClearingPrice,
		&m.KeeperRestricted, &m.Keeper, &m.MinBaseOrder, &m.MinQuoteOrder,
		&m.Paused, &m.PauseReason, &m.FeesAccrued, &m.CreatedAt)
	return m, err
}

func (s *Store) CreateMarket(ctx context.Context, m *model.Market) (*model.Market, error) {
	return scanMarket(s.DB.QueryRowContext(ctx,
		`INSERT INTO markets (id, slug, authority, base_asset, quote_asset,
			batch_duration, min_clear_spacing, last_batch_tick, current_batch_id, next_order_id,
			fee_bps, protocol_fee_bps, referral_fee_bps, keeper_fee_bps,
			max_notional_per_batch, max_notional_per_user,
			max_orders_per_user, max_orders_global,
			max_price_move_bps, keeper_restricted, keeper,
			min_base_order, min_quote_order)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		 RETURNING `+marketCols,
		uuid.NewString(), m.Slug, m.Authority, m.BaseAsset, m.QuoteAsset,
		m.BatchDuration, m.MinClearSpacing, m.LastBatchTick, m.CurrentBatchID, m.NextOrderID,
		m.FeeBps, m.ProtocolFeeBps, m.ReferralFeeBps, m.KeeperFeeBps,
		m.MaxNotionalPerBatch, m.MaxNotionalPerUser,
		m.MaxOrdersPerUser, m.MaxOrdersGlobal,
		m.MaxPriceMoveBps, m.KeeperRestricted, m.Keeper,
		m.MinBaseOrder, m.MinQuoteOrder))
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.DB.QueryRowContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+marketCols+` FROM markets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// ── Orders ───────────────────────────────────────────

const orderCols = `id, market_id, user_id, side, limit_price, amount_base,
	batch_id, quote_deposit, filled, cancelled, created_at`

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.LimitPrice, &o.AmountBase,
			&o.BatchID, &o.QuoteDeposit, &o.Filled, &o.Cancelled, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) GetOrder(ctx context.Context, marketID string, id uint64) (*model.Order, error) {
	o := &model.Order{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE market_id=$1 AND id=$2`, marketID, id,
	).Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.LimitPrice, &o.AmountBase,
		&o.BatchID, &o.QuoteDeposit, &o.Filled, &o.Cancelled, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) GetUserOrders(ctx context.Context, marketID, userID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE market_id=$1 AND user_id=$2
		 ORDER BY id DESC LIMIT 100`, marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// OpenOrderIDs returns the live members of one batch in order-id order,
// used when a clear request does not assert the membership itself.
func (s *Store) OpenOrderIDs(ctx context.Context, marketID string, batchID uint64) ([]uint64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM orders
		 WHERE market_id=$1 AND batch_id=$2 AND NOT filled AND NOT cancelled
		 ORDER BY id`, marketID, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// ── Batches / Fills ──────────────────────────────────

const batchCols = `market_id, batch_id, clearing_price, total_base, total_quote,
	created_tick, cleared_tick, settled, keeper, keeper_reward,
	remaining_base, remaining_quote`

func scanBatch(row interface{ Scan(...any) error }) (*model.BatchState, error) {
	b := &model.BatchState{}
	err := row.Scan(&b.MarketID, &b.BatchID, &b.ClearingPrice, &b.TotalBase, &b.TotalQuote,
		&b.CreatedTick, &b.ClearedTick, &b.Settled, &b.Keeper, &b.KeeperReward,
		&b.RemainingBase, &b.RemainingQuote)
	return b, err
}

func (s *Store) GetBatch(ctx context.Context, marketID string, batchID uint64) (*model.BatchState, error) {
	b, err := scanBatch(s.DB.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM batch_states WHERE market_id=$1 AND batch_id=$2`,
		marketID, batchID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *Store) GetFill(ctx context.Context, marketID string, orderID uint64) (*model.OrderFill, error) {
	f := &model.OrderFill{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT order_id, market_id, batch_id, filled_base, filled_quote,
			refund_base, refund_quote, claimed
		 FROM order_fills WHERE market_id=$1 AND order_id=$2`, marketID, orderID,
	).Scan(&f.OrderID, &f.MarketID, &f.BatchID, &f.FilledBase, &f.FilledQuote,
		&f.RefundBase, &f.RefundQuote, &f.Claimed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// ── Event Log ────────────────────────────────────────

func appendEvent(tx *sql.Tx, marketID *string, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO event_log (market_id, type, payload_json) VALUES ($1,$2,$3)`,
		marketID, evType, b)
	return err
}

// AppendEvent records a one-off event outside any engine transaction, e.g.
// market creation.
func (s *Store) AppendEvent(ctx context.Context, marketID *string, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO event_log (market_id, type, payload_json) VALUES ($1,$2,$3)`,
		marketID, evType, b)
	return err
}

func (s *Store) ListEvents(ctx context.Context, marketID *string, limit int) ([]model.EventLog, error) {
	q := `SELECT id, market_id, type, payload_json, created_at FROM event_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, *marketID)
	}
	q += ` ORDER BY id DESC LIMIT ` + fmt.Sprintf("%d", limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.PayloadJSON)
		out = append(out, e)
	}
	return out, nil
}

// ── Engine boot loaders ──────────────────────────────

func (s *Store) LoadMarkets(ctx context.Context) ([]model.Market, error) {
	return s.ListMarkets(ctx)
}

// LoadMarketState returns everything an engine needs to resume: live orders,
// the batch snapshots those orders still reference, and the current batch's
// admission stats.
func (s *Store) LoadMarketState(ctx context.Context, marketID string) ([]model.Order, []model.BatchState, []model.UserBatchStats, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id=$1 AND NOT filled AND NOT cancelled ORDER BY id`, marketID)
	if err != nil {
		return nil, nil, nil, err
	}
	orders, err := scanOrders(rows)
	rows.Close()
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err = s.DB.QueryContext(ctx,
		`SELECT `+batchCols+` FROM batch_states
		 WHERE market_id=$1 AND batch_id IN (
			SELECT DISTINCT batch_id FROM orders
			WHERE market_id=$1 AND NOT filled AND NOT cancelled)`, marketID)
	if err != nil {
		return nil, nil, nil, err
	}
	var batches []model.BatchState
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		batches = append(batches, *b)
	}
	rows.Close()

	rows, err = s.DB.QueryContext(ctx,
		`SELECT st.market_id, st.user_id, st.batch_id, st.order_count, st.notional
		 FROM user_batch_stats st JOIN markets m ON m.id = st.market_id
		 WHERE st.market_id=$1 AND st.batch_id = m.current_batch_id`, marketID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	var stats []model.UserBatchStats
	for rows.Next() {
		var st model.UserBatchStats
		if err := rows.Scan(&st.MarketID, &st.UserID, &st.BatchID, &st.OrderCount, &st.Notional); err != nil {
			return nil, nil, nil, err
		}
		stats = append(stats, st)
	}
	return orders, batches, stats, nil
}

// ── Ledger ───────────────────────────────────────────

// LedgerFor returns the per-market custody ledger the engine commits
// through. Every engine operation is one database transaction.
func (s *Store) LedgerFor(marketID string) engine.Ledger {
	return &marketLedger{s: s, marketID: marketID}
}

type marketLedger struct {
	s        *Store
	marketID string
}

func (l *marketLedger) WithinTx(ctx context.Context, fn func(engine.Tx) error) error {
	tx, err := l.s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	lt := &ledgerTx{tx: tx, marketID: l.marketID}
	if err := fn(lt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type ledgerTx struct {
	tx       *sql.Tx
	marketID string
}

// TransferIn moves funds from a user wallet into the market vault. The
// debit is conditional on sufficient balance.
func (t *ledgerTx) TransferIn(userID, asset string, amount uint64) error {
	res, err := t.tx.Exec(
		`UPDATE wallets SET balance = balance - $1
		 WHERE user_id=$2 AND asset=$3 AND balance >= $1`, amount, userID, asset)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	_, err = t.tx.Exec(
		`INSERT INTO vaults (market_id, asset, balance) VALUES ($1,$2,$3)
		 ON CONFLICT (market_id, asset) DO UPDATE SET balance = vaults.balance + $3`,
		t.marketID, asset, amount)
	return err
}

// TransferOut moves funds from the market vault back to a user wallet.
func (t *ledgerTx) TransferOut(userID, asset string, amount uint64) error {
	res, err := t.tx.Exec(
		`UPDATE vaults SET balance = balance - $1
		 WHERE market_id=$2 AND asset=$3 AND balance >= $1`, amount, t.marketID, asset)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	_, err = t.tx.Exec(
		`INSERT INTO wallets (user_id, asset, balance) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id, asset) DO UPDATE SET balance = wallets.balance + $3`,
		userID, asset, amount)
	return err
}

func (t *ledgerTx) PutMarket(m *model.Market) error {
	_, err := t.tx.Exec(
		`UPDATE markets SET
			batch_duration=$2, min_clear_spacing=$3, last_batch_tick=$4,
			current_batch_id=$5, next_order_id=$6,
			fee_bps=$7, protocol_fee_bps=$8, referral_fee_bps=$9, keeper_fee_bps=$10,
			max_notional_per_batch=$11, max_notional_per_user=$12, batch_notional=$13,
			max_orders_per_user=$14, max_orders_global=$15, orders_in_batch=$16,
			max_price_move_bps=$17, last_clearing_price=$18,
			keeper_restricted=$19, keeper=$20, min_base_order=$21, min_quote_order=$22,
			paused=$23, pause_reason=$24, fees_accrued=$25
		 WHERE id=$1`,
		m.ID, m.BatchDuration, m.MinClearSpacing, m.LastBatchTick,
		m.CurrentBatchID, m.NextOrderID,
		m.FeeBps, m.ProtocolFeeBps, m.ReferralFeeBps, m.KeeperFeeBps,
		m.MaxNotionalPerBatch, m.MaxNotionalPerUser, m.BatchNotional,
		m.MaxOrdersPerUser, m.MaxOrdersGlobal, m.OrdersInBatch,
		m.MaxPriceMoveBps, m.LastClearingPrice,
		m.KeeperRestricted, m.Keeper, m.MinBaseOrder, m.MinQuoteOrder,
		m.Paused, m.PauseReason, m.FeesAccrued)
	return err
}

func (t *ledgerTx) PutOrder(o *model.Order) error {
	_, err := t.tx.Exec(
		`INSERT INTO orders (id, market_id, user_id, side, limit_price, amount_base,
			batch_id, quote_deposit, filled, cancelled, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (market_id, id) DO UPDATE SET filled=$9, cancelled=$10`,
		o.ID, o.MarketID, o.UserID, o.Side, o.LimitPrice, o.AmountBase,
		o.BatchID, o.QuoteDeposit, o.Filled, o.Cancelled, o.CreatedAt)
	return err
}

func (t *ledgerTx) PutUserStats(st *model.UserBatchStats) error {
	_, err := t.tx.Exec(
		`INSERT INTO user_batch_stats (market_id, user_id, batch_id, order_count, notional)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (market_id, user_id, batch_id) DO UPDATE SET order_count=$4, notional=$5`,
		st.MarketID, st.UserID, st.BatchID, st.OrderCount, st.Notional)
	return err
}

func (t *ledgerTx) PutBatch(b *model.BatchState) error {
	_, err := t.tx.Exec(
		`INSERT INTO batch_states (market_id, batch_id, clearing_price, total_base, total_quote,
			created_tick, cleared_tick, settled, keeper, keeper_reward,
			remaining_base, remaining_quote)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (market_id, batch_id) DO UPDATE SET
			settled=$8, remaining_base=$11, remaining_quote=$12`,
		b.MarketID, b.BatchID, b.ClearingPrice, b.TotalBase, b.TotalQuote,
		b.CreatedTick, b.ClearedTick, b.Settled, b.Keeper, b.KeeperReward,
		b.RemainingBase, b.RemainingQuote)
	return err
}

func (t *ledgerTx) PutFill(f *model.OrderFill) error {
	_, err := t.tx.Exec(
		`INSERT INTO order_fills (order_id, market_id, batch_id, filled_base, filled_quote,
			refund_base, refund_quote, claimed)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.OrderID, f.MarketID, f.BatchID, f.FilledBase, f.FilledQuote,
		f.RefundBase, f.RefundQuote, f.Claimed)
	return err
}

func (t *ledgerTx) AppendEvent(evType string, payload any) error {
	return appendEvent(t.tx, &t.marketID, evType, payload)
}
