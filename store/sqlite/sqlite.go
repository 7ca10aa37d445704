/*
Package sqlite provides a SQLite-backed ledger.Backend.

PURPOSE:
  Persists accounts, the transaction log, streaks, the reward catalog,
  claims, referrals and checkout reservations. Also exposes the atomic
  claim procedure (ledger.AtomicRedeemer) as one SQL transaction.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - UNIQUE(account_id, tx_type, reference) is the idempotency key
  - Corrections are new rows of opposite sign

COUNTER + LOG:
  AppendTransaction inserts the row and moves the account counter inside
  one SQL transaction. The counter update is conditional
  (available_points + delta >= 0) so a concurrent debit cannot overdraw.

KEY TABLES:
  accounts:            counter view (available, lifetime, welcome flag)
  transactions:        immutable ledger
  streaks:             daily login streak per account
  rewards:             catalog (stock NULL = unlimited)
  claimed_rewards:     one row per committed redemption attempt
  referrals:           referrer/referred pairs
  checkout_discounts:  order-scoped reservations
  balance_ops:         idempotency keys for counter-only fallback steps
  stock_discrepancies: claims that went through without a stock decrement

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. SQLite serializes writers
  anyway; the mutex keeps read-check-write sequences honest.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewLedger(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
)

// Store implements ledger.Backend and ledger.AtomicRedeemer using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	atomic bool
}

// Option configures a Store.
type Option func(*Store)

// WithoutAtomicClaims disables the atomic claim procedure so redemptions use
// the discrete fallback steps.
func WithoutAtomicClaims() Option {
	return func(s *Store) { s.atomic = false }
}

// Compile-time checks
var (
	_ ledger.Backend        = (*Store)(nil)
	_ ledger.AtomicRedeemer = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, atomic: true}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		available_points INTEGER NOT NULL DEFAULT 0 CHECK (available_points >= 0),
		lifetime_points INTEGER NOT NULL DEFAULT 0,
		welcome_bonus_claimed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		delta INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		reference TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(account_id, tx_type, reference)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id);

	CREATE TABLE IF NOT EXISTS streaks (
		account_id TEXT PRIMARY KEY REFERENCES accounts(id),
		current_streak INTEGER NOT NULL DEFAULT 0,
		longest_streak INTEGER NOT NULL DEFAULT 0,
		last_login_date TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		points_cost INTEGER NOT NULL CHECK (points_cost > 0),
		stock INTEGER CHECK (stock IS NULL OR stock >= 0),
		category TEXT NOT NULL,
		duration_days INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS claimed_rewards (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		reward_id TEXT NOT NULL REFERENCES rewards(id),
		attempt_id TEXT NOT NULL,
		points_spent INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		expires_at TEXT,
		claimed_at TEXT NOT NULL,
		UNIQUE(account_id, attempt_id)
	);

	CREATE INDEX IF NOT EXISTS idx_claims_status_expiry
		ON claimed_rewards(status, expires_at);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		referrer_points INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS checkout_discounts (
		ref TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		coins_reserved INTEGER NOT NULL,
		discount_amount TEXT NOT NULL,
		order_total TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_discounts_state_created
		ON checkout_discounts(state, created_at);

	-- Idempotency keys for the counter-only fallback steps
	CREATE TABLE IF NOT EXISTS balance_ops (
		op TEXT NOT NULL,
		account_id TEXT NOT NULL,
		reference TEXT NOT NULL,
		points INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (op, account_id, reference)
	);

	CREATE TABLE IF NOT EXISTS stock_discrepancies (
		id TEXT PRIMARY KEY,
		reward_id TEXT NOT NULL,
		claim_id TEXT NOT NULL,
		attempt_id TEXT NOT NULL,
		reason TEXT,
		recorded_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryRows scans every result row into a factory.Row keyed by column name.
// Typed decoding and validation happen in package factory.
func queryRows(ctx context.Context, q querier, query string, args ...any) ([]factory.Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []factory.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(factory.Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, classify(rows.Err())
}

func decodeRows[T any](rows []factory.Row, decode func(factory.Row) (T, error)) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx executes fn within a database transaction. Caller holds s.mu.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return classify(sqlTx.Commit())
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	rows, err := queryRows(ctx, q, `
		SELECT id, available_points, lifetime_points, welcome_bonus_claimed, created_at
		FROM accounts WHERE id = ?`, id)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	if len(rows) == 0 {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return factory.AccountFromRow(rows[0])
}

func (s *Store) EnsureAccount(ctx context.Context, id ledger.AccountID, at time.Time) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var acct ledger.Account
	err := s.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO accounts (id, created_at) VALUES (?, ?)`,
			id, formatTime(at)); err != nil {
			return classify(fmt.Errorf("failed to create account: %w", err))
		}
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO streaks (account_id) VALUES (?)`, id); err != nil {
			return classify(fmt.Errorf("failed to create streak: %w", err))
		}
		var err error
		acct, err = getAccount(ctx, q, id)
		return err
	})
	return acct, err
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list accounts: %w", err))
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id ledger.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) MarkWelcomeBonusClaimed(ctx context.Context, id ledger.AccountID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET welcome_bonus_claimed = TRUE WHERE id = ? AND welcome_bonus_claimed = FALSE`, id)
	if err != nil {
		return false, classify(fmt.Errorf("failed to mark welcome bonus: %w", err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := getAccount(ctx, s.db, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

// AppendTransaction inserts tx and moves the counter in one SQL transaction.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(q querier) error {
		return appendTx(ctx, q, tx, true)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

func appendTx(ctx context.Context, q querier, tx ledger.Transaction, moveCounter bool) error {
	acct, err := getAccount(ctx, q, tx.AccountID)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, delta, tx_type, reference, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AccountID, tx.Delta, tx.Type, tx.Reference, nullString(tx.Description), formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReference
		}
		return classify(fmt.Errorf("failed to append transaction: %w", err))
	}

	if !moveCounter {
		return nil
	}
	res, err := q.ExecContext(ctx, `
		UPDATE accounts
		SET available_points = available_points + ?, lifetime_points = lifetime_points + ?
		WHERE id = ? AND available_points + ? >= 0`,
		tx.Delta, tx.LifetimeDelta(), tx.AccountID, tx.Delta,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update balance: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.InsufficientPointsError{
			AccountID: tx.AccountID,
			Available: acct.AvailablePoints,
			Requested: -tx.Delta,
		}
	}
	return nil
}

func (s *Store) FindTransaction(ctx context.Context, id ledger.AccountID, txType ledger.TransactionType, reference string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := queryTransactions(ctx, s.db, `
		SELECT id, account_id, delta, tx_type, reference, description, created_at
		FROM transactions
		WHERE account_id = ? AND tx_type = ? AND reference = ?`,
		id, txType, reference)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

// Transactions returns the account's log, newest first.
func (s *Store) Transactions(ctx context.Context, id ledger.AccountID, filter ledger.HistoryFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account_id, delta, tx_type, reference, description, created_at
		FROM transactions
		WHERE account_id = ?`
	args := []any{id}
	if len(filter.Types) > 0 {
		query += ` AND tx_type IN (?` + strings.Repeat(", ?", len(filter.Types)-1) + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return queryTransactions(ctx, s.db, query, args...)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := queryRows(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return decodeRows(rows, factory.TransactionFromRow)
}

// =============================================================================
// STREAK STORE
// =============================================================================

func (s *Store) GetStreak(ctx context.Context, id ledger.AccountID) (ledger.StreakState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := ledger.StreakState{AccountID: id}
	var last string
	err := s.db.QueryRowContext(ctx, `
		SELECT current_streak, longest_streak, last_login_date
		FROM streaks WHERE account_id = ?`, id,
	).Scan(&state.CurrentStreak, &state.LongestStreak, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, classify(fmt.Errorf("failed to get streak: %w", err))
	}
	if last != "" {
		if state.LastLoginDate, err = ledger.ParseDate(last); err != nil {
			return state, err
		}
	}
	return state, nil
}

func (s *Store) SaveStreak(ctx context.Context, st ledger.StreakState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := ""
	if !st.LastLoginDate.IsZero() {
		last = st.LastLoginDate.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streaks (account_id, current_streak, longest_streak, last_login_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			current_streak = excluded.current_streak,
			longest_streak = excluded.longest_streak,
			last_login_date = excluded.last_login_date`,
		st.AccountID, st.CurrentStreak, st.LongestStreak, last)
	if err != nil {
		return classify(fmt.Errorf("failed to save streak: %w", err))
	}
	return nil
}

// =============================================================================
// CATALOG STORE
// =============================================================================

const rewardColumns = `id, name, points_cost, stock, category, duration_days, is_active`

func (s *Store) GetRewardCatalog(ctx context.Context, filter ledger.CatalogFilter) ([]ledger.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + rewardColumns + ` FROM rewards WHERE 1 = 1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND is_active = TRUE`
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.MaxCost > 0 {
		query += ` AND points_cost <= ?`
		args = append(args, filter.MaxCost)
	}
	query += ` ORDER BY points_cost ASC, id ASC`

	rows, err := queryRows(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	return decodeRows(rows, factory.RewardFromRow)
}

func (s *Store) GetReward(ctx context.Context, id ledger.RewardID) (ledger.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReward(ctx, s.db, id)
}

func getReward(ctx context.Context, q querier, id ledger.RewardID) (ledger.Reward, error) {
	rows, err := queryRows(ctx, q, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, id)
	if err != nil {
		return ledger.Reward{}, fmt.Errorf("failed to get reward: %w", err)
	}
	if len(rows) == 0 {
		return ledger.Reward{}, ledger.ErrRewardNotFound
	}
	return factory.RewardFromRow(rows[0])
}

func (s *Store) SaveReward(ctx context.Context, r ledger.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stock, duration sql.NullInt64
	if r.Stock != nil {
		stock = sql.NullInt64{Int64: *r.Stock, Valid: true}
	}
	if r.DurationDays != nil {
		duration = sql.NullInt64{Int64: int64(*r.DurationDays), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewards (`+rewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			points_cost = excluded.points_cost,
			stock = excluded.stock,
			category = excluded.category,
			duration_days = excluded.duration_days,
			is_active = excluded.is_active`,
		r.ID, r.Name, r.PointsCost, stock, r.Category, duration, r.IsActive)
	if err != nil {
		return classify(fmt.Errorf("failed to save reward: %w", err))
	}
	return nil
}

// =============================================================================
// CLAIM STORE
// =============================================================================

const claimColumns = `id, account_id, reward_id, attempt_id, points_spent, status, expires_at, claimed_at`

func (s *Store) ClaimedRewards(ctx context.Context, id ledger.AccountID) ([]ledger.ClaimedReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryClaims(ctx, s.db,
		`SELECT `+claimColumns+` FROM claimed_rewards WHERE account_id = ? ORDER BY claimed_at DESC, rowid DESC`, id)
}

func (s *Store) FindClaimByAttempt(ctx context.Context, id ledger.AccountID, attemptID string) (*ledger.ClaimedReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	claims, err := queryClaims(ctx, s.db,
		`SELECT `+claimColumns+` FROM claimed_rewards WHERE account_id = ? AND attempt_id = ?`, id, attemptID)
	if err != nil || len(claims) == 0 {
		return nil, err
	}
	return &claims[0], nil
}

func queryClaims(ctx context.Context, q querier, query string, args ...any) ([]ledger.ClaimedReward, error) {
	rows, err := queryRows(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	return decodeRows(rows, factory.ClaimFromRow)
}

// ExpireClaims moves active claims whose expires_at has passed to expired.
// Claims without an expiry never expire.
func (s *Store) ExpireClaims(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE claimed_rewards SET status = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		ledger.ClaimExpired, ledger.ClaimActive, formatTime(now))
	if err != nil {
		return 0, classify(fmt.Errorf("failed to expire claims: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired claims: %w", err)
	}
	return int(n), nil
}

func (s *Store) StockDiscrepancies(ctx context.Context) ([]ledger.StockDiscrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := queryRows(ctx, s.db, `
		SELECT id, reward_id, claim_id, attempt_id, reason, recorded_at
		FROM stock_discrepancies ORDER BY recorded_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query discrepancies: %w", err)
	}
	return decodeRows(rows, factory.DiscrepancyFromRow)
}

// =============================================================================
// REFERRAL STORE
// =============================================================================

func (s *Store) CreateReferral(ctx context.Context, r ledger.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == "" {
		r.Status = ledger.ReferralPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_id, referred_id, status, referrer_points)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.ReferrerID, r.ReferredID, r.Status, r.ReferrerPoints)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("account %s already referred", r.ReferredID)
		}
		return classify(fmt.Errorf("failed to create referral: %w", err))
	}
	return nil
}

func (s *Store) GetReferralByReferred(ctx context.Context, referredID ledger.AccountID) (*ledger.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := getReferral(ctx, s.db, `WHERE referred_id = ?`, referredID)
	if errors.Is(err, ledger.ErrReferralNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func getReferral(ctx context.Context, q querier, where string, arg any) (ledger.Referral, error) {
	var (
		r           ledger.Referral
		completedAt sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, referrer_id, referred_id, status, referrer_points, completed_at
		FROM referrals `+where, arg,
	).Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Status, &r.ReferrerPoints, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ledger.ErrReferralNotFound
	}
	if err != nil {
		return r, classify(fmt.Errorf("failed to get referral: %w", err))
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	return r, nil
}

func (s *Store) CompleteReferral(ctx context.Context, id ledger.ReferralID, at time.Time) (ledger.Referral, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		r            ledger.Referral
		transitioned bool
	)
	err := s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE referrals SET status = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			ledger.ReferralCompleted, formatTime(at), id, ledger.ReferralPending)
		if err != nil {
			return classify(fmt.Errorf("failed to complete referral: %w", err))
		}
		n, _ := res.RowsAffected()
		transitioned = n == 1
		r, err = getReferral(ctx, q, `WHERE id = ?`, id)
		return err
	})
	return r, transitioned, err
}

// =============================================================================
// DISCOUNT STORE
// =============================================================================

const discountColumns = `ref, account_id, coins_reserved, discount_amount, order_total, order_id, state, created_at, updated_at`

func (s *Store) CreateDiscount(ctx context.Context, d ledger.CheckoutDiscount) (ledger.CheckoutDiscount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		existing ledger.CheckoutDiscount
		created  bool
	)
	err := s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO checkout_discounts (`+discountColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Ref, d.AccountID, d.CoinsReserved, d.DiscountAmount.String(), d.OrderTotal.String(),
			d.OrderID, d.State, formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
		if err != nil {
			return classify(fmt.Errorf("failed to create discount: %w", err))
		}
		n, _ := res.RowsAffected()
		created = n == 1
		existing, err = getDiscount(ctx, q, d.Ref)
		return err
	})
	return existing, created, err
}

func (s *Store) GetDiscount(ctx context.Context, ref string) (ledger.CheckoutDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDiscount(ctx, s.db, ref)
}

func getDiscount(ctx context.Context, q querier, ref string) (ledger.CheckoutDiscount, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+discountColumns+` FROM checkout_discounts WHERE ref = ?`, ref)
	if err != nil {
		return ledger.CheckoutDiscount{}, classify(fmt.Errorf("failed to get discount: %w", err))
	}
	discounts, err := scanDiscounts(rows)
	if err != nil {
		return ledger.CheckoutDiscount{}, err
	}
	if len(discounts) == 0 {
		return ledger.CheckoutDiscount{}, ledger.ErrReservationNotFound
	}
	return discounts[0], nil
}

func scanDiscounts(rows *sql.Rows) ([]ledger.CheckoutDiscount, error) {
	defer rows.Close()

	var result []ledger.CheckoutDiscount
	for rows.Next() {
		var (
			d                    ledger.CheckoutDiscount
			amount, total        string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&d.Ref, &d.AccountID, &d.CoinsReserved, &amount, &total,
			&d.OrderID, &d.State, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan discount: %w", err)
		}
		var err error
		if d.DiscountAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("discount %s: bad amount %q: %w", d.Ref, amount, err)
		}
		if d.OrderTotal, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("discount %s: bad order total %q: %w", d.Ref, total, err)
		}
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) TransitionDiscount(ctx context.Context, ref string, from, to ledger.DiscountState, orderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ok bool
	err := s.withTx(ctx, func(q querier) error {
		if _, err := getDiscount(ctx, q, ref); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, `
			UPDATE checkout_discounts
			SET state = ?, order_id = CASE WHEN ? = '' THEN order_id ELSE ? END, updated_at = ?
			WHERE ref = ? AND state = ?`,
			to, orderID, orderID, formatTime(at), ref, from)
		if err != nil {
			return classify(fmt.Errorf("failed to transition discount: %w", err))
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	return ok, err
}

func (s *Store) StaleDiscounts(ctx context.Context, cutoff time.Time) ([]ledger.CheckoutDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discountColumns+` FROM checkout_discounts
		WHERE state = ? AND created_at < ?
		ORDER BY created_at ASC`,
		ledger.DiscountReserved, formatTime(cutoff))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query stale discounts: %w", err))
	}
	return scanDiscounts(rows)
}

// =============================================================================
// ATOMIC CLAIM (ledger.AtomicRedeemer)
// =============================================================================

// AtomicAvailable reports whether the claim procedure can be used.
func (s *Store) AtomicAvailable(ctx context.Context) bool {
	return s.atomic && s.db.PingContext(ctx) == nil
}

// ClaimRewardAtomic debits, inserts the claim and decrements stock in one SQL
// transaction. Any failure rolls all three back.
func (s *Store) ClaimRewardAtomic(ctx context.Context, req ledger.ClaimRequest) (ledger.ClaimedReward, ledger.Transaction, error) {
	if !s.atomic {
		return ledger.ClaimedReward{}, ledger.Transaction{}, ledger.ErrProcedureUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		claim ledger.ClaimedReward
		tx    ledger.Transaction
	)
	err := s.withTx(ctx, func(q querier) error {
		reward, err := getReward(ctx, q, req.RewardID)
		if err != nil {
			return err
		}
		if !reward.IsActive {
			return ledger.NewValidationError("reward_id", "reward is not active")
		}

		tx = ledger.Transaction{
			ID:          req.TxID,
			AccountID:   req.AccountID,
			Delta:       -reward.PointsCost,
			Type:        ledger.TxRedemption,
			Reference:   req.AttemptID,
			Description: req.Description,
			CreatedAt:   req.At.UTC(),
		}
		if err := appendTx(ctx, q, tx, true); err != nil {
			return err
		}

		claim = ledger.ClaimedReward{
			ID:          req.ClaimID,
			AccountID:   req.AccountID,
			RewardID:    req.RewardID,
			AttemptID:   req.AttemptID,
			PointsSpent: reward.PointsCost,
			Status:      ledger.ClaimActive,
			ExpiresAt:   reward.ExpiryFrom(req.At.UTC()),
			ClaimedAt:   req.At.UTC(),
		}
		if err := insertClaim(ctx, q, claim); err != nil {
			return err
		}
		return decrementStock(ctx, q, reward.ID)
	})
	if err != nil {
		return ledger.ClaimedReward{}, ledger.Transaction{}, err
	}
	return claim, tx, nil
}

// =============================================================================
// DISCRETE REDEMPTION STEPS (ledger.RedemptionSteps)
// =============================================================================

// DebitBalance moves only the counter, conditionally. A reused reference
// returns ledger.ErrDuplicateReference.
func (s *Store) DebitBalance(ctx context.Context, id ledger.AccountID, points int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(q querier) error {
		return balanceOp(ctx, q, "debit", id, -points, reference)
	})
}

// CreditBalance moves only the counter, once per reference.
func (s *Store) CreditBalance(ctx context.Context, id ledger.AccountID, points int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(q querier) error {
		return balanceOp(ctx, q, "credit", id, points, reference)
	})
}

func balanceOp(ctx context.Context, q querier, op string, id ledger.AccountID, delta int64, reference string) error {
	acct, err := getAccount(ctx, q, id)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO balance_ops (op, account_id, reference, points, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		op, id, reference, delta, formatTime(time.Now()))
	if err != nil {
		return classify(fmt.Errorf("failed to record balance op: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if op == "debit" {
			return ledger.ErrDuplicateReference
		}
		return nil
	}
	res, err = q.ExecContext(ctx, `
		UPDATE accounts SET available_points = available_points + ?
		WHERE id = ? AND available_points + ? >= 0`,
		delta, id, delta)
	if err != nil {
		return classify(fmt.Errorf("failed to %s balance: %w", op, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.InsufficientPointsError{AccountID: id, Available: acct.AvailablePoints, Requested: -delta}
	}
	return nil
}

func (s *Store) CreateClaimedReward(ctx context.Context, c ledger.ClaimedReward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertClaim(ctx, s.db, c)
}

func insertClaim(ctx context.Context, q querier, c ledger.ClaimedReward) error {
	var expiresAt sql.NullString
	if c.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*c.ExpiresAt), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO claimed_rewards (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.RewardID, c.AttemptID, c.PointsSpent, c.Status, expiresAt, formatTime(c.ClaimedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReference
		}
		return classify(fmt.Errorf("failed to create claim: %w", err))
	}
	return nil
}

func (s *Store) DeleteClaimedReward(ctx context.Context, id ledger.ClaimID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM claimed_rewards WHERE id = ?`, id); err != nil {
		return classify(fmt.Errorf("failed to delete claim: %w", err))
	}
	return nil
}

// LogTransaction appends the row without moving the counter.
func (s *Store) LogTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTx(ctx, s.db, tx, false)
}

func (s *Store) DecrementStock(ctx context.Context, id ledger.RewardID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decrementStock(ctx, s.db, id)
}

func decrementStock(ctx context.Context, q querier, id ledger.RewardID) error {
	reward, err := getReward(ctx, q, id)
	if err != nil {
		return err
	}
	if reward.Stock == nil {
		return nil
	}
	res, err := q.ExecContext(ctx,
		`UPDATE rewards SET stock = stock - 1 WHERE id = ? AND stock > 0`, id)
	if err != nil {
		return classify(fmt.Errorf("failed to decrement stock: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.OutOfStockError{RewardID: id}
	}
	return nil
}

func (s *Store) RecordStockDiscrepancy(ctx context.Context, d ledger.StockDiscrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_discrepancies (id, reward_id, claim_id, attempt_id, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.RewardID, d.ClaimID, d.AttemptID, nullString(d.Reason), formatTime(d.RecordedAt))
	if err != nil {
		return classify(fmt.Errorf("failed to record discrepancy: %w", err))
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"stock_discrepancies", "balance_ops", "checkout_discounts", "referrals",
		"claimed_rewards", "rewards", "streaks", "transactions", "accounts",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// classify marks errors where the request never reached the database.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}
	return err
}
