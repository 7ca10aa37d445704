/*
ledger.go - Transaction log and balance view

PURPOSE:
  Ledger is the single entry point for balance changes. Bonus, redemption
  and checkout engines all call Apply; nothing else writes the counter
  except the redemption fallback steps, which compensate themselves.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: transactions are never updated or deleted
  2. CONSISTENT: available_points == sum(delta), enforced by the Backend
     updating counter and log in one operation
  3. NON-NEGATIVE: a debit is checked before the call AND re-checked by the
     Backend at commit time, narrowing the race with other devices
  4. IDEMPOTENT: a repeated (account, type, reference) returns the original
     transaction with OutcomeAlreadyClaimed

CORRECTIONS:
  Never edit a transaction. Compensate with a new one of opposite sign
  (redemption "-void", checkout_discount_release).

EXAMPLE FLOW:
  welcome_bonus  +50   ref "welcome"
  daily_bonus    +10   ref "2026-03-01"
  daily_bonus    +10   ref "2026-03-02"
  redemption     -55   ref "attempt-1"
  available = 15, lifetime = 70

SEE ALSO:
  - store.go:  Backend contract
  - errors.go: InsufficientPointsError, DivergenceError
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/metrics"
)

// =============================================================================
// LEDGER
// =============================================================================

// LedgerStore is the part of the Backend the ledger needs.
type LedgerStore interface {
	AccountStore
	TransactionStore
}

type Ledger struct {
	Store   LedgerStore
	Tiers   TierThresholds
	Timeout time.Duration
	Log     logrus.FieldLogger
	Now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithTiers(t TierThresholds) Option        { return func(l *Ledger) { l.Tiers = t } }
func WithTimeout(d time.Duration) Option       { return func(l *Ledger) { l.Timeout = d } }
func WithLogger(log logrus.FieldLogger) Option { return func(l *Ledger) { l.Log = log } }
func WithClock(now func() time.Time) Option    { return func(l *Ledger) { l.Now = now } }

func NewLedger(store LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		Store:   store,
		Tiers:   DefaultTierThresholds,
		Timeout: DefaultCallTimeout,
		Log:     logrus.StandardLogger(),
		Now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewTransactionID returns a fresh transaction id.
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

// =============================================================================
// APPLY - The only balance-changing entry point
// =============================================================================

// Apply appends one transaction and moves the balance view with it.
func (l *Ledger) Apply(ctx context.Context, accountID AccountID, delta int64, txType TransactionType, reference, description string) (Transaction, Outcome, error) {
	if err := validateApply(accountID, delta, txType, reference); err != nil {
		return Transaction{}, "", err
	}
	log := l.Log.WithFields(logrus.Fields{
		"account_id": accountID,
		"type":       txType,
		"reference":  reference,
		"delta":      delta,
	})

	existing, err := l.find(ctx, accountID, txType, reference)
	if err != nil {
		return Transaction{}, "", err
	}
	if existing != nil {
		metrics.LedgerApplies.WithLabelValues(string(txType), string(OutcomeAlreadyClaimed)).Inc()
		log.Debug("ledger: reference already applied")
		return *existing, OutcomeAlreadyClaimed, nil
	}

	if delta < 0 {
		acct, err := CallValue(ctx, l.Timeout, "get account", func(ctx context.Context) (Account, error) {
			return l.Store.GetAccount(ctx, accountID)
		})
		if err != nil {
			return Transaction{}, "", err
		}
		if acct.AvailablePoints+delta < 0 {
			return Transaction{}, "", &InsufficientPointsError{
				AccountID: accountID,
				Available: acct.AvailablePoints,
				Requested: -delta,
			}
		}
	}

	tx := Transaction{
		ID:          NewTransactionID(),
		AccountID:   accountID,
		Delta:       delta,
		Type:        txType,
		Reference:   reference,
		Description: description,
		CreatedAt:   l.Now().UTC(),
	}
	stored, err := CallValue(ctx, l.Timeout, "append transaction", func(ctx context.Context) (Transaction, error) {
		return l.Store.AppendTransaction(ctx, tx)
	})
	if errors.Is(err, ErrDuplicateReference) {
		// Lost a race with another device writing the same reference.
		existing, ferr := l.find(ctx, accountID, txType, reference)
		if ferr != nil {
			return Transaction{}, "", ferr
		}
		if existing != nil {
			metrics.LedgerApplies.WithLabelValues(string(txType), string(OutcomeAlreadyClaimed)).Inc()
			return *existing, OutcomeAlreadyClaimed, nil
		}
	}
	if err != nil {
		log.WithError(err).Warn("ledger: append failed")
		return Transaction{}, "", fmt.Errorf("apply %s %s: %w", txType, reference, err)
	}

	metrics.LedgerApplies.WithLabelValues(string(txType), string(OutcomeApplied)).Inc()
	log.Info("ledger: transaction applied")
	return stored, OutcomeApplied, nil
}

func validateApply(accountID AccountID, delta int64, txType TransactionType, reference string) error {
	switch {
	case accountID == "":
		return NewValidationError("account_id", "required")
	case !txType.Valid():
		return NewValidationError("type", fmt.Sprintf("unknown transaction type %q", txType))
	case reference == "":
		return NewValidationError("reference", "required")
	case delta == 0:
		return NewValidationError("delta", "must be non-zero")
	}
	return nil
}

func (l *Ledger) find(ctx context.Context, accountID AccountID, txType TransactionType, reference string) (*Transaction, error) {
	return CallValue(ctx, l.Timeout, "find transaction", func(ctx context.Context) (*Transaction, error) {
		return l.Store.FindTransaction(ctx, accountID, txType, reference)
	})
}

// =============================================================================
// READ SIDE - Balance view and history
// =============================================================================

// Account returns the raw account record.
func (l *Ledger) Account(ctx context.Context, accountID AccountID) (Account, error) {
	return CallValue(ctx, l.Timeout, "get account", func(ctx context.Context) (Account, error) {
		return l.Store.GetAccount(ctx, accountID)
	})
}

// Balance returns the materialized balance with tier progress.
func (l *Ledger) Balance(ctx context.Context, accountID AccountID) (BalanceView, error) {
	acct, err := l.Account(ctx, accountID)
	if err != nil {
		return BalanceView{}, err
	}
	view := BalanceView{
		AccountID: acct.ID,
		Available: acct.AvailablePoints,
		Lifetime:  acct.LifetimePoints,
		Tier:      l.Tiers.TierFor(acct.LifetimePoints),
	}
	if next, needed, ok := l.Tiers.Next(acct.LifetimePoints); ok {
		view.NextTier = next
		view.PointsToNextTier = needed
	}
	return view, nil
}

// History returns the account's transactions, newest first.
func (l *Ledger) History(ctx context.Context, accountID AccountID, filter HistoryFilter) ([]Transaction, error) {
	return CallValue(ctx, l.Timeout, "list transactions", func(ctx context.Context) ([]Transaction, error) {
		return l.Store.Transactions(ctx, accountID, filter)
	})
}

// VerifyConsistency recomputes the balance from the log and compares it with
// the counter. Returns *DivergenceError on mismatch.
func (l *Ledger) VerifyConsistency(ctx context.Context, accountID AccountID) error {
	acct, err := l.Account(ctx, accountID)
	if err != nil {
		return err
	}
	txs, err := l.History(ctx, accountID, HistoryFilter{})
	if err != nil {
		return err
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.Delta
	}
	if sum != acct.AvailablePoints {
		metrics.Divergences.Inc()
		return &DivergenceError{AccountID: accountID, Counter: acct.AvailablePoints, LogSum: sum}
	}
	return nil
}
