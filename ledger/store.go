/*
store.go - Interfaces consumed from the persistence collaborator

PURPOSE:
  Defines the boundary between the loyalty engines and the backend that
  actually holds accounts, transactions and the reward catalog. The backend
  is a request/response store; it may also expose an atomic stored procedure
  for reward claims (AtomicRedeemer).

KEY INTERFACES:
  AccountStore:     accounts, welcome flag
  TransactionStore: append (counter + log in one operation), history
  StreakStore:      daily login streak state
  CatalogStore:     reward catalog reads
  ClaimStore:       claimed rewards, expiry
  ReferralStore:    pending/completed referrals
  DiscountStore:    checkout discount reservations
  RedemptionSteps:  the discrete calls used when the atomic procedure is absent
  AtomicRedeemer:   optional single-unit claim (capability probe)

APPEND CONTRACT:
  AppendTransaction must, in one operation:
    - reject a duplicate (account, type, reference) with ErrDuplicateReference
    - reject a debit that would make available_points negative with
      *InsufficientPointsError (re-check at commit time)
    - append the row and move available_points by Delta and
      lifetime_points by tx.LifetimeDelta()

FALLBACK STEPS:
  RedemptionSteps are NOT atomic with each other. DebitBalance and
  CreditBalance move only the counter; LogTransaction appends only the row.
  The redemption engine sequences them and compensates on failure.

IMPLEMENTATIONS:
  - store/sqlite: SQLite, AtomicRedeemer via one SQL transaction
  - ledger/store: in-memory, with fault injection for tests

SEE ALSO:
  - ledger.go: Ledger built on TransactionStore + AccountStore
  - rewards/commit.go: atomic and fallback committers
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNT / TRANSACTION STORES
// =============================================================================

type AccountStore interface {
	// GetAccount returns ErrAccountNotFound if the account does not exist.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// EnsureAccount creates the account (and its streak state) if missing.
	// Idempotent.
	EnsureAccount(ctx context.Context, id AccountID, at time.Time) (Account, error)

	// ListAccountIDs returns every account id. Used by audits.
	ListAccountIDs(ctx context.Context) ([]AccountID, error)

	// MarkWelcomeBonusClaimed sets the flag. Returns false if already set.
	MarkWelcomeBonusClaimed(ctx context.Context, id AccountID) (bool, error)
}

type TransactionStore interface {
	// AppendTransaction appends tx and updates the balance view in the same
	// operation. See APPEND CONTRACT above.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// FindTransaction looks up an existing transaction by its idempotency key.
	// Returns (nil, nil) when absent.
	FindTransaction(ctx context.Context, id AccountID, txType TransactionType, reference string) (*Transaction, error)

	// Transactions returns the account's log, newest first.
	Transactions(ctx context.Context, id AccountID, filter HistoryFilter) ([]Transaction, error)
}

type StreakStore interface {
	// GetStreak returns a zero StreakState (with AccountID set) if none exists.
	GetStreak(ctx context.Context, id AccountID) (StreakState, error)
	SaveStreak(ctx context.Context, s StreakState) error
}

// =============================================================================
// CATALOG / CLAIMS / REFERRALS
// =============================================================================

type CatalogStore interface {
	GetRewardCatalog(ctx context.Context, filter CatalogFilter) ([]Reward, error)
	GetReward(ctx context.Context, id RewardID) (Reward, error)
	SaveReward(ctx context.Context, r Reward) error
}

type ClaimStore interface {
	ClaimedRewards(ctx context.Context, id AccountID) ([]ClaimedReward, error)

	// FindClaimByAttempt returns (nil, nil) when no claim exists for the attempt.
	FindClaimByAttempt(ctx context.Context, id AccountID, attemptID string) (*ClaimedReward, error)

	// ExpireClaims moves active claims whose ExpiresAt <= now to expired.
	ExpireClaims(ctx context.Context, now time.Time) (int, error)

	StockDiscrepancies(ctx context.Context) ([]StockDiscrepancy, error)
}

type ReferralStore interface {
	CreateReferral(ctx context.Context, r Referral) error

	// GetReferralByReferred returns (nil, nil) when the user was not referred.
	GetReferralByReferred(ctx context.Context, referredID AccountID) (*Referral, error)

	// CompleteReferral transitions pending -> completed. transitioned is false
	// when the referral was already completed.
	CompleteReferral(ctx context.Context, id ReferralID, at time.Time) (r Referral, transitioned bool, err error)
}

// =============================================================================
// CHECKOUT DISCOUNTS
// =============================================================================

type DiscountStore interface {
	// CreateDiscount inserts a reservation. If one already exists for the
	// ref, it is returned with created=false and nothing is written.
	CreateDiscount(ctx context.Context, d CheckoutDiscount) (existing CheckoutDiscount, created bool, err error)

	GetDiscount(ctx context.Context, ref string) (CheckoutDiscount, error)

	// TransitionDiscount moves ref from `from` to `to` (binding orderID when
	// non-empty). ok is false when the current state was not `from`.
	TransitionDiscount(ctx context.Context, ref string, from, to DiscountState, orderID string, at time.Time) (ok bool, err error)

	// StaleDiscounts returns reservations still reserved since before cutoff.
	StaleDiscounts(ctx context.Context, cutoff time.Time) ([]CheckoutDiscount, error)
}

// =============================================================================
// REDEMPTION - Atomic capability and discrete fallback steps
// =============================================================================

// AtomicRedeemer is the optional server-side procedure. Implementations
// debit, insert the claim and decrement stock as one unit, re-verifying
// balance and stock inside it; any failure leaves the account unchanged.
type AtomicRedeemer interface {
	// AtomicAvailable is the capability probe.
	AtomicAvailable(ctx context.Context) bool

	// ClaimRewardAtomic returns ErrProcedureUnavailable if the procedure could
	// not be reached (nothing applied), *InsufficientPointsError,
	// *OutOfStockError, or ErrDuplicateReference when the attempt already
	// committed.
	ClaimRewardAtomic(ctx context.Context, req ClaimRequest) (ClaimedReward, Transaction, error)
}

// RedemptionSteps are the discrete calls the fallback path sequences.
type RedemptionSteps interface {
	// DebitBalance decrements available_points by points if and only if
	// enough are available. A reference is debited at most once; reuse
	// returns ErrDuplicateReference so a compensated attempt cannot be
	// replayed against the earlier debit.
	DebitBalance(ctx context.Context, id AccountID, points int64, reference string) error

	// CreditBalance increments available_points. Idempotent per reference.
	CreditBalance(ctx context.Context, id AccountID, points int64, reference string) error

	CreateClaimedReward(ctx context.Context, c ClaimedReward) error
	DeleteClaimedReward(ctx context.Context, id ClaimID) error

	// LogTransaction appends the row without touching the counter.
	LogTransaction(ctx context.Context, tx Transaction) error

	// DecrementStock decrements a finite stock if > 0, else *OutOfStockError.
	// Unlimited rewards are a no-op.
	DecrementStock(ctx context.Context, id RewardID) error

	RecordStockDiscrepancy(ctx context.Context, d StockDiscrepancy) error
}

// =============================================================================
// BACKEND - Everything the engines consume
// =============================================================================

type Backend interface {
	AccountStore
	TransactionStore
	StreakStore
	CatalogStore
	ClaimStore
	ReferralStore
	DiscountStore
	RedemptionSteps
}
