/*
Package ledger provides the loyalty points ledger: the append-only transaction
log, the materialized balance view, and the data model shared by the bonus,
redemption and checkout engines.

PURPOSE:
  Every change to a user's coin balance is a Transaction. The Account counter
  (available + lifetime points) is a materialized view kept in step with the
  log by the Backend, which updates both in the same operation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:         one per user, available/lifetime points, derived tier
  - Transaction:     immutable ledger entry with an idempotency reference
  - StreakState:     daily login streak, keyed by calendar Date
  - Reward:          catalog item (managed outside this system)
  - ClaimedReward:   a reward bought with points
  - Referral:        referrer/referred pair, paid once on first purchase
  - CheckoutDiscount: provisional order-time debit (reserved/committed/released)

DESIGN PRINCIPLES:
  1. Immutability: transactions are never edited, only compensated
  2. Integer points: the economy is single-currency, whole coins only
  3. Explicit accounts: every call takes an AccountID, there is no ambient user
  4. Idempotency: (AccountID, Type, Reference) is unique

INVARIANT:
  Account.AvailablePoints == sum(tx.Delta for tx in the account's log)

SEE ALSO:
  - ledger.go: Apply / Balance / History / VerifyConsistency
  - store.go:  Backend interfaces consumed from the persistence collaborator
  - errors.go: error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type RewardID string
type ClaimID string
type ReferralID string

// =============================================================================
// TIER - Derived from lifetime points
// =============================================================================

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// TierThresholds holds the minimum lifetime points for each tier above bronze.
type TierThresholds struct {
	Silver   int64 `yaml:"silver" json:"silver"`
	Gold     int64 `yaml:"gold" json:"gold"`
	Platinum int64 `yaml:"platinum" json:"platinum"`
}

// DefaultTierThresholds are used when no program configuration is supplied.
var DefaultTierThresholds = TierThresholds{Silver: 500, Gold: 2000, Platinum: 5000}

// TierFor maps lifetime points to a tier.
func (t TierThresholds) TierFor(lifetime int64) Tier {
	switch {
	case lifetime >= t.Platinum:
		return TierPlatinum
	case lifetime >= t.Gold:
		return TierGold
	case lifetime >= t.Silver:
		return TierSilver
	default:
		return TierBronze
	}
}

// Next returns the tier after the current one and the lifetime points it needs.
// ok is false at platinum.
func (t TierThresholds) Next(lifetime int64) (next Tier, needed int64, ok bool) {
	switch t.TierFor(lifetime) {
	case TierBronze:
		return TierSilver, t.Silver - lifetime, true
	case TierSilver:
		return TierGold, t.Gold - lifetime, true
	case TierGold:
		return TierPlatinum, t.Platinum - lifetime, true
	default:
		return "", 0, false
	}
}

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	ID                  AccountID
	AvailablePoints     int64
	LifetimePoints      int64
	WelcomeBonusClaimed bool
	CreatedAt           time.Time
}

// Tier derives the account tier from lifetime points.
func (a Account) Tier(t TierThresholds) Tier { return t.TierFor(a.LifetimePoints) }

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxWelcomeBonus            TransactionType = "welcome_bonus"
	TxDailyBonus              TransactionType = "daily_bonus"
	TxReferral                TransactionType = "referral"
	TxPurchaseCredit          TransactionType = "purchase_credit"
	TxReviewCredit            TransactionType = "review_credit"
	TxRedemption              TransactionType = "redemption"
	TxCheckoutDiscount        TransactionType = "checkout_discount"
	TxCheckoutDiscountRelease TransactionType = "checkout_discount_release"
)

var transactionTypes = map[TransactionType]bool{
	TxWelcomeBonus: true, TxDailyBonus: true, TxReferral: true,
	TxPurchaseCredit: true, TxReviewCredit: true, TxRedemption: true,
	TxCheckoutDiscount: true, TxCheckoutDiscountRelease: true,
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool { return transactionTypes[t] }

// IsEarning reports whether a positive delta of this type is genuine earning
// and therefore counts towards lifetime points. Redemption voids and discount
// releases restore spendable balance without being new earning.
func (t TransactionType) IsEarning() bool {
	switch t {
	case TxWelcomeBonus, TxDailyBonus, TxReferral, TxPurchaseCredit, TxReviewCredit:
		return true
	}
	return false
}

type Transaction struct {
	ID          TransactionID
	AccountID   AccountID
	Delta       int64
	Type        TransactionType
	Reference   string
	Description string
	CreatedAt   time.Time
}

// LifetimeDelta is the amount this transaction adds to lifetime points.
func (tx Transaction) LifetimeDelta() int64 {
	if tx.Delta > 0 && tx.Type.IsEarning() {
		return tx.Delta
	}
	return 0
}

// Outcome distinguishes a fresh application from an idempotency hit.
// Both are successes.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyClaimed Outcome = "already_claimed"
)

// =============================================================================
// STREAK
// =============================================================================

type StreakState struct {
	AccountID     AccountID
	CurrentStreak int
	LongestStreak int
	LastLoginDate Date // zero before the first check-in
}

// =============================================================================
// REWARD CATALOG
// =============================================================================

type RewardCategory string

const (
	CategoryVoucher      RewardCategory = "voucher"
	CategoryFreeDelivery RewardCategory = "free_delivery"
	CategoryMerchandise  RewardCategory = "merchandise"
	CategoryExperience   RewardCategory = "experience"
	CategoryDonation     RewardCategory = "donation"
)

type Reward struct {
	ID           RewardID
	Name         string
	PointsCost   int64
	Stock        *int64 // nil = unlimited
	Category     RewardCategory
	DurationDays *int // nil = never expires
	IsActive     bool
}

// InStock reports whether at least one unit can be claimed.
func (r Reward) InStock() bool { return r.Stock == nil || *r.Stock > 0 }

// ExpiryFrom derives a claim's expiry from DurationDays.
func (r Reward) ExpiryFrom(claimedAt time.Time) *time.Time {
	if r.DurationDays == nil {
		return nil
	}
	t := claimedAt.AddDate(0, 0, *r.DurationDays)
	return &t
}

// CatalogFilter narrows GetRewardCatalog.
type CatalogFilter struct {
	Category   RewardCategory
	ActiveOnly bool
	MaxCost    int64 // 0 = no limit
}

// =============================================================================
// CLAIMED REWARD
// =============================================================================

type ClaimStatus string

const (
	ClaimActive  ClaimStatus = "active"
	ClaimExpired ClaimStatus = "expired"
)

type ClaimedReward struct {
	ID          ClaimID
	AccountID   AccountID
	RewardID    RewardID
	AttemptID   string
	PointsSpent int64
	Status      ClaimStatus
	ExpiresAt   *time.Time
	ClaimedAt   time.Time
}

// ClaimRequest is what the redemption engine asks the backend to commit.
type ClaimRequest struct {
	AccountID   AccountID
	RewardID    RewardID
	AttemptID   string
	ClaimID     ClaimID
	TxID        TransactionID
	Description string
	At          time.Time
}

// StockDiscrepancy records a claim that went through without its stock
// decrement. Reconciled out of band.
type StockDiscrepancy struct {
	ID         string
	RewardID   RewardID
	ClaimID    ClaimID
	AttemptID  string
	Reason     string
	RecordedAt time.Time
}

// =============================================================================
// REFERRAL
// =============================================================================

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

type Referral struct {
	ID             ReferralID
	ReferrerID     AccountID
	ReferredID     AccountID
	Status         ReferralStatus
	ReferrerPoints int64
	CompletedAt    *time.Time
}

// =============================================================================
// CHECKOUT DISCOUNT - Order-scoped reservation
// =============================================================================

type DiscountState string

const (
	DiscountReserved  DiscountState = "reserved"
	DiscountCommitted DiscountState = "committed"
	DiscountReleased  DiscountState = "released"
)

// Terminal reports whether no further transition is allowed.
func (s DiscountState) Terminal() bool { return s == DiscountCommitted || s == DiscountReleased }

type CheckoutDiscount struct {
	Ref            string // order draft id
	AccountID      AccountID
	CoinsReserved  int64
	DiscountAmount decimal.Decimal
	OrderTotal     decimal.Decimal
	OrderID        string // bound at commit
	State          DiscountState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// BALANCE VIEW
// =============================================================================

type BalanceView struct {
	AccountID        AccountID
	Available        int64
	Lifetime         int64
	Tier             Tier
	NextTier         Tier  // empty at platinum
	PointsToNextTier int64 // 0 at platinum
}

// HistoryFilter narrows History.
type HistoryFilter struct {
	Types []TransactionType
	Limit int // 0 = all
}
