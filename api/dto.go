/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the engines, not in DTOs. Handlers only reject
  bodies that do not decode.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/checkout"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// REQUESTS
// =============================================================================

type ReviewRequest struct {
	ReviewID string `json:"review_id"`
}

type RedeemRequest struct {
	RewardID  string `json:"reward_id"`
	AttemptID string `json:"attempt_id"`
}

type PurchaseRequest struct {
	AccountID  string          `json:"account_id"`
	OrderID    string          `json:"order_id"`
	OrderTotal decimal.Decimal `json:"order_total"`
}

type ReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
	ReferredID string `json:"referred_id"`
}

type ReserveDiscountRequest struct {
	AccountID  string          `json:"account_id"`
	DraftID    string          `json:"draft_id"`
	Coins      int64           `json:"coins"`
	OrderTotal decimal.Decimal `json:"order_total"`
}

type CommitDiscountRequest struct {
	OrderID string `json:"order_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceDTO struct {
	AccountID        string `json:"account_id"`
	Available        int64  `json:"available_points"`
	Lifetime         int64  `json:"lifetime_points"`
	Tier             string `json:"tier"`
	NextTier         string `json:"next_tier,omitempty"`
	PointsToNextTier int64  `json:"points_to_next_tier,omitempty"`
}

type TransactionDTO struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Delta       int64  `json:"delta"`
	Type        string `json:"type"`
	Reference   string `json:"reference"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// CreditDTO is the response of every earning endpoint.
type CreditDTO struct {
	Outcome     string          `json:"outcome"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

type StreakDTO struct {
	CurrentStreak int    `json:"current_streak"`
	LongestStreak int    `json:"longest_streak"`
	LastLoginDate string `json:"last_login_date,omitempty"`
}

type CheckInDTO struct {
	Date      string    `json:"date"`
	Outcome   string    `json:"outcome"`
	Credited  int64     `json:"credited"`
	Milestone int64     `json:"milestone,omitempty"`
	Streak    StreakDTO `json:"streak"`
}

type ReferralDTO struct {
	ID             string `json:"id"`
	ReferrerID     string `json:"referrer_id"`
	ReferredID     string `json:"referred_id"`
	Status         string `json:"status"`
	ReferrerPoints int64  `json:"referrer_points"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

type PurchaseDTO struct {
	Outcome          string          `json:"outcome"`
	Transaction      *TransactionDTO `json:"transaction,omitempty"`
	Referral         *ReferralDTO    `json:"referral,omitempty"`
	ReferrerCredited int64           `json:"referrer_credited,omitempty"`
}

type RewardDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PointsCost   int64  `json:"points_cost"`
	Stock        *int64 `json:"stock"`
	Category     string `json:"category"`
	DurationDays *int   `json:"duration_days,omitempty"`
	IsActive     bool   `json:"is_active"`
}

type ClaimDTO struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	RewardID    string `json:"reward_id"`
	AttemptID   string `json:"attempt_id"`
	PointsSpent int64  `json:"points_spent"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	ClaimedAt   string `json:"claimed_at"`
}

type RedemptionDTO struct {
	State       string          `json:"state"`
	Path        string          `json:"path,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	Reward      RewardDTO       `json:"reward"`
	Claim       *ClaimDTO       `json:"claim,omitempty"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

type DiscountDTO struct {
	Ref            string          `json:"ref"`
	AccountID      string          `json:"account_id"`
	CoinsReserved  int64           `json:"coins_reserved"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	OrderTotal     decimal.Decimal `json:"order_total"`
	OrderID        string          `json:"order_id,omitempty"`
	State          string          `json:"state"`
	Outcome        string          `json:"outcome,omitempty"`
	UpdatedAt      string          `json:"updated_at"`
}

type DiscrepancyDTO struct {
	ID         string `json:"id"`
	RewardID   string `json:"reward_id"`
	ClaimID    string `json:"claim_id"`
	AttemptID  string `json:"attempt_id"`
	Reason     string `json:"reason"`
	RecordedAt string `json:"recorded_at"`
}

// ErrorResponse carries the user-facing message and, for rejections, the
// fields a client needs to render it.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Details   string `json:"details,omitempty"`
	Shortfall int64  `json:"shortfall,omitempty"`
	MaxCoins  int64  `json:"max_coins,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toBalanceDTO(b ledger.BalanceView) BalanceDTO {
	return BalanceDTO{
		AccountID:        string(b.AccountID),
		Available:        b.Available,
		Lifetime:         b.Lifetime,
		Tier:             string(b.Tier),
		NextTier:         string(b.NextTier),
		PointsToNextTier: b.PointsToNextTier,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		AccountID:   string(tx.AccountID),
		Delta:       tx.Delta,
		Type:        string(tx.Type),
		Reference:   tx.Reference,
		Description: tx.Description,
		CreatedAt:   formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOPtr(tx *ledger.Transaction) *TransactionDTO {
	if tx == nil {
		return nil
	}
	dto := toTransactionDTO(*tx)
	return &dto
}

func toCreditDTO(tx ledger.Transaction, outcome ledger.Outcome) CreditDTO {
	return CreditDTO{Outcome: string(outcome), Transaction: toTransactionDTOPtr(&tx)}
}

func toStreakDTO(s ledger.StreakState) StreakDTO {
	dto := StreakDTO{CurrentStreak: s.CurrentStreak, LongestStreak: s.LongestStreak}
	if !s.LastLoginDate.IsZero() {
		dto.LastLoginDate = s.LastLoginDate.String()
	}
	return dto
}

func toCheckInDTO(r bonus.CheckInResult) CheckInDTO {
	return CheckInDTO{
		Date:      r.Date.String(),
		Outcome:   string(r.Outcome),
		Credited:  r.Credited,
		Milestone: r.Milestone,
		Streak:    toStreakDTO(r.Streak),
	}
}

func toReferralDTO(r ledger.Referral) ReferralDTO {
	dto := ReferralDTO{
		ID:             string(r.ID),
		ReferrerID:     string(r.ReferrerID),
		ReferredID:     string(r.ReferredID),
		Status:         string(r.Status),
		ReferrerPoints: r.ReferrerPoints,
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = formatTime(*r.CompletedAt)
	}
	return dto
}

func toPurchaseDTO(r bonus.PurchaseResult) PurchaseDTO {
	dto := PurchaseDTO{
		Outcome:          string(r.Outcome),
		Transaction:      toTransactionDTOPtr(r.Transaction),
		ReferrerCredited: r.Referral.Credited,
	}
	if r.Referral.Referral != nil {
		ref := toReferralDTO(*r.Referral.Referral)
		dto.Referral = &ref
	}
	return dto
}

func toRewardDTO(r ledger.Reward) RewardDTO {
	return RewardDTO{
		ID:           string(r.ID),
		Name:         r.Name,
		PointsCost:   r.PointsCost,
		Stock:        r.Stock,
		Category:     string(r.Category),
		DurationDays: r.DurationDays,
		IsActive:     r.IsActive,
	}
}

func toClaimDTO(c ledger.ClaimedReward) ClaimDTO {
	dto := ClaimDTO{
		ID:          string(c.ID),
		AccountID:   string(c.AccountID),
		RewardID:    string(c.RewardID),
		AttemptID:   c.AttemptID,
		PointsSpent: c.PointsSpent,
		Status:      string(c.Status),
		ClaimedAt:   formatTime(c.ClaimedAt),
	}
	if c.ExpiresAt != nil {
		dto.ExpiresAt = formatTime(*c.ExpiresAt)
	}
	return dto
}

func toRedemptionDTO(r rewards.Redemption) RedemptionDTO {
	dto := RedemptionDTO{
		State:       string(r.State),
		Path:        string(r.Path),
		Outcome:     string(r.Outcome),
		Reward:      toRewardDTO(r.Reward),
		Transaction: toTransactionDTOPtr(r.Transaction),
	}
	if r.Claim != nil {
		claim := toClaimDTO(*r.Claim)
		dto.Claim = &claim
	}
	return dto
}

func toDiscountDTO(d ledger.CheckoutDiscount, outcome ledger.Outcome) DiscountDTO {
	return DiscountDTO{
		Ref:            d.Ref,
		AccountID:      string(d.AccountID),
		CoinsReserved:  d.CoinsReserved,
		DiscountAmount: d.DiscountAmount,
		OrderTotal:     d.OrderTotal,
		OrderID:        d.OrderID,
		State:          string(d.State),
		Outcome:        string(outcome),
		UpdatedAt:      formatTime(d.UpdatedAt),
	}
}

func toReservationDTO(r checkout.Reservation) DiscountDTO {
	return toDiscountDTO(r.CheckoutDiscount, r.Outcome)
}

func toDiscrepancyDTO(d ledger.StockDiscrepancy) DiscrepancyDTO {
	return DiscrepancyDTO{
		ID:         d.ID,
		RewardID:   string(d.RewardID),
		ClaimID:    string(d.ClaimID),
		AttemptID:  d.AttemptID,
		Reason:     d.Reason,
		RecordedAt: formatTime(d.RecordedAt),
	}
}
