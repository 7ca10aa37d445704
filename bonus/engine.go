/*
Package bonus credits coins for engagement: welcome, daily login streaks,
referrals, purchases and reviews.

PURPOSE:
  Every earning goes through ledger.Apply with a reference that makes it
  idempotent. The engine never writes the balance directly.

REFERENCES:
  welcome_bonus    "welcome"
  daily_bonus      "2026-03-01"            base credit for the day
  daily_bonus      "2026-03-01-milestone"  weekly (streak % 7 == 0) or day 30
  referral         referral id
  purchase_credit  order/event id
  review_credit    review id

ORDERING:
  Credits are written BEFORE state (streak, welcome flag, referral status)
  is saved. A retry after a failed save finds the credits already applied
  (OutcomeAlreadyClaimed) and only completes the save.

STREAK:
  Calendar dates are taken in the engine's Location. Same day = no-op,
  next day = streak+1, any gap (or first login) = streak 1. A check-in dated
  before the last login (clock skew) is a no-op.

SEE ALSO:
  - rules.go: amounts, purchase rate, tier multipliers
  - ledger/ledger.go: Apply
*/
package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
)

const welcomeReference = "welcome"

// Store is the part of the backend the bonus engine reads and writes
// besides the ledger.
type Store interface {
	ledger.AccountStore
	ledger.StreakStore
	ledger.ReferralStore
}

type Engine struct {
	Ledger   *ledger.Ledger
	Store    Store
	Rules    Rules
	Location *time.Location
	Now      func() time.Time
	Log      logrus.FieldLogger
}

func NewEngine(l *ledger.Ledger, store Store, rules Rules, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Ledger:   l,
		Store:    store,
		Rules:    rules,
		Location: time.UTC,
		Now:      time.Now,
		Log:      log,
	}
}

func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return ledger.Call(ctx, e.Ledger.Timeout, op, fn)
}

// =============================================================================
// WELCOME
// =============================================================================

// ClaimWelcome creates the account if needed and credits the one-time welcome
// bonus.
func (e *Engine) ClaimWelcome(ctx context.Context, id ledger.AccountID) (ledger.Transaction, ledger.Outcome, error) {
	acct, err := ledger.CallValue(ctx, e.Ledger.Timeout, "ensure account", func(ctx context.Context) (ledger.Account, error) {
		return e.Store.EnsureAccount(ctx, id, e.Now())
	})
	if err != nil {
		return ledger.Transaction{}, "", err
	}
	if acct.WelcomeBonusClaimed {
		return e.existing(ctx, id, ledger.TxWelcomeBonus, welcomeReference)
	}

	tx, outcome, err := e.Ledger.Apply(ctx, id, e.Rules.WelcomeBonus, ledger.TxWelcomeBonus, welcomeReference, "Welcome bonus")
	if err != nil {
		return ledger.Transaction{}, "", err
	}
	if err := e.call(ctx, "mark welcome bonus", func(ctx context.Context) error {
		_, err := e.Store.MarkWelcomeBonusClaimed(ctx, id)
		return err
	}); err != nil {
		return ledger.Transaction{}, "", fmt.Errorf("welcome bonus credited but flag not saved: %w", err)
	}
	return tx, outcome, nil
}

func (e *Engine) existing(ctx context.Context, id ledger.AccountID, txType ledger.TransactionType, ref string) (ledger.Transaction, ledger.Outcome, error) {
	tx, err := ledger.CallValue(ctx, e.Ledger.Timeout, "find transaction", func(ctx context.Context) (*ledger.Transaction, error) {
		return e.Ledger.Store.FindTransaction(ctx, id, txType, ref)
	})
	if err != nil {
		return ledger.Transaction{}, "", err
	}
	if tx == nil {
		return ledger.Transaction{}, ledger.OutcomeAlreadyClaimed, nil
	}
	return *tx, ledger.OutcomeAlreadyClaimed, nil
}

// =============================================================================
// DAILY CHECK-IN
// =============================================================================

type CheckInResult struct {
	Date      ledger.Date
	Streak    ledger.StreakState
	Credited  int64 // coins credited by this call
	Milestone int64 // milestone part of Credited, 0 if none
	Outcome   ledger.Outcome
}

// CheckIn records today's login, extends or resets the streak and credits the
// daily bonus plus any milestone. A first login creates the account.
func (e *Engine) CheckIn(ctx context.Context, id ledger.AccountID) (CheckInResult, error) {
	now := e.Now()
	today := ledger.DateOf(now, e.Location)
	log := e.Log.WithFields(logrus.Fields{"account_id": id, "date": today.String()})

	if _, err := ledger.CallValue(ctx, e.Ledger.Timeout, "ensure account", func(ctx context.Context) (ledger.Account, error) {
		return e.Store.EnsureAccount(ctx, id, now)
	}); err != nil {
		return CheckInResult{}, err
	}
	current, err := ledger.CallValue(ctx, e.Ledger.Timeout, "get streak", func(ctx context.Context) (ledger.StreakState, error) {
		return e.Store.GetStreak(ctx, id)
	})
	if err != nil {
		return CheckInResult{}, err
	}

	result := CheckInResult{Date: today, Streak: current, Outcome: ledger.OutcomeAlreadyClaimed}
	if current.LastLoginDate == today || (!current.LastLoginDate.IsZero() && today.Before(current.LastLoginDate)) {
		return result, nil
	}

	next := advanceStreak(current, today)
	next.AccountID = id

	ref := today.String()
	_, outcome, err := e.Ledger.Apply(ctx, id, e.Rules.DailyBonus, ledger.TxDailyBonus, ref, "Daily login bonus")
	if err != nil {
		return CheckInResult{}, err
	}
	if outcome == ledger.OutcomeApplied {
		result.Credited += e.Rules.DailyBonus
		result.Outcome = ledger.OutcomeApplied
	}

	if bonus := e.Rules.milestoneBonus(next.CurrentStreak); bonus > 0 {
		desc := fmt.Sprintf("%d-day streak bonus", next.CurrentStreak)
		_, outcome, err := e.Ledger.Apply(ctx, id, bonus, ledger.TxDailyBonus, ref+"-milestone", desc)
		if err != nil {
			return CheckInResult{}, err
		}
		if outcome == ledger.OutcomeApplied {
			result.Credited += bonus
			result.Milestone = bonus
			result.Outcome = ledger.OutcomeApplied
		}
	}

	if err := e.call(ctx, "save streak", func(ctx context.Context) error {
		return e.Store.SaveStreak(ctx, next)
	}); err != nil {
		log.WithError(err).Warn("bonus: streak not saved after credit")
		return CheckInResult{}, err
	}

	result.Streak = next
	log.WithFields(logrus.Fields{"streak": next.CurrentStreak, "credited": result.Credited}).Info("bonus: check-in")
	return result, nil
}

func advanceStreak(s ledger.StreakState, today ledger.Date) ledger.StreakState {
	if !s.LastLoginDate.IsZero() && ledger.DaysBetween(s.LastLoginDate, today) == 1 {
		s.CurrentStreak++
	} else {
		s.CurrentStreak = 1
	}
	if s.CurrentStreak > s.LongestStreak {
		s.LongestStreak = s.CurrentStreak
	}
	s.LastLoginDate = today
	return s
}

// Streak returns the stored streak state.
func (e *Engine) Streak(ctx context.Context, id ledger.AccountID) (ledger.StreakState, error) {
	return ledger.CallValue(ctx, e.Ledger.Timeout, "get streak", func(ctx context.Context) (ledger.StreakState, error) {
		return e.Store.GetStreak(ctx, id)
	})
}

// =============================================================================
// REFERRALS
// =============================================================================

// Refer records a pending referral of referredID by referrerID.
func (e *Engine) Refer(ctx context.Context, id ledger.ReferralID, referrerID, referredID ledger.AccountID) (ledger.Referral, error) {
	switch {
	case referrerID == "" || referredID == "":
		return ledger.Referral{}, ledger.NewValidationError("referral", "referrer and referred are required")
	case referrerID == referredID:
		return ledger.Referral{}, ledger.NewValidationError("referral", "cannot refer yourself")
	}
	r := ledger.Referral{
		ID:             id,
		ReferrerID:     referrerID,
		ReferredID:     referredID,
		Status:         ledger.ReferralPending,
		ReferrerPoints: e.Rules.ReferralBonus,
	}
	if err := e.call(ctx, "create referral", func(ctx context.Context) error {
		return e.Store.CreateReferral(ctx, r)
	}); err != nil {
		return ledger.Referral{}, err
	}
	return r, nil
}

type ReferralResult struct {
	Referral *ledger.Referral // nil when the user was not referred
	Credited int64
	Outcome  ledger.Outcome
}

// CompleteReferral pays the referrer on the referred user's first completed
// purchase. Later purchases find the referral completed and do nothing.
func (e *Engine) CompleteReferral(ctx context.Context, referredID ledger.AccountID, purchaseID string) (ReferralResult, error) {
	ref, err := ledger.CallValue(ctx, e.Ledger.Timeout, "get referral", func(ctx context.Context) (*ledger.Referral, error) {
		return e.Store.GetReferralByReferred(ctx, referredID)
	})
	if err != nil || ref == nil {
		return ReferralResult{}, err
	}
	if ref.Status == ledger.ReferralCompleted {
		return ReferralResult{Referral: ref, Outcome: ledger.OutcomeAlreadyClaimed}, nil
	}

	points := ref.ReferrerPoints
	if points <= 0 {
		points = e.Rules.ReferralBonus
	}
	desc := fmt.Sprintf("Referral: %s purchased (%s)", referredID, purchaseID)
	_, outcome, err := e.Ledger.Apply(ctx, ref.ReferrerID, points, ledger.TxReferral, string(ref.ID), desc)
	if err != nil {
		return ReferralResult{}, err
	}

	completed, err := ledger.CallValue(ctx, e.Ledger.Timeout, "complete referral", func(ctx context.Context) (ledger.Referral, error) {
		r, _, err := e.Store.CompleteReferral(ctx, ref.ID, e.Now())
		return r, err
	})
	if err != nil {
		e.Log.WithError(err).WithField("referral_id", ref.ID).Warn("bonus: referrer credited but referral not completed")
		return ReferralResult{}, err
	}

	result := ReferralResult{Referral: &completed, Outcome: outcome}
	if outcome == ledger.OutcomeApplied {
		result.Credited = points
	}
	e.Log.WithFields(logrus.Fields{
		"referral_id": ref.ID,
		"referrer_id": ref.ReferrerID,
		"credited":    result.Credited,
	}).Info("bonus: referral completed")
	return result, nil
}

// =============================================================================
// PURCHASES / REVIEWS
// =============================================================================

// CreditPurchase credits floor(orderTotal × rate) coins, scaled by the tier
// multiplier. eventID makes the credit idempotent.
func (e *Engine) CreditPurchase(ctx context.Context, id ledger.AccountID, eventID string, orderTotal decimal.Decimal) (ledger.Transaction, ledger.Outcome, error) {
	if !orderTotal.IsPositive() {
		return ledger.Transaction{}, "", ledger.NewValidationError("order_total", "must be positive")
	}
	acct, err := e.Ledger.Account(ctx, id)
	if err != nil {
		return ledger.Transaction{}, "", err
	}
	tier := acct.Tier(e.Ledger.Tiers)
	points := e.Rules.PurchasePoints(orderTotal, tier)
	if points <= 0 {
		return ledger.Transaction{}, "", ledger.NewValidationError("order_total", "order total earns no coins")
	}
	desc := fmt.Sprintf("Purchase %s (%s, %s tier)", eventID, orderTotal.StringFixed(2), tier)
	return e.Ledger.Apply(ctx, id, points, ledger.TxPurchaseCredit, eventID, desc)
}

type PurchaseResult struct {
	Transaction *ledger.Transaction // nil when the order earned no coins
	Outcome     ledger.Outcome
	Referral    ReferralResult
}

// RecordPurchase credits a completed order and completes a pending referral.
func (e *Engine) RecordPurchase(ctx context.Context, id ledger.AccountID, orderID string, orderTotal decimal.Decimal) (PurchaseResult, error) {
	var result PurchaseResult
	tx, outcome, err := e.CreditPurchase(ctx, id, orderID, orderTotal)
	switch {
	case err == nil:
		result.Transaction = &tx
		result.Outcome = outcome
	case orderTotal.IsPositive() && isNoCoins(err):
		// Small orders still count as the first purchase.
	default:
		return PurchaseResult{}, err
	}

	result.Referral, err = e.CompleteReferral(ctx, id, orderID)
	if err != nil {
		return PurchaseResult{}, err
	}
	return result, nil
}

func isNoCoins(err error) bool {
	var ve *ledger.ValidationError
	return errors.As(err, &ve) && ve.Field == "order_total"
}

// CreditReview credits the review bonus once per review id.
func (e *Engine) CreditReview(ctx context.Context, id ledger.AccountID, reviewID string) (ledger.Transaction, ledger.Outcome, error) {
	return e.Ledger.Apply(ctx, id, e.Rules.ReviewBonus, ledger.TxReviewCredit, reviewID, "Review bonus")
}
