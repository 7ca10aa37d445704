package bonus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	engine *bonus.Engine
	ledger *ledger.Ledger
	mem    *store.Memory
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	clk := &clock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	log, _ := test.NewNullLogger()

	l := ledger.NewLedger(mem, ledger.WithLogger(log), ledger.WithClock(clk.Now))
	e := bonus.NewEngine(l, mem, bonus.DefaultRules(), log)
	e.Now = clk.Now

	_, err := mem.EnsureAccount(context.Background(), "user-1", clk.now)
	require.NoError(t, err)
	return &fixture{engine: e, ledger: l, mem: mem, clock: clk}
}

func (f *fixture) available(t *testing.T, id ledger.AccountID) int64 {
	acct, err := f.ledger.Account(context.Background(), id)
	require.NoError(t, err)
	return acct.AvailablePoints
}

func (f *fixture) checkInDays(t *testing.T, n int) bonus.CheckInResult {
	var last bonus.CheckInResult
	for i := 0; i < n; i++ {
		var err error
		last, err = f.engine.CheckIn(context.Background(), "user-1")
		require.NoError(t, err)
		f.clock.advance(24 * time.Hour)
	}
	return last
}

// =============================================================================
// WELCOME
// =============================================================================

func TestClaimWelcome_OnlyOnce(t *testing.T) {
	// GIVEN: A new user
	// WHEN: Claiming the welcome bonus twice
	// THEN: +50 once, second call AlreadyClaimed with the same transaction

	f := newFixture(t)
	ctx := context.Background()

	first, outcome, err := f.engine.ClaimWelcome(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, outcome)
	assert.Equal(t, int64(50), first.Delta)

	second, outcome, err := f.engine.ClaimWelcome(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, outcome)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, int64(50), f.available(t, "user-2"))
	acct, _ := f.ledger.Account(ctx, "user-2")
	assert.True(t, acct.WelcomeBonusClaimed)
}

// =============================================================================
// DAILY CHECK-IN
// =============================================================================

func TestCheckIn_FirstLogin_StartsStreak(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.CheckIn(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeApplied, result.Outcome)
	assert.Equal(t, int64(10), result.Credited)
	assert.Equal(t, 1, result.Streak.CurrentStreak)
	assert.Equal(t, ledger.NewDate(2026, time.March, 1), result.Streak.LastLoginDate)
}

func TestCheckIn_SameDay_NoOp(t *testing.T) {
	// GIVEN: User already checked in today
	// WHEN: Checking in again later the same day
	// THEN: AlreadyClaimed, nothing credited, streak unchanged

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CheckIn(ctx, "user-1")
	require.NoError(t, err)

	f.clock.advance(10 * time.Hour)
	result, err := f.engine.CheckIn(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeAlreadyClaimed, result.Outcome)
	assert.Equal(t, int64(0), result.Credited)
	assert.Equal(t, 1, result.Streak.CurrentStreak)
	assert.Equal(t, int64(10), f.available(t, "user-1"))
}

func TestCheckIn_SeventhDay_WeeklyMilestone(t *testing.T) {
	f := newFixture(t)

	result := f.checkInDays(t, 7)

	assert.Equal(t, 7, result.Streak.CurrentStreak)
	assert.Equal(t, int64(50), result.Milestone)
	assert.Equal(t, int64(60), result.Credited)
	assert.Equal(t, int64(7*10+50), f.available(t, "user-1"))

	milestone, err := f.mem.FindTransaction(context.Background(), "user-1", ledger.TxDailyBonus, "2026-03-07-milestone")
	require.NoError(t, err)
	require.NotNil(t, milestone)
	assert.Equal(t, int64(50), milestone.Delta)
}

func TestCheckIn_ThirtiethDay_MonthlyMilestone(t *testing.T) {
	// GIVEN: 29 consecutive check-ins
	// WHEN: Checking in on day 30
	// THEN: 200 milestone; four weekly milestones earlier

	f := newFixture(t)

	result := f.checkInDays(t, 30)

	assert.Equal(t, 30, result.Streak.CurrentStreak)
	assert.Equal(t, int64(200), result.Milestone)
	assert.Equal(t, int64(30*10+4*50+200), f.available(t, "user-1"))
}

func TestCheckIn_Gap_ResetsStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkInDays(t, 3)

	f.clock.advance(24 * time.Hour) // skip a day
	result, err := f.engine.CheckIn(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Streak.CurrentStreak)
	assert.Equal(t, 3, result.Streak.LongestStreak)
}

func TestCheckIn_RetryAfterStreakSaveFailure_Idempotent(t *testing.T) {
	// GIVEN: The streak save fails after the daily credit went through
	// WHEN: The client retries the check-in
	// THEN: No second credit; streak saved on retry

	f := newFixture(t)
	ctx := context.Background()
	f.mem.FailOn(store.StepSaveStreak, errors.New("write failed"))

	_, err := f.engine.CheckIn(ctx, "user-1")
	require.Error(t, err)
	assert.Equal(t, int64(10), f.available(t, "user-1"))

	result, err := f.engine.CheckIn(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, result.Outcome)
	assert.Equal(t, int64(0), result.Credited)
	assert.Equal(t, 1, result.Streak.CurrentStreak)
	assert.Equal(t, int64(10), f.available(t, "user-1"))
}

func TestCheckIn_UsesConfiguredLocation(t *testing.T) {
	// GIVEN: Check-in at 23:30 UTC on Mar 1, then 00:30 UTC on Mar 2
	// WHEN: The engine runs in Tokyo time
	// THEN: Both are Mar 2 in Tokyo, so the second is a no-op

	f := newFixture(t)
	ctx := context.Background()
	f.engine.Location = time.FixedZone("JST", 9*3600)
	f.clock.now = time.Date(2026, time.March, 1, 23, 30, 0, 0, time.UTC)

	first, err := f.engine.CheckIn(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewDate(2026, time.March, 2), first.Date)

	f.clock.advance(time.Hour)
	second, err := f.engine.CheckIn(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, second.Outcome)
}

func TestCheckIn_ClockBehindLastLogin_NoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checkInDays(t, 2)

	f.clock.now = time.Date(2026, time.February, 20, 9, 0, 0, 0, time.UTC)
	result, err := f.engine.CheckIn(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, result.Outcome)
	assert.Equal(t, 2, result.Streak.CurrentStreak)
}

func TestCheckIn_FirstLoginCreatesAccount(t *testing.T) {
	// GIVEN: A user with no account yet
	// WHEN: They check in for the first time
	// THEN: Account and streak exist, streak 1, +10 credited

	f := newFixture(t)
	ctx := context.Background()

	result, err := f.engine.CheckIn(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, result.Outcome)
	assert.Equal(t, 1, result.Streak.CurrentStreak)
	assert.Equal(t, int64(10), result.Credited)
	assert.Equal(t, int64(10), f.available(t, "new-user"))

	streak, err := f.engine.Streak(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, 1, streak.CurrentStreak)
	require.NoError(t, f.ledger.VerifyConsistency(ctx, "new-user"))
}

// =============================================================================
// PURCHASES / REVIEWS
// =============================================================================

func TestCreditPurchase_FloorsAndAppliesTierMultiplier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, _, err := f.engine.CreditPurchase(ctx, "user-1", "order-1", decimal.RequireFromString("499.99"))
	require.NoError(t, err)
	assert.Equal(t, int64(499), tx.Delta, "bronze earns floor(total)")

	tx, _, err = f.engine.CreditPurchase(ctx, "user-1", "order-2", decimal.RequireFromString("1.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.Delta)

	// Now at 500 lifetime: silver, 1.1x.
	tx, _, err = f.engine.CreditPurchase(ctx, "user-1", "order-3", decimal.RequireFromString("105.50"))
	require.NoError(t, err)
	assert.Equal(t, int64(115), tx.Delta, "floor(floor(105.50) * 1.1)")
}

func TestCreditPurchase_SameEventTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.engine.CreditPurchase(ctx, "user-1", "order-1", decimal.NewFromInt(40))
	require.NoError(t, err)
	_, outcome, err := f.engine.CreditPurchase(ctx, "user-1", "order-1", decimal.NewFromInt(40))
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeAlreadyClaimed, outcome)
	assert.Equal(t, int64(40), f.available(t, "user-1"))
}

func TestCreditPurchase_RejectsNonPositiveTotal(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.engine.CreditPurchase(context.Background(), "user-1", "order-1", decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreditReview_OncePerReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, o1, err := f.engine.CreditReview(ctx, "user-1", "review-1")
	require.NoError(t, err)
	_, o2, err := f.engine.CreditReview(ctx, "user-1", "review-1")
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeApplied, o1)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, o2)
	assert.Equal(t, int64(20), f.available(t, "user-1"))
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestReferral_PaidOnFirstPurchaseOnly(t *testing.T) {
	// GIVEN: user-1 referred user-2
	// WHEN: user-2 completes two purchases
	// THEN: user-1 is credited 100 exactly once

	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.engine.ClaimWelcome(ctx, "user-2")
	require.NoError(t, err)
	_, err = f.engine.Refer(ctx, "ref-1", "user-1", "user-2")
	require.NoError(t, err)

	first, err := f.engine.RecordPurchase(ctx, "user-2", "order-1", decimal.NewFromInt(30))
	require.NoError(t, err)
	require.NotNil(t, first.Referral.Referral)
	assert.Equal(t, int64(100), first.Referral.Credited)
	assert.Equal(t, ledger.ReferralCompleted, first.Referral.Referral.Status)

	second, err := f.engine.RecordPurchase(ctx, "user-2", "order-2", decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, second.Referral.Outcome)

	assert.Equal(t, int64(100), f.available(t, "user-1"))
	assert.Equal(t, int64(50+30+30), f.available(t, "user-2"))
}

func TestReferral_RetryAfterCompletionFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.engine.ClaimWelcome(ctx, "user-2")
	_, err := f.engine.Refer(ctx, "ref-1", "user-1", "user-2")
	require.NoError(t, err)
	f.mem.FailOn(store.StepCompleteReferral, errors.New("write failed"))

	_, err = f.engine.CompleteReferral(ctx, "user-2", "order-1")
	require.Error(t, err)

	result, err := f.engine.CompleteReferral(ctx, "user-2", "order-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, result.Outcome)
	assert.Equal(t, int64(100), f.available(t, "user-1"))
}

func TestRecordPurchase_SmallOrderStillCompletesReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.engine.ClaimWelcome(ctx, "user-2")
	_, err := f.engine.Refer(ctx, "ref-1", "user-1", "user-2")
	require.NoError(t, err)

	result, err := f.engine.RecordPurchase(ctx, "user-2", "order-1", decimal.RequireFromString("0.50"))
	require.NoError(t, err)
	assert.Nil(t, result.Transaction)
	assert.Equal(t, int64(100), result.Referral.Credited)
}

func TestRecordPurchase_NotReferred(t *testing.T) {
	f := newFixture(t)
	result, err := f.engine.RecordPurchase(context.Background(), "user-1", "order-1", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Nil(t, result.Referral.Referral)
}

func TestRefer_Self_Rejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Refer(context.Background(), "ref-1", "user-1", "user-1")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// RULES
// =============================================================================

func TestDefaultRules_Validate(t *testing.T) {
	assert.NoError(t, bonus.DefaultRules().Validate())

	broken := bonus.DefaultRules()
	broken.DailyBonus = 0
	assert.Error(t, broken.Validate())
}
