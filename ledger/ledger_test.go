package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march1 = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.Memory) {
	mem := store.NewMemory()
	log, _ := test.NewNullLogger()
	l := ledger.NewLedger(mem,
		ledger.WithLogger(log),
		ledger.WithClock(func() time.Time { return march1 }),
		ledger.WithTimeout(200*time.Millisecond),
	)
	_, err := mem.EnsureAccount(context.Background(), "user-1", march1)
	require.NoError(t, err)
	return l, mem
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_Credit_MovesAvailableAndLifetime(t *testing.T) {
	// GIVEN: A fresh account
	// WHEN: A welcome bonus is applied
	// THEN: Both available and lifetime move by +50

	l, _ := newTestLedger(t)
	ctx := context.Background()

	tx, outcome, err := l.Apply(ctx, "user-1", 50, ledger.TxWelcomeBonus, "welcome", "Welcome bonus")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, outcome)
	assert.Equal(t, int64(50), tx.Delta)
	assert.Equal(t, march1, tx.CreatedAt)

	acct, err := l.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.AvailablePoints)
	assert.Equal(t, int64(50), acct.LifetimePoints)
}

func TestApply_DuplicateReference_AlreadyClaimed(t *testing.T) {
	// GIVEN: A daily bonus already applied for 2026-03-01
	// WHEN: The same reference is applied again
	// THEN: The original transaction comes back and nothing moves

	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, _, err := l.Apply(ctx, "user-1", 10, ledger.TxDailyBonus, "2026-03-01", "Daily")
	require.NoError(t, err)

	second, outcome, err := l.Apply(ctx, "user-1", 10, ledger.TxDailyBonus, "2026-03-01", "Daily")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyClaimed, outcome)
	assert.Equal(t, first.ID, second.ID)

	acct, _ := l.Account(ctx, "user-1")
	assert.Equal(t, int64(10), acct.AvailablePoints)
}

func TestApply_SameReferenceDifferentType_BothApply(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, o1, err := l.Apply(ctx, "user-1", 100, ledger.TxPurchaseCredit, "order-9", "")
	require.NoError(t, err)
	_, o2, err := l.Apply(ctx, "user-1", 20, ledger.TxReviewCredit, "order-9", "")
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeApplied, o1)
	assert.Equal(t, ledger.OutcomeApplied, o2)
}

func TestApply_Debit_InsufficientPoints_ReportsShortfall(t *testing.T) {
	// GIVEN: 75 available
	// WHEN: Debiting 100
	// THEN: InsufficientPointsError with shortfall 25, balance unchanged

	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Apply(ctx, "user-1", 75, ledger.TxPurchaseCredit, "order-1", "")
	require.NoError(t, err)

	_, _, err = l.Apply(ctx, "user-1", -100, ledger.TxRedemption, "attempt-1", "")
	require.Error(t, err)

	var ipe *ledger.InsufficientPointsError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, int64(25), ipe.Shortfall())
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)
	assert.Equal(t, "You need 25 more coins for this.", ledger.UserMessage(err))

	acct, _ := l.Account(ctx, "user-1")
	assert.Equal(t, int64(75), acct.AvailablePoints)
}

func TestApply_Debit_DoesNotTouchLifetime(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Apply(ctx, "user-1", 300, ledger.TxPurchaseCredit, "order-1", "")
	_, _, err := l.Apply(ctx, "user-1", -120, ledger.TxCheckoutDiscount, "draft-1", "")
	require.NoError(t, err)
	_, _, err = l.Apply(ctx, "user-1", 120, ledger.TxCheckoutDiscountRelease, "draft-1-release", "")
	require.NoError(t, err)

	acct, _ := l.Account(ctx, "user-1")
	assert.Equal(t, int64(300), acct.AvailablePoints)
	assert.Equal(t, int64(300), acct.LifetimePoints, "release is not an earning")
}

func TestApply_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		account   ledger.AccountID
		delta     int64
		txType    ledger.TransactionType
		reference string
	}{
		{"missing account", "", 10, ledger.TxDailyBonus, "2026-03-01"},
		{"unknown type", "user-1", 10, "bogus", "x"},
		{"missing reference", "user-1", 10, ledger.TxDailyBonus, ""},
		{"zero delta", "user-1", 0, ledger.TxDailyBonus, "2026-03-01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := l.Apply(ctx, tc.account, tc.delta, tc.txType, tc.reference, "")
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestApply_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _, err := l.Apply(context.Background(), "ghost", 10, ledger.TxDailyBonus, "2026-03-01", "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestApply_BackendTimeout_IsNetworkFailure(t *testing.T) {
	// GIVEN: A backend slower than the call timeout
	// WHEN: Applying a credit
	// THEN: NetworkError, and UserMessage asks for a retry

	l, mem := newTestLedger(t)
	mem.DelayOn(store.StepAppendTransaction, time.Second)

	_, _, err := l.Apply(context.Background(), "user-1", 10, ledger.TxDailyBonus, "2026-03-01", "")
	require.Error(t, err)

	var netErr *ledger.NetworkError
	assert.ErrorAs(t, err, &netErr)
	assert.ErrorIs(t, err, ledger.ErrNetworkFailure)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, "Connection problem. Please try again.", ledger.UserMessage(err))
}

func TestApply_BackendUnavailable_IsNetworkFailure(t *testing.T) {
	l, mem := newTestLedger(t)
	mem.FailOn(store.StepAppendTransaction, ledger.ErrUnavailable)

	_, _, err := l.Apply(context.Background(), "user-1", 10, ledger.TxDailyBonus, "2026-03-01", "")
	assert.ErrorIs(t, err, ledger.ErrNetworkFailure)
}

func TestApply_ConcurrentSameReference_AppliesOnce(t *testing.T) {
	// GIVEN: Two devices applying the same daily bonus at once
	// WHEN: Both call Apply concurrently
	// THEN: Exactly one Applied, balance moved once

	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]ledger.Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, o, err := l.Apply(ctx, "user-1", 10, ledger.TxDailyBonus, "2026-03-01", "")
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == ledger.OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	acct, _ := l.Account(ctx, "user-1")
	assert.Equal(t, int64(10), acct.AvailablePoints)
}

func TestApply_ConcurrentDebits_NeverNegative(t *testing.T) {
	// GIVEN: 100 available
	// WHEN: Ten concurrent 30-point debits with distinct references
	// THEN: At most three succeed, balance never negative

	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Apply(ctx, "user-1", 100, ledger.TxPurchaseCredit, "order-1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := l.Apply(ctx, "user-1", -30, ledger.TxCheckoutDiscount, string(rune('a'+i)), "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)
		}(i)
	}
	wg.Wait()

	acct, _ := l.Account(ctx, "user-1")
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, int64(10), acct.AvailablePoints)
	assert.NoError(t, l.VerifyConsistency(ctx, "user-1"))
}

func TestApply_LogsAppliedTransaction(t *testing.T) {
	mem := store.NewMemory()
	log, hook := test.NewNullLogger()
	l := ledger.NewLedger(mem, ledger.WithLogger(log))
	_, _ = mem.EnsureAccount(context.Background(), "user-1", march1)

	_, _, err := l.Apply(context.Background(), "user-1", 50, ledger.TxWelcomeBonus, "welcome", "")
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, ledger.AccountID("user-1"), entry.Data["account_id"])
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestBalance_TierProgress(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Apply(ctx, "user-1", 620, ledger.TxPurchaseCredit, "order-1", "")
	require.NoError(t, err)

	view, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierSilver, view.Tier)
	assert.Equal(t, ledger.TierGold, view.NextTier)
	assert.Equal(t, int64(1380), view.PointsToNextTier)
}

func TestHistory_NewestFirst_FilteredAndLimited(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Apply(ctx, "user-1", 50, ledger.TxWelcomeBonus, "welcome", "")
	_, _, _ = l.Apply(ctx, "user-1", 10, ledger.TxDailyBonus, "2026-03-01", "")
	_, _, _ = l.Apply(ctx, "user-1", 10, ledger.TxDailyBonus, "2026-03-02", "")

	all, err := l.History(ctx, "user-1", ledger.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2026-03-02", all[0].Reference)

	daily, err := l.History(ctx, "user-1", ledger.HistoryFilter{Types: []ledger.TransactionType{ledger.TxDailyBonus}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, "2026-03-02", daily[0].Reference)
}

func TestVerifyConsistency_DetectsCounterOnlyWrite(t *testing.T) {
	// GIVEN: A counter-only debit with no matching log row
	// WHEN: Verifying consistency
	// THEN: DivergenceError naming both sides

	l, mem := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Apply(ctx, "user-1", 100, ledger.TxPurchaseCredit, "order-1", "")
	require.NoError(t, mem.DebitBalance(ctx, "user-1", 40, "orphan"))

	err := l.VerifyConsistency(ctx, "user-1")
	var div *ledger.DivergenceError
	require.True(t, errors.As(err, &div))
	assert.Equal(t, int64(60), div.Counter)
	assert.Equal(t, int64(100), div.LogSum)
}

// =============================================================================
// TIERS / DATES
// =============================================================================

func TestTierThresholds(t *testing.T) {
	tiers := ledger.DefaultTierThresholds
	cases := map[int64]ledger.Tier{
		0:    ledger.TierBronze,
		499:  ledger.TierBronze,
		500:  ledger.TierSilver,
		1999: ledger.TierSilver,
		2000: ledger.TierGold,
		5000: ledger.TierPlatinum,
	}
	for lifetime, want := range cases {
		assert.Equal(t, want, tiers.TierFor(lifetime), "lifetime %d", lifetime)
	}

	_, _, ok := tiers.Next(6000)
	assert.False(t, ok)
}

func TestDate_DaysBetween_AcrossMonthBoundary(t *testing.T) {
	from := ledger.NewDate(2026, time.February, 28)
	to := ledger.NewDate(2026, time.March, 1)
	assert.Equal(t, 1, ledger.DaysBetween(from, to))
	assert.Equal(t, to, from.AddDays(1))

	parsed, err := ledger.ParseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, to, parsed)
	assert.Equal(t, "2026-03-01", to.String())
}

func TestDateOf_UsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 20:00 UTC on Mar 1 is already Mar 2 in Tokyo.
	at := time.Date(2026, time.March, 1, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, ledger.NewDate(2026, time.March, 2), ledger.DateOf(at, tokyo))
}
