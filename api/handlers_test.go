/*
handlers_test.go - HTTP tests for the loyalty API

Tests for:
- The first-redemption walk-through over HTTP
- Error mapping (status, user message, shortfall, max coins)
- Checkout reservation lifecycle
- Catalog upsert through the row decoder
- Demo scenarios and maintenance jobs
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/checkout"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	mem     *store.Memory
	handler *Handler
	router  *chi.Mux
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	log, _ := test.NewNullLogger()
	f := &fixture{mem: mem, now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	l := ledger.NewLedger(mem, ledger.WithLogger(log), ledger.WithClock(clock),
		ledger.WithTimeout(200*time.Millisecond))
	b := bonus.NewEngine(l, mem, bonus.DefaultRules(), log)
	b.Now = clock
	r := rewards.NewEngine(mem, 200*time.Millisecond, log)
	r.Now = clock
	c := checkout.NewService(l, mem, checkout.DefaultRules(), log)
	c.Now = clock

	f.handler = NewHandler(l, b, r, c, mem, log)
	f.router = NewRouter(f.handler, []string{"http://localhost:5173"})

	stock := int64(3)
	for _, rw := range []ledger.Reward{
		{ID: "voucher-55", Name: "5 EUR voucher", PointsCost: 55, Category: ledger.CategoryVoucher, IsActive: true},
		{ID: "tote-bag", Name: "Tote bag", PointsCost: 400, Stock: &stock, Category: ledger.CategoryMerchandise, IsActive: true},
		{ID: "retired", Name: "Old mug", PointsCost: 10, Category: ledger.CategoryMerchandise, IsActive: false},
	} {
		require.NoError(t, mem.SaveReward(context.Background(), rw))
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) balance(t *testing.T, id string) BalanceDTO {
	rec := f.do(t, http.MethodGet, "/api/accounts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeAs[BalanceDTO](t, rec)
}

// fund gives an account the welcome bonus plus a purchase credit.
func (f *fixture) fund(t *testing.T, id string, orderTotal string) {
	rec := f.do(t, http.MethodPost, "/api/accounts/"+id+"/welcome", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	if orderTotal == "" {
		return
	}
	rec = f.do(t, http.MethodPost, "/api/purchases", map[string]any{
		"account_id": id, "order_id": "order-seed", "order_total": orderTotal,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// END TO END
// =============================================================================

func TestFirstRedemption_OverHTTP(t *testing.T) {
	// GIVEN: A new user and a 55 coin voucher
	// WHEN: Welcome, check in on two consecutive days, redeem
	// THEN: 15 coins left, lifetime 70, bronze, one claim

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/accounts/user-1/welcome", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(50), decodeAs[CreditDTO](t, rec).Transaction.Delta)

	rec = f.do(t, http.MethodPost, "/api/accounts/user-1/check-in", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f.now = f.now.Add(24 * time.Hour)
	rec = f.do(t, http.MethodPost, "/api/accounts/user-1/check-in", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	checkIn := decodeAs[CheckInDTO](t, rec)
	assert.Equal(t, 2, checkIn.Streak.CurrentStreak)
	assert.Equal(t, "2026-03-02", checkIn.Date)

	rec = f.do(t, http.MethodPost, "/api/accounts/user-1/redemptions", RedeemRequest{RewardID: "voucher-55", AttemptID: "attempt-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	red := decodeAs[RedemptionDTO](t, rec)
	assert.Equal(t, "committed", red.State)
	require.NotNil(t, red.Claim)
	assert.Equal(t, int64(55), red.Claim.PointsSpent)

	bal := f.balance(t, "user-1")
	assert.Equal(t, int64(15), bal.Available)
	assert.Equal(t, int64(70), bal.Lifetime)
	assert.Equal(t, "bronze", bal.Tier)
	assert.Equal(t, "silver", bal.NextTier)
	assert.Equal(t, int64(430), bal.PointsToNextTier)

	rec = f.do(t, http.MethodGet, "/api/accounts/user-1/claimed-rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]ClaimDTO](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/admin/accounts/user-1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeAs[map[string]any](t, rec)["consistent"])
}

func TestRedeem_RepeatedAttemptIsAlreadyClaimed(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "100")

	body := RedeemRequest{RewardID: "voucher-55", AttemptID: "attempt-1"}
	first := f.do(t, http.MethodPost, "/api/accounts/user-1/redemptions", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	again := f.do(t, http.MethodPost, "/api/accounts/user-1/redemptions", body)
	require.Equal(t, http.StatusOK, again.Code, again.Body.String())
	assert.Equal(t, "already_claimed", decodeAs[RedemptionDTO](t, again).Outcome)
	assert.Equal(t, int64(95), f.balance(t, "user-1").Available)
}

func TestCheckIn_FirstLoginWithoutWelcome(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/accounts/new-user/check-in", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeAs[CheckInDTO](t, rec).Streak.CurrentStreak)
	assert.Equal(t, int64(10), f.balance(t, "new-user").Available)
}

func TestWelcome_SecondClaimIs200(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/accounts/user-1/welcome", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_claimed", decodeAs[CreditDTO](t, rec).Outcome)
	assert.Equal(t, int64(50), f.balance(t, "user-1").Available)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestRedeem_InsufficientPoints_ReportsShortfall(t *testing.T) {
	// GIVEN: 50 coins
	// WHEN: Redeeming a 55 coin voucher
	// THEN: 422 with shortfall 5 and the user message; balance unchanged

	f := newFixture(t)
	f.fund(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/accounts/user-1/redemptions", RedeemRequest{RewardID: "voucher-55", AttemptID: "attempt-1"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	resp := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, int64(5), resp.Shortfall)
	assert.Equal(t, "You need 5 more coins for this.", resp.Message)
	assert.False(t, resp.Retryable)
	assert.Equal(t, int64(50), f.balance(t, "user-1").Available)
}

func TestRedeem_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		account    string
		body       RedeemRequest
		wantStatus int
	}{
		{"unknown reward", "user-1", RedeemRequest{RewardID: "nope", AttemptID: "a-1"}, http.StatusNotFound},
		{"unknown account", "ghost", RedeemRequest{RewardID: "voucher-55", AttemptID: "a-1"}, http.StatusNotFound},
		{"inactive reward", "user-1", RedeemRequest{RewardID: "retired", AttemptID: "a-1"}, http.StatusBadRequest},
		{"missing attempt id", "user-1", RedeemRequest{RewardID: "voucher-55"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fund(t, "user-1", "100")

			rec := f.do(t, http.MethodPost, "/api/accounts/"+tt.account+"/redemptions", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeAs[ErrorResponse](t, rec).Message)
		})
	}
}

func TestRedeem_OutOfStock_Is409(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "2000")
	zero := int64(0)
	require.NoError(t, f.mem.SaveReward(context.Background(), ledger.Reward{
		ID: "sold-out", Name: "Sold out", PointsCost: 10, Stock: &zero, Category: ledger.CategoryMerchandise, IsActive: true,
	}))

	rec := f.do(t, http.MethodPost, "/api/accounts/user-1/redemptions", RedeemRequest{RewardID: "sold-out", AttemptID: "a-1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "This reward is out of stock.", decodeAs[ErrorResponse](t, rec).Message)
}

func TestGetBalance_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/accounts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidBody_Is400(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/purchases", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", ledger.NewValidationError("coins", "too few"), http.StatusBadRequest},
		{"insufficient", &ledger.InsufficientPointsError{Requested: 10, Available: 5}, http.StatusUnprocessableEntity},
		{"out of stock", &ledger.OutOfStockError{RewardID: "r"}, http.StatusConflict},
		{"not found", fmt.Errorf("lookup: %w", ledger.ErrRewardNotFound), http.StatusNotFound},
		{"timeout", &ledger.NetworkError{Op: "debit", Cause: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"unavailable", &ledger.NetworkError{Op: "debit", Cause: ledger.ErrUnavailable}, http.StatusServiceUnavailable},
		{"compensated", &ledger.PartialApplicationError{Step: "create_claim", Cause: errors.New("boom"), Compensated: true}, http.StatusBadGateway},
		{"support", &ledger.PartialApplicationError{Step: "create_claim", Cause: errors.New("boom"), CompensationErr: errors.New("down")}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

// =============================================================================
// TRANSACTIONS / CATALOG
// =============================================================================

func TestListTransactions_Filters(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "120")
	rec := f.do(t, http.MethodPost, "/api/accounts/user-1/reviews", ReviewRequest{ReviewID: "review-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/accounts/user-1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]TransactionDTO](t, rec), 3)

	rec = f.do(t, http.MethodGet, "/api/accounts/user-1/transactions?type=review_credit,welcome_bonus&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeAs[[]TransactionDTO](t, rec)
	require.Len(t, txs, 1)

	rec = f.do(t, http.MethodGet, "/api/accounts/user-1/transactions?type=gift", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "type", decodeAs[ErrorResponse](t, rec).Field)
}

func TestListRewards_ActiveByDefault(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]RewardDTO](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/rewards?active=false", nil)
	assert.Len(t, decodeAs[[]RewardDTO](t, rec), 3)

	rec = f.do(t, http.MethodGet, "/api/rewards?category=merchandise", nil)
	all := decodeAs[[]RewardDTO](t, rec)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].Stock)
	assert.Equal(t, int64(3), *all[0].Stock)
}

func TestUpsertReward_DecodesRow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/admin/rewards/delivery", map[string]any{
		"name": "Free delivery", "points_cost": 30, "category": "free_delivery", "duration_days": 7,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := f.mem.GetReward(context.Background(), "delivery")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.DurationDays)
	assert.Equal(t, 7, *got.DurationDays)

	rec = f.do(t, http.MethodPut, "/api/admin/rewards/bad", map[string]any{
		"name": "Bad", "points_cost": 1.5, "category": "voucher",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestReferral_FirstPurchaseCreditsReferrer(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "referrer", "")
	f.fund(t, "friend", "")

	rec := f.do(t, http.MethodPost, "/api/referrals", ReferralRequest{ReferrerID: "referrer", ReferredID: "friend"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", decodeAs[ReferralDTO](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/purchases", map[string]any{
		"account_id": "friend", "order_id": "order-1", "order_total": "20",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeAs[PurchaseDTO](t, rec)
	require.NotNil(t, p.Referral)
	assert.Equal(t, "completed", p.Referral.Status)
	assert.Equal(t, int64(100), p.ReferrerCredited)
	assert.Equal(t, int64(150), f.balance(t, "referrer").Available)

	rec = f.do(t, http.MethodPost, "/api/referrals", ReferralRequest{ReferrerID: "friend", ReferredID: "friend"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CHECKOUT
// =============================================================================

func TestCheckout_Lifecycle(t *testing.T) {
	// GIVEN: 1050 coins
	// WHEN: Reserve, reserve again, commit, then release
	// THEN: One debit, committed is terminal

	f := newFixture(t)
	f.fund(t, "user-1", "1000")

	body := ReserveDiscountRequest{AccountID: "user-1", DraftID: "draft-1", Coins: 300}
	body.OrderTotal = decimal.RequireFromString("800")

	rec := f.do(t, http.MethodPost, "/api/checkout/discounts", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeAs[DiscountDTO](t, rec)
	assert.Equal(t, "reserved", d.State)
	assert.Equal(t, "300", d.DiscountAmount.String())

	rec = f.do(t, http.MethodPost, "/api/checkout/discounts", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(750), f.balance(t, "user-1").Available)

	rec = f.do(t, http.MethodPost, "/api/checkout/discounts/draft-1/commit", CommitDiscountRequest{OrderID: "order-9"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d = decodeAs[DiscountDTO](t, rec)
	assert.Equal(t, "committed", d.State)
	assert.Equal(t, "order-9", d.OrderID)

	rec = f.do(t, http.MethodPost, "/api/checkout/discounts/draft-1/release", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(750), f.balance(t, "user-1").Available)
}

func TestCheckout_OverCap(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "1000")

	body := ReserveDiscountRequest{AccountID: "user-1", DraftID: "draft-1", Coins: 501}
	body.OrderTotal = decimal.RequireFromString("1000")

	rec := f.do(t, http.MethodPost, "/api/checkout/discounts", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, int64(500), resp.MaxCoins)
	assert.Equal(t, "You can use at most 500 coins on this order.", resp.Message)
}

func TestCheckout_ReleaseRestoresCoins(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "1000")

	body := ReserveDiscountRequest{AccountID: "user-1", DraftID: "draft-1", Coins: 200}
	body.OrderTotal = decimal.RequireFromString("1000")
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/checkout/discounts", body).Code)

	rec := f.do(t, http.MethodPost, "/api/checkout/discounts/draft-1/release", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "released", decodeAs[DiscountDTO](t, rec).State)
	assert.Equal(t, int64(1050), f.balance(t, "user-1").Available)

	rec = f.do(t, http.MethodPost, "/api/checkout/discounts/unknown/release", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SCENARIOS / METRICS
// =============================================================================

func TestLoadScenario_FirstRedemption(t *testing.T) {
	// GIVEN: A backend without reset
	// WHEN: Loading the first-redemption scenario twice
	// THEN: The demo account ends at 15 coins both times

	f := newFixture(t)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "first-redemption"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		bal := f.balance(t, "panda-demo")
		assert.Equal(t, int64(15), bal.Available)
		assert.Equal(t, int64(70), bal.Lifetime)
	}

	rec := f.do(t, http.MethodGet, "/api/rewards", nil)
	assert.Len(t, decodeAs[[]RewardDTO](t, rec), 5)

	// Today continues the streak seeded on the two previous days.
	rec = f.do(t, http.MethodPost, "/api/accounts/panda-demo/check-in", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 3, decodeAs[CheckInDTO](t, rec).Streak.CurrentStreak)
}

func TestLoadScenario_Others(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "referral"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(150), f.balance(t, "panda-referrer").Available)

	rec = f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "checkout"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(350), f.balance(t, "panda-shopper").Available)

	rec = f.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "")

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loyalty_ledger_applies_total")
}

// =============================================================================
// SCHEDULER JOBS
// =============================================================================

func TestScheduler_ReleaseStaleAndAudit(t *testing.T) {
	// GIVEN: An abandoned reservation and a counter-only credit
	// WHEN: Running the sweep and the audit
	// THEN: Coins come back; the audit reports the divergent account

	f := newFixture(t)
	f.fund(t, "user-1", "1000")
	s, err := NewScheduler(f.handler, config.Jobs{}, 30*time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	body := ReserveDiscountRequest{AccountID: "user-1", DraftID: "draft-1", Coins: 200}
	body.OrderTotal = decimal.RequireFromString("1000")
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/checkout/discounts", body).Code)

	require.NoError(t, s.ReleaseStale(ctx))
	assert.Equal(t, int64(850), f.balance(t, "user-1").Available, "reservation is still fresh")

	f.now = f.now.Add(time.Hour)
	require.NoError(t, s.ReleaseStale(ctx))
	assert.Equal(t, int64(1050), f.balance(t, "user-1").Available)

	require.NoError(t, s.AuditConsistency(ctx))

	require.NoError(t, f.mem.CreditBalance(ctx, "user-1", 5, "stray"))
	err = s.AuditConsistency(ctx)
	var div *ledger.DivergenceError
	require.ErrorAs(t, err, &div)
	assert.Equal(t, ledger.AccountID("user-1"), div.AccountID)
}

func TestScheduler_ExpireClaims(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "user-1", "100")
	days := 7
	require.NoError(t, f.mem.SaveReward(context.Background(), ledger.Reward{
		ID: "week-pass", Name: "Week pass", PointsCost: 30, Category: ledger.CategoryFreeDelivery,
		DurationDays: &days, IsActive: true,
	}))
	rec := f.do(t, http.MethodPost, "/api/accounts/user-1/redemptions", RedeemRequest{RewardID: "week-pass", AttemptID: "a-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	s, err := NewScheduler(f.handler, config.Jobs{ClaimExpiry: time.Hour}, time.Minute)
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 8)
	require.NoError(t, s.ExpireClaims(context.Background()))

	rec = f.do(t, http.MethodGet, "/api/accounts/user-1/claimed-rewards", nil)
	claims := decodeAs[[]ClaimDTO](t, rec)
	require.Len(t, claims, 1)
	assert.Equal(t, "expired", claims[0].Status)
}

// =============================================================================
// CATALOG CACHE
// =============================================================================

func TestRedeem_InvalidatesCachedStock(t *testing.T) {
	// GIVEN: The catalog served through Redis, tote bag stock 3 cached
	// WHEN: The tote bag is redeemed
	// THEN: The cached entries are dropped and the listing shows stock 2

	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log, _ := test.NewNullLogger()
	catalog := cache.NewCatalogCache(client, f.mem, time.Minute, log)
	f.handler.Cache = catalog
	f.handler.Rewards.Catalog = catalog

	f.fund(t, "user-1", "1000")
	rec := f.do(t, http.MethodGet, "/api/rewards?category=merchandise", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, mr.Exists("loyalty:catalog"))

	rec = f.do(t, http.MethodPost, "/api/accounts/user-1/redemptions", RedeemRequest{RewardID: "tote-bag", AttemptID: "a-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.False(t, mr.Exists("loyalty:catalog"))
	assert.False(t, mr.Exists("loyalty:reward:tote-bag"))

	rec = f.do(t, http.MethodGet, "/api/rewards?category=merchandise", nil)
	all := decodeAs[[]RewardDTO](t, rec)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].Stock)
	assert.Equal(t, int64(2), *all[0].Stock)
}
