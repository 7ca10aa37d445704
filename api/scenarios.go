/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with a demo catalog and accounts that walk through
	the coin program. Every loader goes through the engines, so the data it
	leaves behind is exactly what real traffic would have produced.

AVAILABLE SCENARIOS:

	first-redemption: welcome bonus, two daily logins, redeem a 55 coin
	                  voucher. Ends at 15 coins, lifetime 70, bronze.
	referral:         a referred user's first purchase pays the referrer
	checkout:         purchase coins, then a reserved checkout discount

HOW SCENARIOS WORK:
 1. Reset the store when the backend supports it
 2. Seed the demo catalog through factory.ParseCatalog
 3. Drive the bonus, rewards and checkout engines

Loaders use fixed references, so loading the same scenario twice is a
no-op the second time even on a backend that cannot reset.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "first-redemption"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/checkout"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "first-redemption",
		Name:        "First Redemption",
		Description: "Welcome bonus, two daily logins, then a 55 coin voucher",
	},
	{
		ID:          "referral",
		Name:        "Referral",
		Description: "A referred user's first purchase credits the referrer",
	},
	{
		ID:          "checkout",
		Name:        "Checkout Discount",
		Description: "Coins reserved against an order draft at checkout",
	},
}

const demoCatalog = `
rewards:
  - id: voucher-55
    name: 5 EUR voucher
    points_cost: 55
    category: voucher
    duration_days: 30
  - id: free-delivery
    name: Free delivery for a week
    points_cost: 30
    category: free_delivery
    duration_days: 7
  - id: tote-bag
    name: Panda tote bag
    points_cost: 400
    stock: 25
    category: merchandise
  - id: cooking-class
    name: Cooking class for two
    points_cost: 2500
    stock: 4
    category: experience
  - id: food-bank
    name: Donate a meal
    points_cost: 100
    category: donation
`

// resetter is implemented by backends that can wipe their data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var load func(ctx context.Context) error
	switch req.ScenarioID {
	case "first-redemption":
		load = h.loadFirstRedemptionScenario
	case "referral":
		load = h.loadReferralScenario
	case "checkout":
		load = h.loadCheckoutScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if rs, ok := h.Store.(resetter); ok {
		if err := rs.Reset(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
			return
		}
	}
	if err := h.seedDemoCatalog(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to seed catalog", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.Log.WithField("scenario", req.ScenarioID).Info("api: scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) seedDemoCatalog(ctx context.Context) error {
	all, err := factory.ParseCatalog([]byte(demoCatalog), factory.FormatYAML)
	if err != nil {
		return err
	}
	var catalog ledger.CatalogStore = h.Store
	if h.Cache != nil {
		catalog = h.Cache
	}
	return factory.SeedCatalog(ctx, catalog, all)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadFirstRedemptionScenario checks in on the two days before today, so a
// check-in made after loading continues the streak at 3.
func (h *Handler) loadFirstRedemptionScenario(ctx context.Context) error {
	const id = ledger.AccountID("panda-demo")

	if _, _, err := h.Bonus.ClaimWelcome(ctx, id); err != nil {
		return fmt.Errorf("welcome: %w", err)
	}

	now := h.Bonus.Now()
	for _, daysAgo := range []int{2, 1} {
		day := now.AddDate(0, 0, -daysAgo)
		demo := *h.Bonus
		demo.Now = func() time.Time { return day }
		if _, err := demo.CheckIn(ctx, id); err != nil {
			return fmt.Errorf("check-in %d days ago: %w", daysAgo, err)
		}
	}

	if _, err := h.Rewards.Redeem(ctx, rewards.RedeemRequest{
		AccountID: id,
		RewardID:  "voucher-55",
		AttemptID: "demo-first-redemption",
	}); err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	return nil
}

func (h *Handler) loadReferralScenario(ctx context.Context) error {
	const (
		referrer = ledger.AccountID("panda-referrer")
		referred = ledger.AccountID("panda-friend")
	)
	for _, id := range []ledger.AccountID{referrer, referred} {
		if _, _, err := h.Bonus.ClaimWelcome(ctx, id); err != nil {
			return fmt.Errorf("welcome %s: %w", id, err)
		}
	}

	existing, err := ledger.CallValue(ctx, h.Ledger.Timeout, "get referral", func(ctx context.Context) (*ledger.Referral, error) {
		return h.Store.GetReferralByReferred(ctx, referred)
	})
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := h.Bonus.Refer(ctx, "demo-referral", referrer, referred); err != nil {
			return fmt.Errorf("refer: %w", err)
		}
	}

	if _, err := h.Bonus.RecordPurchase(ctx, referred, "demo-order-1", decimal.RequireFromString("42.50")); err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	return nil
}

func (h *Handler) loadCheckoutScenario(ctx context.Context) error {
	const id = ledger.AccountID("panda-shopper")

	if _, _, err := h.Bonus.ClaimWelcome(ctx, id); err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	if _, err := h.Bonus.RecordPurchase(ctx, id, "demo-order-1", decimal.NewFromInt(600)); err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	if _, err := h.Checkout.Reserve(ctx, checkout.ReserveRequest{
		AccountID:  id,
		DraftID:    "demo-draft-1",
		Coins:      300,
		OrderTotal: decimal.NewFromInt(800),
	}); err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	return nil
}
