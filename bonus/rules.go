package bonus

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// Rules are the earning amounts of the coin program.
type Rules struct {
	WelcomeBonus          int64           `yaml:"welcome_bonus"`
	DailyBonus            int64           `yaml:"daily_bonus"`
	WeeklyMilestoneBonus  int64           `yaml:"weekly_milestone_bonus"`  // streak % 7 == 0
	MonthlyMilestoneBonus int64           `yaml:"monthly_milestone_bonus"` // streak == 30
	ReferralBonus         int64           `yaml:"referral_bonus"`
	ReviewBonus           int64           `yaml:"review_bonus"`
	PointsPerCurrencyUnit decimal.Decimal `yaml:"points_per_currency_unit"`
	TierMultipliers       TierMultipliers `yaml:"tier_multipliers"`
}

// TierMultipliers scale purchase credits by the buyer's tier.
type TierMultipliers struct {
	Bronze   decimal.Decimal `yaml:"bronze"`
	Silver   decimal.Decimal `yaml:"silver"`
	Gold     decimal.Decimal `yaml:"gold"`
	Platinum decimal.Decimal `yaml:"platinum"`
}

// For returns the multiplier of tier; unknown tiers earn at 1x.
func (m TierMultipliers) For(tier ledger.Tier) decimal.Decimal {
	switch tier {
	case ledger.TierSilver:
		return m.Silver
	case ledger.TierGold:
		return m.Gold
	case ledger.TierPlatinum:
		return m.Platinum
	case ledger.TierBronze:
		return m.Bronze
	}
	return decimal.NewFromInt(1)
}

func DefaultRules() Rules {
	return Rules{
		WelcomeBonus:          50,
		DailyBonus:            10,
		WeeklyMilestoneBonus:  50,
		MonthlyMilestoneBonus: 200,
		ReferralBonus:         100,
		ReviewBonus:           20,
		PointsPerCurrencyUnit: decimal.NewFromInt(1),
		TierMultipliers: TierMultipliers{
			Bronze:   decimal.NewFromInt(1),
			Silver:   decimal.RequireFromString("1.1"),
			Gold:     decimal.RequireFromString("1.25"),
			Platinum: decimal.RequireFromString("1.5"),
		},
	}
}

// Validate rejects rules that would write non-positive credits.
func (r Rules) Validate() error {
	amounts := map[string]int64{
		"welcome_bonus":           r.WelcomeBonus,
		"daily_bonus":             r.DailyBonus,
		"weekly_milestone_bonus":  r.WeeklyMilestoneBonus,
		"monthly_milestone_bonus": r.MonthlyMilestoneBonus,
		"referral_bonus":          r.ReferralBonus,
		"review_bonus":            r.ReviewBonus,
	}
	for name, v := range amounts {
		if v <= 0 {
			return fmt.Errorf("bonus rules: %s must be positive, got %d", name, v)
		}
	}
	if !r.PointsPerCurrencyUnit.IsPositive() {
		return fmt.Errorf("bonus rules: points_per_currency_unit must be positive")
	}
	for _, m := range []decimal.Decimal{r.TierMultipliers.Bronze, r.TierMultipliers.Silver, r.TierMultipliers.Gold, r.TierMultipliers.Platinum} {
		if m.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("bonus rules: tier multiplier %s below 1", m)
		}
	}
	return nil
}

// PurchasePoints is floor(floor(total × rate) × multiplier).
func (r Rules) PurchasePoints(orderTotal decimal.Decimal, tier ledger.Tier) int64 {
	base := orderTotal.Mul(r.PointsPerCurrencyUnit).Floor()
	return base.Mul(r.TierMultipliers.For(tier)).Floor().IntPart()
}

// milestoneBonus returns the extra credit for reaching streak, if any.
func (r Rules) milestoneBonus(streak int) int64 {
	switch {
	case streak == 30:
		return r.MonthlyMilestoneBonus
	case streak > 0 && streak%7 == 0:
		return r.WeeklyMilestoneBonus
	}
	return 0
}
