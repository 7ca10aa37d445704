package checkout

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Rules bound how many coins one order may consume.
type Rules struct {
	MinCoinsToUse int64 `yaml:"min_coins_to_use"`
	// Rate is the currency value of one coin.
	Rate decimal.Decimal `yaml:"rate"`
	// MaxDiscountPercentage caps the discount as a share of the order total.
	MaxDiscountPercentage decimal.Decimal `yaml:"max_discount_percentage"`
}

func DefaultRules() Rules {
	return Rules{
		MinCoinsToUse:         100,
		Rate:                  decimal.NewFromInt(1),
		MaxDiscountPercentage: decimal.NewFromInt(50),
	}
}

func (r Rules) Validate() error {
	if r.MinCoinsToUse <= 0 {
		return fmt.Errorf("checkout rules: min_coins_to_use must be positive, got %d", r.MinCoinsToUse)
	}
	if !r.Rate.IsPositive() {
		return fmt.Errorf("checkout rules: rate must be positive")
	}
	if !r.MaxDiscountPercentage.IsPositive() || r.MaxDiscountPercentage.GreaterThan(hundred) {
		return fmt.Errorf("checkout rules: max_discount_percentage must be in (0, 100], got %s", r.MaxDiscountPercentage)
	}
	return nil
}

// MaxCoins is the largest coin amount whose discount stays within the cap.
func (r Rules) MaxCoins(orderTotal decimal.Decimal) int64 {
	capAmount := orderTotal.Mul(r.MaxDiscountPercentage).Div(hundred)
	return capAmount.Div(r.Rate).Floor().IntPart()
}

// DiscountFor is the currency amount coins are worth.
func (r Rules) DiscountFor(coins int64) decimal.Decimal {
	return decimal.NewFromInt(coins).Mul(r.Rate).Round(2)
}
