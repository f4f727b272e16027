package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ToUnits converts a human decimal amount ("0.010") into the token's smallest
// unit. Digits beyond the token scale are truncated, never rounded.
func ToUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative: %s", amount)
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// FromUnits renders smallest-unit value as a decimal string with full scale.
func FromUnits(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).StringFixed(decimals)
}
