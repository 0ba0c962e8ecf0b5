package tokens

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxFractionDigits is the precision human amounts are rounded to before they
// are scaled into minor units.
const MaxFractionDigits = 18

// ToMinorUnits converts a human amount into the integer amount expected on
// chain for a token with the given decimals.
func ToMinorUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("金额不能为负数: %s", amount)
	}
	scaled := amount.Round(MaxFractionDigits).Shift(decimals).Truncate(0)
	return scaled.BigInt(), nil
}

// ParseAmount parses a human amount string such as "0.25".
func ParseAmount(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("无法解析金额 %q: %w", raw, err)
	}
	return value, nil
}

// FromMinorUnits converts an integer amount string into a human decimal.
func FromMinorUnits(raw string, decimals int32) (decimal.Decimal, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("无法解析链上金额 %q", raw)
	}
	return decimal.NewFromBigInt(value, -decimals), nil
}
