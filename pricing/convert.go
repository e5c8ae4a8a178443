// Package pricing converts human USD prices into asset smallest-unit amounts.
package pricing

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/payport/x402gate/registry"
)

// SmallestUnit converts a human price string ("$0.10") into the smallest-unit
// integer amount of the given asset. Rounding is always toward the ceiling so
// truncation can never under-charge.
func SmallestUnit(priceUSD string, asset registry.Asset) (*big.Int, error) {
	usd, err := ParseUSD(priceUSD)
	if err != nil {
		return nil, err
	}
	if asset.USDPrice.IsZero() {
		return nil, fmt.Errorf("asset %s has no USD price configured", asset.Symbol)
	}

	units := usd.Div(asset.USDPrice).Shift(asset.Decimals).Ceil()
	return units.BigInt(), nil
}

// Display renders a smallest-unit amount back into a whole-asset decimal
// string, e.g. 100000 units of a 6-decimal asset → "0.1".
func Display(units *big.Int, asset registry.Asset) string {
	return decimal.NewFromBigInt(units, -asset.Decimals).String()
}

// ParseUSD parses a price string, tolerating a leading dollar sign and
// surrounding whitespace. Negative prices are invalid.
func ParseUSD(price string) (decimal.Decimal, error) {
	s := strings.TrimSpace(price)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty price")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("price cannot be negative: %q", price)
	}
	return d, nil
}
