package forum

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses an atomic-unit amount as an exact unsigned integer.
// Anything that is not a plain base-10 non-negative integer is rejected;
// no floating point conversion happens on this path.
func ParseAmount(amount string) (*big.Int, error) {
	if amount == "" || strings.TrimSpace(amount) != amount || strings.HasPrefix(amount, "+") {
		return nil, ErrInvalidAmount
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// FormatAmount renders an atomic-unit amount for humans, e.g. "5000" with 6
// decimals becomes "0.005". It is for display only and never feeds a signature.
// Trailing zeros are trimmed; at most maxDisplayDecimals digits are shown.
func FormatAmount(raw string, decimals int) string {
	v, err := ParseAmount(raw)
	if err != nil {
		return "0"
	}
	d := decimal.NewFromBigInt(v, int32(-decimals))
	if decimals > maxDisplayDecimals {
		d = d.Round(maxDisplayDecimals)
	}
	return d.String()
}

const maxDisplayDecimals = 6
