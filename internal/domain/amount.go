package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the number of fractional digits of the settlement
// currency (cents).
const DefaultDecimals = 2

// FormatAmount renders an integer amount in smallest units as a fixed-point
// decimal string, e.g. 49900 with 2 decimals -> "499.00".
func FormatAmount(units uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), 0).Shift(-decimals).StringFixed(decimals)
}

// ParseAmount converts a decimal string back into smallest units. Values with
// more fractional digits than decimals, or negative values, are rejected.
func ParseAmount(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, ErrInvalidPrice
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrInvalidPrice
	}
	return scaled.BigInt().Uint64(), nil
}
