// Package fixmath provides exact integer arithmetic for the fixed-point
// amounts used across the engine. Amounts are integer-valued
// shopspring/decimal values in raw on-chain units; all multiply-then-divide
// steps go through math/big so quotients are exact, since decimal division
// is precision-bounded and products here reach 10^25 scale.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fixmath

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Rate and amount scales. Rates are fixed-point integers scaled by
// Percent100; funding accumulators by ScalingFactor; prices carry 8
// decimals and USDT-equivalent amounts 6.
var (
	// Percent100 is 100% for every fee/rate field (10^12).
	Percent100 = decimal.New(1, 12)

	// ScalingFactor scales funding accumulators and PnL ratios (10^18).
	ScalingFactor = decimal.New(1, 18)

	// PriceDecimals is the price scale (10^8).
	PriceDecimals = decimal.New(1, 8)

	// USDTDecimals is the collateral token scale (10^6).
	USDTDecimals = decimal.New(1, 6)

	// LeverageBase means leverage=100 is 1x, leverage=10000 is 100x.
	LeverageBase = decimal.NewFromInt(100)

	// SecondsPerHour converts per-hour rates to per-second accrual.
	SecondsPerHour = decimal.NewFromInt(3600)
)

// MulDivTrunc returns a*b/c truncated toward zero. Panics if c is zero,
// same as integer division would.
func MulDivTrunc(a, b, c decimal.Decimal) decimal.Decimal {
	p := new(big.Int).Mul(a.BigInt(), b.BigInt())
	q := new(big.Int).Quo(p, c.BigInt())
	return decimal.NewFromBigInt(q, 0)
}

// MulDivFloor returns a*b/c rounded toward negative infinity.
func MulDivFloor(a, b, c decimal.Decimal) decimal.Decimal {
	p := new(big.Int).Mul(a.BigInt(), b.BigInt())
	q, r := new(big.Int).QuoRem(p, c.BigInt(), new(big.Int))
	if r.Sign() != 0 && (p.Sign() < 0) != (c.BigInt().Sign() < 0) {
		q.Sub(q, big.NewInt(1))
	}
	return decimal.NewFromBigInt(q, 0)
}

// DivFloor returns a/c rounded toward negative infinity.
func DivFloor(a, c decimal.Decimal) decimal.Decimal {
	return MulDivFloor(a, decimal.NewFromInt(1), c)
}

// Clamp0 floors negative values at zero.
func Clamp0(a decimal.Decimal) decimal.Decimal {
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
