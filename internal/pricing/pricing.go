// Package pricing computes execution prices: the fixed base spread plus a
// dynamic component driven by net open interest, applied against the
// trader on both entry and exit. The dynamic spread is the vault's
// structural edge — the more one-sided a market gets, the worse the
// price for whoever deepens the imbalance.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
	"github.com/perpex/margin-engine/internal/model"
)

// ErrSlippageExceeded is returned when the execution price deviates from
// the caller's expected price by more than the allowed slippage rate.
// Transient: retry with a fresh price.
var ErrSlippageExceeded = errors.New("pricing: slippage exceeded")

// DynamicSpread returns the NOI-driven spread component for opening a
// position of positionSizeAsset on the given side. Half the new size
// counts toward the imbalance; negative NOI floors at zero.
//
//	newSideTotal = sideTotal + size/2
//	noi          = max(0, newSideTotal - oppositeTotal)
//	spread       = noi * baseDynamicSpreadRate / depthAsset
func DynamicSpread(m *model.Market, positionSizeAsset decimal.Decimal, posType model.PositionType) decimal.Decimal {
	half := positionSizeAsset.Div(decimal.NewFromInt(2)).Floor()
	newSide := m.SideTotal(posType).Add(half)
	noi := fixmath.Clamp0(newSide.Sub(m.SideTotal(posType.Opposite())))
	return fixmath.MulDivTrunc(noi, m.Fees.BaseDynamicSpreadRate, m.DepthAsset)
}

// OpenPrice applies the total spread against the trader at entry: longs
// buy above the raw price, shorts sell below it.
func OpenPrice(rawPrice decimal.Decimal, posType model.PositionType, totalSpread decimal.Decimal) decimal.Decimal {
	if posType == model.Long {
		return fixmath.MulDivTrunc(rawPrice, fixmath.Percent100.Add(totalSpread), fixmath.Percent100)
	}
	return fixmath.MulDivTrunc(rawPrice, fixmath.Percent100.Sub(totalSpread), fixmath.Percent100)
}

// ClosePrice applies the base spread against the trader at exit: longs
// sell below the raw price, shorts buy above it. Exit pricing carries no
// dynamic component.
func ClosePrice(rawPrice decimal.Decimal, posType model.PositionType, baseSpread decimal.Decimal) decimal.Decimal {
	if posType == model.Long {
		return fixmath.MulDivTrunc(rawPrice, fixmath.Percent100.Sub(baseSpread), fixmath.Percent100)
	}
	return fixmath.MulDivTrunc(rawPrice, fixmath.Percent100.Add(baseSpread), fixmath.Percent100)
}

// InverseSpread maps a spread-adjusted exit threshold back into raw
// quotable price space. Used to express the liquidation trigger as a
// price an external observer can compare against the feed.
func InverseSpread(price decimal.Decimal, posType model.PositionType, baseSpread decimal.Decimal) decimal.Decimal {
	var adjusted decimal.Decimal
	if posType == model.Long {
		adjusted = fixmath.MulDivTrunc(price, fixmath.Percent100, fixmath.Percent100.Sub(baseSpread))
	} else {
		adjusted = fixmath.MulDivTrunc(price, fixmath.Percent100, fixmath.Percent100.Add(baseSpread))
	}
	return fixmath.Clamp0(adjusted)
}

// CheckSlippage validates the computed execution price against the
// caller's expectation. A zero maxSlippageRate demands an exact match.
func CheckSlippage(executionPrice, expectedPrice, maxSlippageRate decimal.Decimal) error {
	if expectedPrice.IsZero() {
		return ErrSlippageExceeded
	}
	diff := executionPrice.Sub(expectedPrice).Abs()
	allowed := fixmath.MulDivTrunc(expectedPrice, maxSlippageRate, fixmath.Percent100)
	if diff.GreaterThan(allowed) {
		return ErrSlippageExceeded
	}
	return nil
}
