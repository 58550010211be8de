// Package ledger owns the per-account position book: creating positions
// from fills, pending limit/stop orders, collateral edits, trigger
// management, and the position view computation (PnL, fees owed,
// liquidation price). Everything here is pure account/position state;
// pool and market mutations belong to the vault.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
	"github.com/perpex/margin-engine/internal/funding"
	"github.com/perpex/margin-engine/internal/model"
	"github.com/perpex/margin-engine/internal/pricing"
	"github.com/perpex/margin-engine/internal/registry"
)

// CurrentAccountVersion is the schema version new accounts are created
// at. Accounts below it must go through MigrateAccount before mutating
// operations are accepted.
const CurrentAccountVersion uint32 = 2

var (
	// ErrPositionNotFound is returned when a position key does not
	// exist on the account. In batch contexts it means the position was
	// already closed or liquidated: a per-entry skip, not fatal.
	ErrPositionNotFound = errors.New("ledger: position not found")

	// ErrOrderNotFound is returned for an unknown pending order key.
	ErrOrderNotFound = errors.New("ledger: limit order not found")

	// ErrInsufficientCollateral is returned when collateral does not
	// even cover the open fee.
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")

	// ErrCollateralBelowMinimum is returned when removing collateral
	// would leave nothing working for the position.
	ErrCollateralBelowMinimum = errors.New("ledger: collateral below minimum")

	// ErrOutdatedVersion is returned when the account schema version is
	// behind the engine; the account must be upgraded first.
	ErrOutdatedVersion = errors.New("ledger: account version outdated")

	// ErrTriggerNotSet is returned when firing a trigger that was never
	// attached.
	ErrTriggerNotSet = errors.New("ledger: trigger not set")

	// ErrTriggerNotReached is returned when the supplied price has not
	// crossed the trigger. Per-entry skip in keeper batches.
	ErrTriggerNotReached = errors.New("ledger: trigger price not reached")
)

// NewAccount creates a fresh account at the current schema version.
func NewAccount(user, referrer, grandReferrer string, now time.Time) *model.Account {
	return &model.Account{
		User:            user,
		Version:         CurrentAccountVersion,
		Referrer:        referrer,
		GrandReferrer:   grandReferrer,
		ReferralBalance: decimal.Zero,
		Positions:       make(map[uint64]*model.Position),
		LimitOrders:     make(map[uint64]*model.LimitOrder),
		CreatedAt:       now,
	}
}

// CheckVersion gates mutating operations on the account schema version.
func CheckVersion(acc *model.Account) error {
	if acc.Version != CurrentAccountVersion {
		return ErrOutdatedVersion
	}
	return nil
}

// MigrateAccount upgrades an account through each version transition up
// to the current schema. Returns true if anything changed.
func MigrateAccount(acc *model.Account) bool {
	migrated := false
	for acc.Version < CurrentAccountVersion {
		switch acc.Version {
		case 0:
			// v0 predates the pending-order book.
			if acc.LimitOrders == nil {
				acc.LimitOrders = make(map[uint64]*model.LimitOrder)
			}
		case 1:
			// v1 predates grand-referrer resolution; existing accounts
			// keep an empty link until their referrer chain is re-read.
		}
		acc.Version++
		migrated = true
	}
	return migrated
}

// OpenFee computes the open fee from the order's leveraged notional.
func OpenFee(collateral, leverage, openFeeRate decimal.Decimal) decimal.Decimal {
	notional := fixmath.MulDivTrunc(collateral, leverage, fixmath.LeverageBase)
	return fixmath.MulDivTrunc(notional, openFeeRate, fixmath.Percent100)
}

// OpenPosition inserts a new position built from an executed fill,
// snapshotting the rates that fix its economics. The open fee must
// already be computed (it depends only on collateral, leverage and the
// market's open fee rate) and must be strictly less than collateral.
func OpenPosition(acc *model.Account, m *model.Market, posType model.PositionType,
	collateral, openFee, leverage, openPrice decimal.Decimal,
	stopLoss, takeProfit *model.Trigger, now time.Time) (*model.Position, error) {

	if !collateral.IsPositive() || collateral.LessThanOrEqual(openFee) {
		return nil, ErrInsufficientCollateral
	}

	p := &model.Position{
		Key:                      acc.NextKey(),
		MarketIdx:                m.Idx,
		PositionType:             posType,
		InitialCollateral:        collateral,
		OpenFee:                  openFee,
		OpenPrice:                openPrice,
		Leverage:                 leverage,
		BorrowBaseRatePerHour:    m.Fees.BorrowBaseRatePerHour,
		BaseSpreadRate:           m.Fees.BaseSpreadRate,
		CloseFeeRate:             m.Fees.CloseFeeRate,
		AccFundingPerShareAtOpen: m.AccFundingPerShare(posType),
		StopLoss:                 stopLoss,
		TakeProfit:               takeProfit,
		CreatedAt:                now,
	}
	acc.Positions[p.Key] = p
	return p, nil
}

// View computes the full read-model for a position at assetPrice and
// now: lazily-accrued borrow and funding fees, spread-adjusted close
// price, PnL, and the quotable liquidation price. The market's funding
// accumulators must already be advanced to now.
func View(p *model.Position, m *model.Market, assetPrice decimal.Decimal, now time.Time) model.PositionView {
	borrowFee := funding.BorrowFee(p, now)
	fundingFee := funding.PositionFundingFee(p, m)
	closePrice := pricing.ClosePrice(assetPrice, p.PositionType, p.BaseSpreadRate)

	leveragedUSD := p.LeveragedUSD()

	// pnl = (closePrice/openPrice - 1) * sign * leveragedUSD, carried
	// through SCALING_FACTOR and floored at the final division.
	ratio := fixmath.MulDivTrunc(closePrice, fixmath.ScalingFactor, p.OpenPrice).
		Sub(fixmath.ScalingFactor)
	if p.PositionType == model.Short {
		ratio = ratio.Neg()
	}
	pnl := fixmath.MulDivFloor(ratio, leveragedUSD, fixmath.ScalingFactor)

	liqPrice := LiquidationPrice(p, borrowFee, fundingFee)

	liquidate := false
	if p.PositionType == model.Long {
		liquidate = assetPrice.LessThanOrEqual(liqPrice)
	} else {
		liquidate = assetPrice.GreaterThanOrEqual(liqPrice)
	}

	return model.PositionView{
		Position:         p,
		ViewTime:         now,
		BorrowFee:        borrowFee,
		FundingFee:       fundingFee,
		ClosePrice:       closePrice,
		PnL:              pnl,
		LiquidationPrice: liqPrice,
		Liquidate:        liquidate,
	}
}

// LiquidationPrice derives the quotable liquidation trigger: the open
// price moved by the distance that erodes 90% of net collateral after
// fees, mapped back through the base spread. Accrued fees consume the
// buffer, so the trigger walks toward the open price over time.
func LiquidationPrice(p *model.Position, borrowFee, fundingFee decimal.Decimal) decimal.Decimal {
	colUp := p.NetCollateral()
	leveragedUSD := p.LeveragedUSD()
	if !leveragedUSD.IsPositive() {
		return decimal.Zero
	}

	buffer := fixmath.MulDivFloor(colUp, decimal.NewFromInt(9), decimal.NewFromInt(10)).
		Sub(borrowFee).Sub(fundingFee)
	dist := fixmath.MulDivFloor(p.OpenPrice, buffer, leveragedUSD)

	var raw decimal.Decimal
	if p.PositionType == model.Long {
		raw = p.OpenPrice.Sub(dist)
	} else {
		raw = p.OpenPrice.Add(dist)
	}
	return pricing.InverseSpread(raw, p.PositionType, p.BaseSpreadRate)
}

// CloseFee charges the close fee rate on the settled notional: leveraged
// USD plus PnL minus accrued fees, floored at zero.
func CloseFee(p *model.Position, pnl, borrowFee, fundingFee decimal.Decimal) decimal.Decimal {
	settled := fixmath.Clamp0(p.LeveragedUSD().Add(pnl).Sub(borrowFee).Sub(fundingFee))
	return fixmath.MulDivTrunc(settled, p.CloseFeeRate, fixmath.Percent100)
}

// AddCollateral adds margin to a position, recomputing leverage so the
// leveraged notional is preserved.
func AddCollateral(p *model.Position, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrCollateralBelowMinimum
	}
	leveragedUSD := p.LeveragedUSD()
	newCol := p.NetCollateral().Add(amount)
	p.InitialCollateral = p.InitialCollateral.Add(amount)
	p.Leverage = fixmath.MulDivTrunc(leveragedUSD, fixmath.LeverageBase, newCol)
	return nil
}

// RemoveCollateral withdraws margin, recomputing leverage under the same
// preserved-notional rule. Fails if nothing would remain working for the
// position or the new leverage exceeds the market cap.
func RemoveCollateral(p *model.Position, m *model.Market, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrCollateralBelowMinimum
	}
	newCol := p.NetCollateral().Sub(amount)
	if !newCol.IsPositive() {
		return ErrCollateralBelowMinimum
	}
	leveragedUSD := p.LeveragedUSD()
	newLeverage := fixmath.MulDivTrunc(leveragedUSD, fixmath.LeverageBase, newCol)
	if newLeverage.GreaterThan(m.MaxLeverage) {
		return registry.ErrLeverageTooHigh
	}
	p.InitialCollateral = p.InitialCollateral.Sub(amount)
	p.Leverage = newLeverage
	return nil
}

// SetTriggers attaches or updates stop-loss / take-profit triggers. A
// nil pointer leaves the corresponding trigger untouched.
func SetTriggers(p *model.Position, stopLoss, takeProfit *model.Trigger) {
	if stopLoss != nil {
		p.StopLoss = stopLoss
	}
	if takeProfit != nil {
		p.TakeProfit = takeProfit
	}
}

// RemoveTriggers detaches the selected triggers.
func RemoveTriggers(p *model.Position, stopLoss, takeProfit bool) {
	if stopLoss {
		p.StopLoss = nil
	}
	if takeProfit {
		p.TakeProfit = nil
	}
}

// TriggerState reports whether the given trigger is armed and crossed at
// the raw price. The returned trigger price is where the close executes.
func TriggerState(p *model.Position, t model.TriggerType, rawPrice decimal.Decimal) (decimal.Decimal, error) {
	var trig *model.Trigger
	if t == model.StopLoss {
		trig = p.StopLoss
	} else {
		trig = p.TakeProfit
	}
	if trig == nil {
		return decimal.Zero, ErrTriggerNotSet
	}

	crossed := false
	switch {
	case t == model.StopLoss && p.PositionType == model.Long:
		crossed = rawPrice.LessThanOrEqual(trig.TriggerPrice)
	case t == model.StopLoss && p.PositionType == model.Short:
		crossed = rawPrice.GreaterThanOrEqual(trig.TriggerPrice)
	case t == model.TakeProfit && p.PositionType == model.Long:
		crossed = rawPrice.GreaterThanOrEqual(trig.TriggerPrice)
	case t == model.TakeProfit && p.PositionType == model.Short:
		crossed = rawPrice.LessThanOrEqual(trig.TriggerPrice)
	}
	if !crossed {
		return decimal.Zero, ErrTriggerNotReached
	}
	return trig.TriggerPrice, nil
}

// PlaceLimitOrder inserts a pending limit/stop order holding the given
// collateral.
func PlaceLimitOrder(acc *model.Account, m *model.Market, posType model.PositionType,
	orderType model.LimitOrderType, triggerPrice, collateral, leverage decimal.Decimal,
	stopLoss, takeProfit *model.Trigger, now time.Time) (*model.LimitOrder, error) {

	if !collateral.IsPositive() {
		return nil, ErrInsufficientCollateral
	}
	o := &model.LimitOrder{
		Key:          acc.NextKey(),
		MarketIdx:    m.Idx,
		PositionType: posType,
		OrderType:    orderType,
		TriggerPrice: triggerPrice,
		Collateral:   collateral,
		Leverage:     leverage,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		State:        model.OrderPending,
		CreatedAt:    now,
	}
	acc.LimitOrders[o.Key] = o
	return o, nil
}

// OrderTriggered reports whether the raw price has crossed a pending
// order's trigger in its configured direction. Limit orders fill when
// price reaches the trigger from the favorable side; stop orders fill on
// breakout, opening at the worse price.
func OrderTriggered(o *model.LimitOrder, rawPrice decimal.Decimal) bool {
	if o.OrderType == model.Limit {
		if o.PositionType == model.Long {
			return rawPrice.LessThanOrEqual(o.TriggerPrice)
		}
		return rawPrice.GreaterThanOrEqual(o.TriggerPrice)
	}
	if o.PositionType == model.Long {
		return rawPrice.GreaterThanOrEqual(o.TriggerPrice)
	}
	return rawPrice.LessThanOrEqual(o.TriggerPrice)
}
