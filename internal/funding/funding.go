// Package funding implements the two time-driven fee streams: the borrow
// fee, charged on leveraged notional regardless of imbalance, and the
// funding fee, a transfer between the majority and minority side of open
// interest proportional to imbalance.
//
// There is no background job. Borrow fees are pure functions of stored
// snapshots and the current time; funding accrues into per-market
// accumulators that the vault advances whenever aggregate exposure is
// about to change.
//
// All monetary values use shopspring/decimal — never float64 for money.
package funding

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
	"github.com/perpex/margin-engine/internal/model"
)

// BorrowFee returns the borrow fee accrued by a position up to now.
// Monotonic and never negative:
//
//	fee = elapsedSeconds * ratePerHour/3600 * leveragedUSD / PERCENT_100
func BorrowFee(p *model.Position, now time.Time) decimal.Decimal {
	elapsed := now.Unix() - p.CreatedAt.Unix()
	if elapsed <= 0 || p.BorrowBaseRatePerHour.IsZero() {
		return decimal.Zero
	}
	perSecond := fixmath.MulDivTrunc(
		decimal.NewFromInt(elapsed), p.BorrowBaseRatePerHour, fixmath.SecondsPerHour)
	return fixmath.MulDivTrunc(perSecond, p.LeveragedUSD(), fixmath.Percent100)
}

// Rates returns the hourly funding rates for each side of a market,
// scaled by PERCENT_100. The NOI-heavy side pays a positive rate; the
// light side receives, its (negative) rate scaled up by the exposure
// ratio so the USD amounts balance.
func Rates(m *model.Market) (longRate, shortRate decimal.Decimal) {
	noi := m.TotalLongsAsset.Sub(m.TotalShortsAsset).Abs()
	if m.DepthAsset.IsZero() || m.Fees.FundingBaseRatePerHour.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	imbalance := fixmath.MulDivTrunc(noi, fixmath.ScalingFactor, m.DepthAsset)
	rate := fixmath.MulDivTrunc(m.Fees.FundingBaseRatePerHour, imbalance, fixmath.ScalingFactor)

	if m.TotalLongsAsset.GreaterThanOrEqual(m.TotalShortsAsset) {
		longRate = rate
		if m.TotalShortsAsset.IsPositive() {
			shortRate = fixmath.MulDivTrunc(rate.Neg(), m.TotalLongsAsset, m.TotalShortsAsset)
		}
		return longRate, shortRate
	}
	shortRate = rate
	if m.TotalLongsAsset.IsPositive() {
		longRate = fixmath.MulDivTrunc(rate.Neg(), m.TotalShortsAsset, m.TotalLongsAsset)
	}
	return longRate, shortRate
}

// Advance rolls the market's funding accumulators forward to now at the
// given asset price. Must be called, under the market lock, before any
// change to aggregate exposure so the elapsed interval is charged at the
// imbalance that actually held during it.
func Advance(m *model.Market, assetPrice decimal.Decimal, now time.Time) {
	defer func() { m.LastFundingUpdateTime = now }()

	elapsed := now.Unix() - m.LastFundingUpdateTime.Unix()
	if elapsed <= 0 {
		return
	}
	longRate, shortRate := Rates(m)
	dt := decimal.NewFromInt(elapsed)

	m.Funding.AccLongUSDFundingPerShare = m.Funding.AccLongUSDFundingPerShare.
		Add(accPerShareDelta(longRate, m.TotalLongsAsset, assetPrice, dt))
	m.Funding.AccShortUSDFundingPerShare = m.Funding.AccShortUSDFundingPerShare.
		Add(accPerShareDelta(shortRate, m.TotalShortsAsset, assetPrice, dt))
}

// accPerShareDelta converts one side's hourly rate into the accumulator
// increment for dt seconds: first the funding amount in asset units
// (scaled by SCALING_FACTOR), then to USD at the current price, then per
// asset share.
func accPerShareDelta(rate, sideTotal, assetPrice, dt decimal.Decimal) decimal.Decimal {
	if rate.IsZero() || sideTotal.IsZero() {
		return decimal.Zero
	}
	fundingAsset := fixmath.MulDivFloor(rate.Mul(sideTotal), fixmath.ScalingFactor, fixmath.Percent100)
	fundingAsset = fixmath.MulDivFloor(fundingAsset, dt, fixmath.SecondsPerHour)
	fundingUSD := fixmath.MulDivFloor(fundingAsset, assetPrice, fixmath.PriceDecimals)
	return fixmath.DivFloor(fundingUSD, sideTotal)
}

// PositionFundingFee returns the funding owed by (positive) or to
// (negative) a position, from the accumulator delta since open applied
// to the position's asset size.
func PositionFundingFee(p *model.Position, m *model.Market) decimal.Decimal {
	delta := m.AccFundingPerShare(p.PositionType).Sub(p.AccFundingPerShareAtOpen)
	if delta.IsZero() {
		return decimal.Zero
	}
	return fixmath.MulDivFloor(delta, p.SizeAsset(), fixmath.ScalingFactor)
}
