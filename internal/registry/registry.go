// Package registry validates market configuration and guards the
// per-market exposure caps, leverage cap and trading schedule. All checks
// run before any state mutation; a rejected order leaves market counters
// untouched.
package registry

import (
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
	"github.com/perpex/margin-engine/internal/metrics"
	"github.com/perpex/margin-engine/internal/model"
)

var (
	// ErrInvalidConfig is returned when a market config carries a fee
	// rate, leverage or cap outside the allowed numeric range.
	ErrInvalidConfig = errors.New("registry: invalid market config")

	// ErrLeverageTooHigh is returned when requested leverage exceeds the
	// market's cap.
	ErrLeverageTooHigh = errors.New("registry: leverage exceeds market maximum")

	// ErrMarketCapExceeded is returned when an order would push one
	// side's exposure beyond the configured USD cap.
	ErrMarketCapExceeded = errors.New("registry: market exposure cap exceeded")

	// ErrMarketClosed is returned when the market's schedule says
	// trading is off right now.
	ErrMarketClosed = errors.New("registry: market closed")

	// ErrMarketPaused is returned for a soft-disabled market.
	ErrMarketPaused = errors.New("registry: market paused")
)

// ValidateConfig rejects out-of-range market parameters before a market
// is created.
func ValidateConfig(m *model.Market) error {
	rates := []decimal.Decimal{
		m.Fees.OpenFeeRate,
		m.Fees.CloseFeeRate,
		m.Fees.BaseSpreadRate,
		m.Fees.BaseDynamicSpreadRate,
		m.Fees.BorrowBaseRatePerHour,
		m.Fees.FundingBaseRatePerHour,
	}
	for _, r := range rates {
		if r.IsNegative() || r.GreaterThanOrEqual(fixmath.Percent100) {
			return ErrInvalidConfig
		}
	}
	if !m.MaxLeverage.IsPositive() || !m.DepthAsset.IsPositive() {
		return ErrInvalidConfig
	}
	if !m.MaxLongsUSD.IsPositive() || !m.MaxShortsUSD.IsPositive() {
		return ErrInvalidConfig
	}
	if m.NoiWeight.IsNegative() {
		return ErrInvalidConfig
	}
	for _, wh := range m.WorkingHours {
		if wh.FromHour < 0 || wh.ToHour > 24 || wh.FromHour >= wh.ToHour {
			return ErrInvalidConfig
		}
	}
	return nil
}

// CheckPositionAllowed rejects an order before any state changes:
// leverage cap, schedule, pause flag, and the exposure cap the order
// would grow its side to. price is the execution price; the exposure
// delta is the order's leveraged USD notional.
func CheckPositionAllowed(m *model.Market, leverage, collateral decimal.Decimal, posType model.PositionType, price decimal.Decimal, now time.Time) error {
	if m.Paused {
		return ErrMarketPaused
	}
	if leverage.GreaterThan(m.MaxLeverage) || !leverage.IsPositive() {
		return ErrLeverageTooHigh
	}
	if !IsOpen(m, now) {
		return ErrMarketClosed
	}

	notional := fixmath.MulDivTrunc(collateral, leverage, fixmath.LeverageBase)
	sideAsset := m.SideTotal(posType)
	sideUSD := fixmath.MulDivTrunc(sideAsset, price, fixmath.PriceDecimals)
	cap := m.MaxLongsUSD
	if posType == model.Short {
		cap = m.MaxShortsUSD
	}
	if sideUSD.Add(notional).GreaterThan(cap) {
		return ErrMarketCapExceeded
	}
	return nil
}

// IsOpen evaluates the weekly UTC schedule. Markets without a schedule
// are always open.
func IsOpen(m *model.Market, now time.Time) bool {
	if !m.ScheduleEnabled || len(m.WorkingHours) == 0 {
		return true
	}
	now = now.UTC()
	for _, wh := range m.WorkingHours {
		if wh.Day == now.Weekday() && now.Hour() >= wh.FromHour && now.Hour() < wh.ToHour {
			return true
		}
	}
	return false
}

// UpdateExposure adjusts one side's aggregate exposure by deltaAsset.
// The total floors at zero: an over-subtraction indicates an accounting
// bug upstream, so it is reported loudly rather than silently absorbed,
// but the batch-style callers must keep completing, so it does not abort.
func UpdateExposure(m *model.Market, posType model.PositionType, deltaAsset decimal.Decimal) {
	total := m.SideTotal(posType).Add(deltaAsset)
	if total.IsNegative() {
		slog.Error("exposure underflow clamped",
			"market", m.Idx,
			"side", posType.String(),
			"total", m.SideTotal(posType).String(),
			"delta", deltaAsset.String(),
		)
		metrics.ExposureClampTotal.Inc()
		total = decimal.Zero
	}
	if posType == model.Long {
		m.TotalLongsAsset = total
	} else {
		m.TotalShortsAsset = total
	}
}
