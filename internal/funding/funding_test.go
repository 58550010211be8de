package funding

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/model"
)

func di(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// 100 USDT net collateral at 1x: leveraged notional 100 USDT.
func testPosition() *model.Position {
	return &model.Position{
		PositionType:          model.Long,
		InitialCollateral:     di(100_000_000),
		OpenFee:               decimal.Zero,
		Leverage:              di(100),
		OpenPrice:             decimal.New(2000, 8),
		BorrowBaseRatePerHour: decimal.New(1, 8), // 0.01% per hour
		CreatedAt:             t0,
	}
}

// --- borrow fee tests ---

func TestBorrowFee_ExactAfterOneHour(t *testing.T) {
	p := testPosition()
	// 0.01%/h on 100 USDT for one hour = 0.01 USDT
	got := BorrowFee(p, t0.Add(time.Hour))
	if !got.Equal(di(10_000)) {
		t.Errorf("borrow fee = %s, want 10000", got)
	}
}

func TestBorrowFee_MonotonicAndZeroBeforeOpen(t *testing.T) {
	p := testPosition()
	if got := BorrowFee(p, t0); !got.IsZero() {
		t.Errorf("fee at open = %s, want 0", got)
	}
	if got := BorrowFee(p, t0.Add(-time.Minute)); !got.IsZero() {
		t.Errorf("fee before open = %s, want 0", got)
	}
	oneHour := BorrowFee(p, t0.Add(time.Hour))
	twoHours := BorrowFee(p, t0.Add(2*time.Hour))
	if !twoHours.GreaterThan(oneHour) {
		t.Errorf("fee must accrue: 1h=%s 2h=%s", oneHour, twoHours)
	}
}

// --- funding rate tests ---

func TestRates_HeavySidePaysLightSideReceives(t *testing.T) {
	m := &model.Market{
		TotalLongsAsset:  di(600),
		TotalShortsAsset: di(400),
		DepthAsset:       di(10_000),
		Fees:             model.Fees{FundingBaseRatePerHour: decimal.New(1, 9)},
	}
	longRate, shortRate := Rates(m)
	if !longRate.Equal(di(20_000_000)) {
		t.Errorf("long rate = %s, want 2e7", longRate)
	}
	if !shortRate.Equal(di(-30_000_000)) {
		t.Errorf("short rate = %s, want -3e7", shortRate)
	}
	// paid and received USD amounts balance
	paid := longRate.Mul(m.TotalLongsAsset)
	received := shortRate.Mul(m.TotalShortsAsset)
	if !paid.Add(received).IsZero() {
		t.Errorf("rates do not balance: paid=%s received=%s", paid, received)
	}
}

func TestRates_BalancedBookIsFree(t *testing.T) {
	m := &model.Market{
		TotalLongsAsset:  di(500),
		TotalShortsAsset: di(500),
		DepthAsset:       di(10_000),
		Fees:             model.Fees{FundingBaseRatePerHour: decimal.New(1, 9)},
	}
	longRate, shortRate := Rates(m)
	if !longRate.IsZero() || !shortRate.IsZero() {
		t.Errorf("balanced book: long=%s short=%s, want 0/0", longRate, shortRate)
	}
}

// --- accumulator tests ---

func TestAdvance_AccruesIntoHeavySide(t *testing.T) {
	m := &model.Market{
		TotalLongsAsset:       di(1000),
		DepthAsset:            di(10_000),
		Fees:                  model.Fees{FundingBaseRatePerHour: decimal.New(1, 9)},
		LastFundingUpdateTime: t0,
	}
	now := t0.Add(time.Hour)
	Advance(m, decimal.New(2000, 8), now)

	if !m.Funding.AccLongUSDFundingPerShare.Equal(decimal.New(2, 17)) {
		t.Errorf("long accumulator = %s, want 2e17", m.Funding.AccLongUSDFundingPerShare)
	}
	if !m.Funding.AccShortUSDFundingPerShare.IsZero() {
		t.Errorf("short accumulator = %s, want 0 (empty side)", m.Funding.AccShortUSDFundingPerShare)
	}
	if !m.LastFundingUpdateTime.Equal(now) {
		t.Errorf("LastFundingUpdateTime = %s, want %s", m.LastFundingUpdateTime, now)
	}
}

func TestAdvance_NoElapsedTimeStillStampsClock(t *testing.T) {
	m := &model.Market{
		TotalLongsAsset:       di(1000),
		DepthAsset:            di(10_000),
		Fees:                  model.Fees{FundingBaseRatePerHour: decimal.New(1, 9)},
		LastFundingUpdateTime: t0,
	}
	Advance(m, decimal.New(2000, 8), t0)
	if !m.Funding.AccLongUSDFundingPerShare.IsZero() {
		t.Errorf("accumulator moved with zero elapsed: %s", m.Funding.AccLongUSDFundingPerShare)
	}
	if !m.LastFundingUpdateTime.Equal(t0) {
		t.Errorf("clock = %s, want %s", m.LastFundingUpdateTime, t0)
	}
}

func TestPositionFundingFee(t *testing.T) {
	m := &model.Market{
		TotalLongsAsset:       di(1000),
		DepthAsset:            di(10_000),
		Fees:                  model.Fees{FundingBaseRatePerHour: decimal.New(1, 9)},
		LastFundingUpdateTime: t0,
	}
	p := testPosition() // size 50_000 asset units at 2000

	if got := PositionFundingFee(p, m); !got.IsZero() {
		t.Errorf("fee before any accrual = %s, want 0", got)
	}

	Advance(m, decimal.New(2000, 8), t0.Add(time.Hour))
	// delta 2e17 per share on 50_000 asset units = 0.01 USDT
	if got := PositionFundingFee(p, m); !got.Equal(di(10_000)) {
		t.Errorf("funding fee = %s, want 10000", got)
	}
}
