package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/model"
)

func di(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func validMarket() *model.Market {
	return &model.Market{
		Ticker:       "TON/USDT",
		MaxLongsUSD:  di(1_000_000_000_000), // 1M USDT
		MaxShortsUSD: di(1_000_000_000_000),
		MaxLeverage:  di(10_000), // 100x
		DepthAsset:   di(1_000_000),
		Fees: model.Fees{
			OpenFeeRate:  decimal.New(1, 9),
			CloseFeeRate: decimal.New(1, 9),
		},
	}
}

// --- config validation tests ---

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(validMarket()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*model.Market)
	}{
		{"negative fee rate", func(m *model.Market) { m.Fees.OpenFeeRate = di(-1) }},
		{"rate at 100%", func(m *model.Market) { m.Fees.CloseFeeRate = decimal.New(1, 12) }},
		{"zero max leverage", func(m *model.Market) { m.MaxLeverage = decimal.Zero }},
		{"zero depth", func(m *model.Market) { m.DepthAsset = decimal.Zero }},
		{"zero long cap", func(m *model.Market) { m.MaxLongsUSD = decimal.Zero }},
		{"negative noi weight", func(m *model.Market) { m.NoiWeight = di(-1) }},
		{"inverted working hours", func(m *model.Market) {
			m.WorkingHours = []model.WorkingHours{{Day: time.Monday, FromHour: 18, ToHour: 9}}
		}},
		{"hours past midnight", func(m *model.Market) {
			m.WorkingHours = []model.WorkingHours{{Day: time.Monday, FromHour: 9, ToHour: 25}}
		}},
	}
	for _, tc := range cases {
		m := validMarket()
		tc.mutate(m)
		if err := ValidateConfig(m); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: got %v, want ErrInvalidConfig", tc.name, err)
		}
	}
}

// --- admission tests ---

func TestCheckPositionAllowed(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) // Monday noon UTC
	price := decimal.New(1000, 8)
	collateral := di(100_000_000) // 100 USDT

	m := validMarket()
	if err := CheckPositionAllowed(m, di(1000), collateral, model.Long, price, now); err != nil {
		t.Fatalf("plain order rejected: %v", err)
	}

	m = validMarket()
	m.Paused = true
	if err := CheckPositionAllowed(m, di(1000), collateral, model.Long, price, now); !errors.Is(err, ErrMarketPaused) {
		t.Errorf("paused market: got %v", err)
	}

	m = validMarket()
	if err := CheckPositionAllowed(m, di(10_100), collateral, model.Long, price, now); !errors.Is(err, ErrLeverageTooHigh) {
		t.Errorf("101x on a 100x market: got %v", err)
	}
	if err := CheckPositionAllowed(m, decimal.Zero, collateral, model.Long, price, now); !errors.Is(err, ErrLeverageTooHigh) {
		t.Errorf("zero leverage: got %v", err)
	}

	m = validMarket()
	m.ScheduleEnabled = true
	m.WorkingHours = []model.WorkingHours{{Day: time.Monday, FromHour: 9, ToHour: 17}}
	if err := CheckPositionAllowed(m, di(1000), collateral, model.Long, price, now.Add(12*time.Hour)); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("Monday midnight on a 9-17 market: got %v", err)
	}

	// existing exposure 999_500 USDT, order adds 1000 USDT against a 1M cap
	m = validMarket()
	m.TotalLongsAsset = di(999_500_000) // 999_500 USDT of asset at price 1000
	if err := CheckPositionAllowed(m, di(1000), collateral, model.Long, price, now); !errors.Is(err, ErrMarketCapExceeded) {
		t.Errorf("cap overflow: got %v", err)
	}
	// the short side cap is independent
	if err := CheckPositionAllowed(m, di(1000), collateral, model.Short, price, now); err != nil {
		t.Errorf("short side should be unaffected: %v", err)
	}
}

// --- schedule tests ---

func TestIsOpen(t *testing.T) {
	m := validMarket()
	m.ScheduleEnabled = true
	m.WorkingHours = []model.WorkingHours{
		{Day: time.Monday, FromHour: 9, ToHour: 17},
		{Day: time.Friday, FromHour: 0, ToHour: 24},
	}

	at := func(day int, hour int) time.Time {
		// 2024-06-03 is a Monday
		return time.Date(2024, 6, 3+day, hour, 30, 0, 0, time.UTC)
	}

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"monday mid-session", at(0, 12), true},
		{"monday open boundary", at(0, 9), true},
		{"monday close boundary", at(0, 17), false},
		{"monday before open", at(0, 8), false},
		{"tuesday", at(1, 12), false},
		{"friday midnight", at(4, 0), true},
		{"friday late", at(4, 23), true},
	}
	for _, tc := range cases {
		if got := IsOpen(m, tc.now); got != tc.want {
			t.Errorf("%s: IsOpen = %v, want %v", tc.name, got, tc.want)
		}
	}

	m.ScheduleEnabled = false
	if !IsOpen(m, at(1, 3)) {
		t.Error("schedule disabled must mean always open")
	}
}

// --- exposure tests ---

func TestUpdateExposure_ClampsAtZero(t *testing.T) {
	m := validMarket()
	UpdateExposure(m, model.Long, di(500))
	if !m.TotalLongsAsset.Equal(di(500)) {
		t.Fatalf("long total = %s, want 500", m.TotalLongsAsset)
	}
	UpdateExposure(m, model.Long, di(-700))
	if !m.TotalLongsAsset.IsZero() {
		t.Errorf("over-subtraction must clamp to zero, got %s", m.TotalLongsAsset)
	}
	UpdateExposure(m, model.Short, di(300))
	if !m.TotalShortsAsset.Equal(di(300)) {
		t.Errorf("short total = %s, want 300", m.TotalShortsAsset)
	}
}
