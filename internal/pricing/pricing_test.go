package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
	"github.com/perpex/margin-engine/internal/model"
)

func di(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func spreadMarket() *model.Market {
	return &model.Market{
		DepthAsset: di(1_000_000),
		Fees: model.Fees{
			BaseSpreadRate:        decimal.New(1, 9), // 0.1%
			BaseDynamicSpreadRate: decimal.New(1, 10), // 1% at full depth
		},
	}
}

// --- dynamic spread tests ---

func TestDynamicSpread_ZeroOnLightSide(t *testing.T) {
	m := spreadMarket()
	m.TotalLongsAsset = di(100_000)

	got := DynamicSpread(m, di(100_000), model.Short)
	if !got.IsZero() {
		t.Errorf("spread opening against the heavy side = %s, want 0", got)
	}
}

func TestDynamicSpread_IncreasesWithSameSideExposure(t *testing.T) {
	m := spreadMarket()

	first := DynamicSpread(m, di(100_000), model.Long)
	// half the new size counts: noi = 50_000
	want := fixmath.MulDivTrunc(di(50_000), m.Fees.BaseDynamicSpreadRate, m.DepthAsset)
	if !first.Equal(want) {
		t.Errorf("first spread = %s, want %s", first, want)
	}

	m.TotalLongsAsset = di(100_000)
	second := DynamicSpread(m, di(100_000), model.Long)
	if !second.GreaterThan(first) {
		t.Errorf("spread must grow with same-side exposure: first=%s second=%s", first, second)
	}
}

// --- execution price tests ---

func TestOpenPrice_AppliesSpreadAgainstTrader(t *testing.T) {
	raw := decimal.New(1000, 8)
	spread := decimal.New(1, 10) // 1%

	long := OpenPrice(raw, model.Long, spread)
	if !long.Equal(decimal.New(1010, 8)) {
		t.Errorf("long open price = %s, want 1010e8", long)
	}
	short := OpenPrice(raw, model.Short, spread)
	if !short.Equal(decimal.New(990, 8)) {
		t.Errorf("short open price = %s, want 990e8", short)
	}
}

func TestClosePrice_AppliesSpreadAgainstTrader(t *testing.T) {
	raw := decimal.New(1000, 8)
	spread := decimal.New(1, 10)

	long := ClosePrice(raw, model.Long, spread)
	if !long.Equal(decimal.New(990, 8)) {
		t.Errorf("long close price = %s, want 990e8", long)
	}
	short := ClosePrice(raw, model.Short, spread)
	if !short.Equal(decimal.New(1010, 8)) {
		t.Errorf("short close price = %s, want 1010e8", short)
	}
}

func TestInverseSpread_UndoesClosePrice(t *testing.T) {
	raw := decimal.New(1000, 8)
	spread := decimal.New(1, 10)

	for _, pt := range []model.PositionType{model.Long, model.Short} {
		adjusted := ClosePrice(raw, pt, spread)
		back := InverseSpread(adjusted, pt, spread)
		// truncation may lose up to one raw unit
		if back.Sub(raw).Abs().GreaterThan(di(1)) {
			t.Errorf("%s: InverseSpread(ClosePrice(%s)) = %s", pt, raw, back)
		}
	}
}

// --- slippage tests ---

func TestCheckSlippage(t *testing.T) {
	price := decimal.New(1005, 8)
	expected := decimal.New(1000, 8)
	onePercent := decimal.New(1, 10)

	if err := CheckSlippage(price, expected, onePercent); err != nil {
		t.Errorf("0.5%% deviation within 1%% budget: %v", err)
	}
	if err := CheckSlippage(decimal.New(1011, 8), expected, onePercent); !errors.Is(err, ErrSlippageExceeded) {
		t.Errorf("1.1%% deviation: got %v, want ErrSlippageExceeded", err)
	}
	if err := CheckSlippage(price, decimal.Zero, onePercent); !errors.Is(err, ErrSlippageExceeded) {
		t.Errorf("zero expected price: got %v, want ErrSlippageExceeded", err)
	}
	if err := CheckSlippage(expected, expected, decimal.Zero); err != nil {
		t.Errorf("exact match with zero budget: %v", err)
	}
}
