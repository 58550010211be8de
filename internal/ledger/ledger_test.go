package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/model"
	"github.com/perpex/margin-engine/internal/registry"
)

func di(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testMarket() *model.Market {
	return &model.Market{
		Idx:         3,
		Ticker:      "TON/USDT",
		MaxLeverage: di(10_000),
		DepthAsset:  di(1_000_000),
		Fees: model.Fees{
			OpenFeeRate:  decimal.New(1, 9), // 0.1%
			CloseFeeRate: decimal.New(1, 9),
		},
	}
}

// openTestPosition opens a 100 USDT, 1x long at 1000 with zero spread.
func openTestPosition(t *testing.T, acc *model.Account, m *model.Market, posType model.PositionType, leverage decimal.Decimal) *model.Position {
	t.Helper()
	collateral := di(100_000_000)
	fee := OpenFee(collateral, leverage, m.Fees.OpenFeeRate)
	p, err := OpenPosition(acc, m, posType, collateral, fee, leverage, decimal.New(1000, 8), nil, nil, t0)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	return p
}

// --- account lifecycle tests ---

func TestMigrateAccount(t *testing.T) {
	acc := &model.Account{User: "0:abc", Version: 0, Positions: map[uint64]*model.Position{}}
	if err := CheckVersion(acc); !errors.Is(err, ErrOutdatedVersion) {
		t.Fatalf("v0 account must be rejected, got %v", err)
	}
	if !MigrateAccount(acc) {
		t.Fatal("migration reported no change")
	}
	if acc.Version != CurrentAccountVersion {
		t.Errorf("version = %d, want %d", acc.Version, CurrentAccountVersion)
	}
	if acc.LimitOrders == nil {
		t.Error("v0 migration must allocate the order book")
	}
	if err := CheckVersion(acc); err != nil {
		t.Errorf("migrated account still rejected: %v", err)
	}
	if MigrateAccount(acc) {
		t.Error("second migration must be a no-op")
	}
}

func TestNewAccount(t *testing.T) {
	acc := NewAccount("0:abc", "0:ref", "0:grand", t0)
	if acc.Version != CurrentAccountVersion {
		t.Errorf("version = %d", acc.Version)
	}
	if acc.Referrer != "0:ref" || acc.GrandReferrer != "0:grand" {
		t.Errorf("referrer chain = %q/%q", acc.Referrer, acc.GrandReferrer)
	}
	if k := acc.NextKey(); k != 1 {
		t.Errorf("first key = %d, want 1", k)
	}
}

// --- open tests ---

func TestOpenPosition_RejectsCollateralBelowFee(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()
	_, err := OpenPosition(acc, m, model.Long, di(100), di(100), di(100), decimal.New(1000, 8), nil, nil, t0)
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("collateral == fee: got %v", err)
	}
	_, err = OpenPosition(acc, m, model.Long, decimal.Zero, decimal.Zero, di(100), decimal.New(1000, 8), nil, nil, t0)
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("zero collateral: got %v", err)
	}
}

func TestOpenPosition_SnapshotsMarketRates(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()
	m.Fees.BorrowBaseRatePerHour = decimal.New(1, 8)
	m.Fees.BaseSpreadRate = decimal.New(1, 9)
	m.Funding.AccLongUSDFundingPerShare = di(42)

	p := openTestPosition(t, acc, m, model.Long, di(100))
	if !p.BorrowBaseRatePerHour.Equal(m.Fees.BorrowBaseRatePerHour) {
		t.Errorf("borrow rate not snapshotted")
	}
	if !p.AccFundingPerShareAtOpen.Equal(di(42)) {
		t.Errorf("funding accumulator not snapshotted: %s", p.AccFundingPerShareAtOpen)
	}
	if acc.Positions[p.Key] != p {
		t.Error("position not inserted under its key")
	}
}

// --- view tests ---

func TestView_FlatPriceZeroFeesHasZeroPnL(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()
	p := openTestPosition(t, acc, m, model.Long, di(100))

	v := View(p, m, decimal.New(1000, 8), t0)
	if !v.PnL.IsZero() {
		t.Errorf("pnl at unchanged price with zero spread = %s, want 0", v.PnL)
	}
	if !v.BorrowFee.IsZero() || !v.FundingFee.IsZero() {
		t.Errorf("fees at open time = %s/%s, want 0/0", v.BorrowFee, v.FundingFee)
	}
	if v.Liquidate {
		t.Error("fresh position flagged liquidatable")
	}
}

func TestView_PnLDirection(t *testing.T) {
	accL := NewAccount("0:long", "", "", t0)
	accS := NewAccount("0:short", "", "", t0)
	m := testMarket()
	long := openTestPosition(t, accL, m, model.Long, di(100))
	short := openTestPosition(t, accS, m, model.Short, di(100))

	up := decimal.New(1100, 8)
	if v := View(long, m, up, t0); !v.PnL.IsPositive() {
		t.Errorf("long pnl on rally = %s", v.PnL)
	}
	if v := View(short, m, up, t0); !v.PnL.IsNegative() {
		t.Errorf("short pnl on rally = %s", v.PnL)
	}
	// 10% move on 1x, ~99.9 USDT notional: 9.99 USDT
	if v := View(long, m, up, t0); !v.PnL.Equal(di(9_990_000)) {
		t.Errorf("long pnl = %s, want 9990000", v.PnL)
	}
}

func TestLiquidationPrice_WalksTowardOpenAsFeesAccrue(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()
	p := openTestPosition(t, acc, m, model.Long, di(1000)) // 10x long

	prev := LiquidationPrice(p, decimal.Zero, decimal.Zero)
	if !prev.IsPositive() || !prev.LessThan(p.OpenPrice) {
		t.Fatalf("long liquidation price %s must sit below open %s", prev, p.OpenPrice)
	}
	for _, fee := range []int64{1_000_000, 5_000_000, 20_000_000} {
		liq := LiquidationPrice(p, di(fee), decimal.Zero)
		if !liq.GreaterThan(prev) {
			t.Errorf("borrow fee %d: liq price %s did not move toward open (prev %s)", fee, liq, prev)
		}
		prev = liq
	}
}

func TestLiquidationPrice_ShortSitsAboveOpen(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()
	p := openTestPosition(t, acc, m, model.Short, di(1000))

	liq := LiquidationPrice(p, decimal.Zero, decimal.Zero)
	if !liq.GreaterThan(p.OpenPrice) {
		t.Errorf("short liquidation price %s must sit above open %s", liq, p.OpenPrice)
	}
}

// --- collateral edit tests ---

func TestCollateralRoundTripRestoresLeverage(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()
	p := openTestPosition(t, acc, m, model.Long, di(1000)) // 10x

	notional := p.LeveragedUSD()
	// doubling net collateral halves leverage with no rounding
	amount := p.NetCollateral()

	if err := AddCollateral(p, amount); err != nil {
		t.Fatalf("AddCollateral: %v", err)
	}
	if !p.LeveragedUSD().Equal(notional) {
		t.Errorf("notional changed on add: %s -> %s", notional, p.LeveragedUSD())
	}
	if !p.Leverage.Equal(di(500)) {
		t.Errorf("leverage after add = %s, want 500", p.Leverage)
	}

	if err := RemoveCollateral(p, m, amount); err != nil {
		t.Fatalf("RemoveCollateral: %v", err)
	}
	if !p.Leverage.Equal(di(1000)) {
		t.Errorf("round trip leverage = %s, want 1000", p.Leverage)
	}
	if !p.LeveragedUSD().Equal(notional) {
		t.Errorf("round trip notional = %s, want %s", p.LeveragedUSD(), notional)
	}
}

func TestRemoveCollateral_Guards(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()
	p := openTestPosition(t, acc, m, model.Long, di(9000)) // 90x on a 100x market

	// removing everything leaves nothing working
	if err := RemoveCollateral(p, m, p.NetCollateral()); !errors.Is(err, ErrCollateralBelowMinimum) {
		t.Errorf("full removal: got %v", err)
	}
	// removing enough to push leverage past the cap
	if err := RemoveCollateral(p, m, di(50_000_000)); !errors.Is(err, registry.ErrLeverageTooHigh) {
		t.Errorf("cap breach: got %v", err)
	}
	if err := RemoveCollateral(p, m, di(-1)); !errors.Is(err, ErrCollateralBelowMinimum) {
		t.Errorf("negative amount: got %v", err)
	}
}

// --- trigger tests ---

func TestTriggerState_DirectionMatrix(t *testing.T) {
	m := testMarket()
	trig := &model.Trigger{TriggerPrice: decimal.New(1000, 8)}

	cases := []struct {
		name    string
		posType model.PositionType
		trigger model.TriggerType
		price   decimal.Decimal
		fired   bool
	}{
		{"long SL crossed below", model.Long, model.StopLoss, decimal.New(990, 8), true},
		{"long SL at trigger", model.Long, model.StopLoss, decimal.New(1000, 8), true},
		{"long SL above", model.Long, model.StopLoss, decimal.New(1010, 8), false},
		{"short SL crossed above", model.Short, model.StopLoss, decimal.New(1010, 8), true},
		{"short SL below", model.Short, model.StopLoss, decimal.New(990, 8), false},
		{"long TP crossed above", model.Long, model.TakeProfit, decimal.New(1010, 8), true},
		{"long TP below", model.Long, model.TakeProfit, decimal.New(990, 8), false},
		{"short TP crossed below", model.Short, model.TakeProfit, decimal.New(990, 8), true},
		{"short TP above", model.Short, model.TakeProfit, decimal.New(1010, 8), false},
	}
	for _, tc := range cases {
		acc := NewAccount("0:abc", "", "", t0)
		p := openTestPosition(t, acc, m, tc.posType, di(100))
		SetTriggers(p, trig, trig)

		price, err := TriggerState(p, tc.trigger, tc.price)
		if tc.fired {
			if err != nil {
				t.Errorf("%s: got %v, want fire", tc.name, err)
			} else if !price.Equal(trig.TriggerPrice) {
				t.Errorf("%s: execution price %s, want trigger price", tc.name, price)
			}
		} else if !errors.Is(err, ErrTriggerNotReached) {
			t.Errorf("%s: got %v, want ErrTriggerNotReached", tc.name, err)
		}
	}
}

func TestTriggerState_NotSet(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	p := openTestPosition(t, acc, testMarket(), model.Long, di(100))
	if _, err := TriggerState(p, model.StopLoss, decimal.New(900, 8)); !errors.Is(err, ErrTriggerNotSet) {
		t.Errorf("got %v, want ErrTriggerNotSet", err)
	}
}

func TestSetRemoveTriggers(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	p := openTestPosition(t, acc, testMarket(), model.Long, di(100))

	sl := &model.Trigger{TriggerPrice: decimal.New(900, 8)}
	tp := &model.Trigger{TriggerPrice: decimal.New(1200, 8)}
	SetTriggers(p, sl, nil)
	if p.StopLoss == nil || p.TakeProfit != nil {
		t.Fatal("nil take-profit must stay unset")
	}
	SetTriggers(p, nil, tp)
	if p.StopLoss != sl {
		t.Error("setting take-profit clobbered stop-loss")
	}
	RemoveTriggers(p, true, false)
	if p.StopLoss != nil || p.TakeProfit == nil {
		t.Error("selective removal failed")
	}
}

// --- pending order tests ---

func TestOrderTriggered_Matrix(t *testing.T) {
	trigger := decimal.New(1000, 8)
	below := decimal.New(990, 8)
	above := decimal.New(1010, 8)

	cases := []struct {
		name      string
		posType   model.PositionType
		orderType model.LimitOrderType
		price     decimal.Decimal
		fired     bool
	}{
		{"limit long fills on dip", model.Long, model.Limit, below, true},
		{"limit long waits above", model.Long, model.Limit, above, false},
		{"limit short fills on rally", model.Short, model.Limit, above, true},
		{"limit short waits below", model.Short, model.Limit, below, false},
		{"stop long fills on breakout", model.Long, model.Stop, above, true},
		{"stop long waits below", model.Long, model.Stop, below, false},
		{"stop short fills on breakdown", model.Short, model.Stop, below, true},
		{"stop short waits above", model.Short, model.Stop, above, false},
		{"fills at exact trigger", model.Long, model.Limit, trigger, true},
	}
	for _, tc := range cases {
		o := &model.LimitOrder{
			PositionType: tc.posType,
			OrderType:    tc.orderType,
			TriggerPrice: trigger,
		}
		if got := OrderTriggered(o, tc.price); got != tc.fired {
			t.Errorf("%s: triggered = %v, want %v", tc.name, got, tc.fired)
		}
	}
}

func TestPlaceLimitOrder(t *testing.T) {
	acc := NewAccount("0:abc", "", "", t0)
	m := testMarket()

	o, err := PlaceLimitOrder(acc, m, model.Long, model.Limit,
		decimal.New(950, 8), di(100_000_000), di(1000), nil, nil, t0)
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if o.State != model.OrderPending {
		t.Errorf("state = %d, want pending", o.State)
	}
	if acc.LimitOrders[o.Key] != o {
		t.Error("order not inserted under its key")
	}

	if _, err := PlaceLimitOrder(acc, m, model.Long, model.Limit,
		decimal.New(950, 8), decimal.Zero, di(1000), nil, nil, t0); !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("zero collateral: got %v", err)
	}
}
