// Package model defines the core domain types shared across the margin
// engine: markets, positions, pending orders, accounts, and the vault
// aggregates. All monetary values use shopspring/decimal — never float64
// for money. Amounts are integer-valued decimals in raw units: USDT
// amounts carry 6 decimals, prices 8, rates are scaled by 10^12 and
// funding accumulators by 10^18.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
)

// PositionType is the direction of a position.
type PositionType uint8

const (
	Long PositionType = iota
	Short
)

func (p PositionType) String() string {
	if p == Long {
		return "long"
	}
	return "short"
}

// Opposite returns the other side of the book.
func (p PositionType) Opposite() PositionType {
	if p == Long {
		return Short
	}
	return Long
}

// LimitOrderType distinguishes pending order semantics: a Limit order
// fills when price reaches the trigger from the favorable side, a Stop
// order fills on breakout at a worse price.
type LimitOrderType uint8

const (
	Limit LimitOrderType = iota
	Stop
)

func (t LimitOrderType) String() string {
	if t == Limit {
		return "limit"
	}
	return "stop"
}

// TriggerType selects which attached trigger a keeper is firing.
type TriggerType uint8

const (
	StopLoss TriggerType = iota
	TakeProfit
)

func (t TriggerType) String() string {
	if t == StopLoss {
		return "stop_loss"
	}
	return "take_profit"
}

// PriceSource selects how a market's price is obtained.
type PriceSource uint8

const (
	SourceDex PriceSource = iota
	SourcePriceNode
	SourceChainlink
)

// Fees holds per-market fee and rate configuration. Every field is a
// fixed-point rate scaled by fixmath.Percent100.
type Fees struct {
	OpenFeeRate            decimal.Decimal `json:"open_fee_rate" yaml:"open_fee_rate"`
	CloseFeeRate           decimal.Decimal `json:"close_fee_rate" yaml:"close_fee_rate"`
	BaseSpreadRate         decimal.Decimal `json:"base_spread_rate" yaml:"base_spread_rate"`
	BaseDynamicSpreadRate  decimal.Decimal `json:"base_dynamic_spread_rate" yaml:"base_dynamic_spread_rate"`
	BorrowBaseRatePerHour  decimal.Decimal `json:"borrow_base_rate_per_hour" yaml:"borrow_base_rate_per_hour"`
	FundingBaseRatePerHour decimal.Decimal `json:"funding_base_rate_per_hour" yaml:"funding_base_rate_per_hour"`
}

// WorkingHours is one open interval of a market's weekly schedule,
// evaluated in UTC. ToHour is exclusive; From==0, To==24 covers a full
// day.
type WorkingHours struct {
	Day      time.Weekday `json:"day" yaml:"day"`
	FromHour int          `json:"from_hour" yaml:"from_hour"`
	ToHour   int          `json:"to_hour" yaml:"to_hour"`
}

// Funding holds a market's per-side funding accumulators: accrued USD
// (scaled by fixmath.ScalingFactor) per asset unit since market creation.
// Values go negative on the side that receives funding.
type Funding struct {
	AccLongUSDFundingPerShare  decimal.Decimal `json:"acc_long_usd_funding_per_share"`
	AccShortUSDFundingPerShare decimal.Decimal `json:"acc_short_usd_funding_per_share"`
}

// OracleConfig describes where a market's price comes from. Validated
// lazily at price-read time, not when attached.
type OracleConfig struct {
	Source         PriceSource   `json:"source"`
	Ticker         string        `json:"ticker"`
	DexPath        []string      `json:"dex_path,omitempty"`
	MaxOracleDelay time.Duration `json:"max_oracle_delay"`
	MaxServerDelay time.Duration `json:"max_server_delay"`
}

// Market is per-market configuration plus aggregate exposure. Created by
// admin action, mutated by every open/close/liquidate touching it, never
// destroyed (soft-disabled via the schedule or the paused flag).
type Market struct {
	Idx          uint32          `json:"idx" db:"idx"`
	Ticker       string          `json:"ticker" db:"ticker"`
	Oracle       OracleConfig    `json:"oracle"`
	MaxLongsUSD  decimal.Decimal `json:"max_longs_usd" db:"max_longs_usd"`
	MaxShortsUSD decimal.Decimal `json:"max_shorts_usd" db:"max_shorts_usd"`
	NoiWeight    decimal.Decimal `json:"noi_weight" db:"noi_weight"`
	MaxLeverage  decimal.Decimal `json:"max_leverage" db:"max_leverage"`
	DepthAsset   decimal.Decimal `json:"depth_asset" db:"depth_asset"`
	Fees         Fees            `json:"fees"`

	ScheduleEnabled bool           `json:"schedule_enabled"`
	WorkingHours    []WorkingHours `json:"working_hours,omitempty"`
	Paused          bool           `json:"paused"`

	// Aggregate exposure in asset units (price decimals).
	TotalLongsAsset  decimal.Decimal `json:"total_longs_asset" db:"total_longs_asset"`
	TotalShortsAsset decimal.Decimal `json:"total_shorts_asset" db:"total_shorts_asset"`

	Funding               Funding   `json:"funding"`
	LastFundingUpdateTime time.Time `json:"last_funding_update_time"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SideTotal returns aggregate exposure for one side.
func (m *Market) SideTotal(t PositionType) decimal.Decimal {
	if t == Long {
		return m.TotalLongsAsset
	}
	return m.TotalShortsAsset
}

// AccFundingPerShare returns the funding accumulator for one side.
func (m *Market) AccFundingPerShare(t PositionType) decimal.Decimal {
	if t == Long {
		return m.Funding.AccLongUSDFundingPerShare
	}
	return m.Funding.AccShortUSDFundingPerShare
}

// Trigger is an optional stop-loss or take-profit attachment.
type Trigger struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

// Position is an open leveraged position. Fee rates are snapshotted at
// open so later market reconfiguration cannot change the economics of a
// live position.
type Position struct {
	Key          uint64       `json:"key"`
	MarketIdx    uint32       `json:"market_idx"`
	PositionType PositionType `json:"position_type"`

	InitialCollateral decimal.Decimal `json:"initial_collateral"`
	OpenFee           decimal.Decimal `json:"open_fee"`
	OpenPrice         decimal.Decimal `json:"open_price"`
	Leverage          decimal.Decimal `json:"leverage"`

	BorrowBaseRatePerHour    decimal.Decimal `json:"borrow_base_rate_per_hour"`
	BaseSpreadRate           decimal.Decimal `json:"base_spread_rate"`
	CloseFeeRate             decimal.Decimal `json:"close_fee_rate"`
	AccFundingPerShareAtOpen decimal.Decimal `json:"acc_funding_per_share_at_open"`

	StopLoss   *Trigger `json:"stop_loss,omitempty"`
	TakeProfit *Trigger `json:"take_profit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NetCollateral is the collateral working for the position after the
// open fee.
func (p *Position) NetCollateral() decimal.Decimal {
	return p.InitialCollateral.Sub(p.OpenFee)
}

// LeveragedUSD is the notional exposure: netCollateral * leverage / 100.
func (p *Position) LeveragedUSD() decimal.Decimal {
	return fixmath.MulDivTrunc(p.NetCollateral(), p.Leverage, fixmath.LeverageBase)
}

// SizeAsset is the position size in asset units at the open price.
func (p *Position) SizeAsset() decimal.Decimal {
	return fixmath.MulDivTrunc(p.LeveragedUSD(), fixmath.PriceDecimals, p.OpenPrice)
}

// LimitOrderState tracks a pending order's lifecycle.
type LimitOrderState uint8

const (
	OrderPending LimitOrderState = iota
	OrderExecuted
	OrderCancelled
)

// LimitOrder is a pending limit or stop entry order: collateral is held
// but no position exists until a keeper executes it at the trigger.
type LimitOrder struct {
	Key          uint64          `json:"key"`
	MarketIdx    uint32          `json:"market_idx"`
	PositionType PositionType    `json:"position_type"`
	OrderType    LimitOrderType  `json:"order_type"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Collateral   decimal.Decimal `json:"collateral"`
	Leverage     decimal.Decimal `json:"leverage"`

	StopLoss   *Trigger `json:"stop_loss,omitempty"`
	TakeProfit *Trigger `json:"take_profit,omitempty"`

	State     LimitOrderState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Account is the per-user aggregate. Version increments with every
// schema migration; operations against an outdated account revert until
// it is upgraded.
type Account struct {
	User    string `json:"user"`
	Version uint32 `json:"version"`

	Referrer        string          `json:"referrer,omitempty"`
	GrandReferrer   string          `json:"grand_referrer,omitempty"`
	ReferralBalance decimal.Decimal `json:"referral_balance"`

	Positions   map[uint64]*Position   `json:"positions"`
	LimitOrders map[uint64]*LimitOrder `json:"limit_orders"`

	// RequestCounter issues position and order keys.
	RequestCounter uint64 `json:"request_counter"`

	CreatedAt time.Time `json:"created_at"`
}

// NextKey issues a fresh key unique within the account.
func (a *Account) NextKey() uint64 {
	a.RequestCounter++
	return a.RequestCounter
}

// PoolAssets is the liquidity pool: share price = Balance/StgUsdtSupply.
// TargetPrice is tracked for upgrade/migration comparisons.
type PoolAssets struct {
	Balance       decimal.Decimal `json:"balance"`
	StgUsdtSupply decimal.Decimal `json:"stg_usdt_supply"`
	TargetPrice   decimal.Decimal `json:"target_price"`
}

// InsuranceFund absorbs protocol-side liquidation residue, capped at
// Limit.
type InsuranceFund struct {
	Balance decimal.Decimal `json:"balance"`
	Limit   decimal.Decimal `json:"limit"`
}

// VaultDetails is the vault-level aggregate persisted alongside markets
// and accounts.
type VaultDetails struct {
	PoolAssets        PoolAssets      `json:"pool_assets"`
	CollateralReserve decimal.Decimal `json:"collateral_reserve"`
	InsuranceFund     InsuranceFund   `json:"insurance_fund"`
	MaxPnlRate        decimal.Decimal `json:"max_pnl_rate"`
	MarketCount       uint32          `json:"market_count"`
}

// PositionView is the read-model for one position at a given price and
// time: lazily-accrued fees, PnL and the quotable liquidation trigger.
type PositionView struct {
	Position         *Position       `json:"position"`
	ViewTime         time.Time       `json:"view_time"`
	BorrowFee        decimal.Decimal `json:"borrow_fee"`
	FundingFee       decimal.Decimal `json:"funding_fee"`
	ClosePrice       decimal.Decimal `json:"close_price"`
	PnL              decimal.Decimal `json:"pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Liquidate        bool            `json:"liquidate"`
}

// Settlement is the outcome of closing (or liquidating) a position.
type Settlement struct {
	PositionKey uint64          `json:"position_key"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	PnL         decimal.Decimal `json:"pnl"`
	BorrowFee   decimal.Decimal `json:"borrow_fee"`
	FundingFee  decimal.Decimal `json:"funding_fee"`
	CloseFee    decimal.Decimal `json:"close_fee"`
	Payout      decimal.Decimal `json:"payout"`
	Liquidated  bool            `json:"liquidated"`
}
