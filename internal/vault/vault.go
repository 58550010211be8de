// Package vault is the settlement engine: it owns every mutation of
// vault accounting (liquidity pool, collateral reserve, insurance fund),
// markets, and user accounts. All operations are check-then-apply — no
// partial mutation survives a validation failure — and every accepted
// mutation appends a typed event.
//
// Lock ordering is account → market → pool, always. Batch keeper
// operations take and release the full chain per entry so one bad entry
// cannot wedge the batch.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
	"github.com/perpex/margin-engine/internal/funding"
	"github.com/perpex/margin-engine/internal/ledger"
	"github.com/perpex/margin-engine/internal/metrics"
	"github.com/perpex/margin-engine/internal/model"
	"github.com/perpex/margin-engine/internal/oracle"
	"github.com/perpex/margin-engine/internal/registry"
	"github.com/perpex/margin-engine/internal/store"
)

var (
	// ErrNotLiquidatable is returned per entry when a position's price
	// has not crossed its liquidation trigger. The batch continues.
	ErrNotLiquidatable = errors.New("vault: position not liquidatable")

	// ErrInsufficientLiquidity is returned when a withdrawal or payout
	// would drive the pool balance negative.
	ErrInsufficientLiquidity = errors.New("vault: insufficient pool liquidity")

	// ErrInvariantViolation signals corrupted pool accounting
	// (supply and balance disagree about emptiness). Fatal: nothing is
	// mutated.
	ErrInvariantViolation = errors.New("vault: pool invariant violation")

	// ErrZeroAmount rejects zero or negative monetary inputs.
	ErrZeroAmount = errors.New("vault: amount must be positive")
)

// Config carries the engine's economic parameters.
type Config struct {
	// LiquidatorRewardRate is the share of seized collateral paid to the
	// liquidating keeper, PERCENT_100-scaled. Default 5%.
	LiquidatorRewardRate decimal.Decimal

	// StopOrderExecutionReward is the flat USDT reward paid to the
	// keeper executing a stop-loss/take-profit trigger.
	StopOrderExecutionReward decimal.Decimal

	// MaxPnlRate caps profit at a multiple of net collateral,
	// PERCENT_100-scaled. Default 300%.
	MaxPnlRate decimal.Decimal

	// InsuranceFundLimit caps how much liquidation residue the
	// insurance fund absorbs before overflow goes to the pool.
	InsuranceFundLimit decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.LiquidatorRewardRate.IsZero() {
		c.LiquidatorRewardRate = decimal.New(5, 10) // 5% of PERCENT_100
	}
	if c.MaxPnlRate.IsZero() {
		c.MaxPnlRate = fixmath.Percent100.Mul(decimal.NewFromInt(3))
	}
	if c.StopOrderExecutionReward.IsZero() {
		c.StopOrderExecutionReward = decimal.New(5, 5) // 0.5 USDT
	}
}

// Vault is the settlement engine. Safe for concurrent use.
type Vault struct {
	store  store.Store
	source oracle.Source
	log    *slog.Logger
	cfg    Config

	now func() time.Time

	mu        sync.Mutex
	accountMu map[string]*sync.Mutex
	marketMu  map[uint32]*sync.Mutex
	poolMu    sync.Mutex

	notifyMu sync.RWMutex
	notify   func(model.Event)
}

// New creates a Vault over the given store and price source.
func New(st store.Store, source oracle.Source, log *slog.Logger, cfg Config) *Vault {
	cfg.applyDefaults()
	return &Vault{
		store:     st,
		source:    source,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
		accountMu: make(map[string]*sync.Mutex),
		marketMu:  make(map[uint32]*sync.Mutex),
	}
}

// SetNotifier registers a callback invoked after every appended event.
// Used by the WebSocket hub.
func (v *Vault) SetNotifier(fn func(model.Event)) {
	v.notifyMu.Lock()
	v.notify = fn
	v.notifyMu.Unlock()
}

// EnsureDetails initializes the singleton vault accounting row if it
// does not exist yet. Call once at startup.
func (v *Vault) EnsureDetails(ctx context.Context) error {
	_, err := v.store.GetDetails(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	d := &model.VaultDetails{
		PoolAssets: model.PoolAssets{
			Balance:       decimal.Zero,
			StgUsdtSupply: decimal.Zero,
			TargetPrice:   fixmath.USDTDecimals,
		},
		CollateralReserve: decimal.Zero,
		InsuranceFund: model.InsuranceFund{
			Balance: decimal.Zero,
			Limit:   v.cfg.InsuranceFundLimit,
		},
		MaxPnlRate: v.cfg.MaxPnlRate,
	}
	return v.store.SaveDetails(ctx, d)
}

// --- Locking ---

func (v *Vault) accountLock(user string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.accountMu[user]
	if !ok {
		l = &sync.Mutex{}
		v.accountMu[user] = l
	}
	return l
}

func (v *Vault) marketLock(idx uint32) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.marketMu[idx]
	if !ok {
		l = &sync.Mutex{}
		v.marketMu[idx] = l
	}
	return l
}

// --- Shared loading helpers ---

func (v *Vault) loadDetails(ctx context.Context) (*model.VaultDetails, error) {
	d, err := v.store.GetDetails(ctx)
	if err != nil {
		return nil, err
	}
	// Fee income can accrue into the pool before the first LP deposit,
	// so zero supply with a positive balance is a valid state. Shares
	// outstanding against an empty pool are not.
	if d.PoolAssets.StgUsdtSupply.Sign() > 0 && d.PoolAssets.Balance.IsZero() {
		return nil, ErrInvariantViolation
	}
	return d, nil
}

// loadAccount fetches or lazily creates the user's account. The referrer
// link is set only at creation; the grand referrer is resolved from the
// referrer's own account.
func (v *Vault) loadAccount(ctx context.Context, user, referrer string) (*model.Account, error) {
	acc, err := v.store.GetAccount(ctx, user)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	grand := ""
	if referrer != "" && referrer != user {
		if refAcc, err := v.store.GetAccount(ctx, referrer); err == nil {
			grand = refAcc.Referrer
		}
	} else {
		referrer = ""
	}
	return ledger.NewAccount(user, referrer, grand, v.now().UTC()), nil
}

func (v *Vault) validatedQuote(q oracle.Quote, m *model.Market, now time.Time) (decimal.Decimal, error) {
	if err := oracle.Validate(q, m.Oracle, now); err != nil {
		metrics.OrderRejectionsTotal.WithLabelValues(quoteRejection(err)).Inc()
		return decimal.Decimal{}, err
	}
	return q.Price, nil
}

func quoteRejection(err error) string {
	switch {
	case errors.Is(err, oracle.ErrTickerMismatch):
		return "ticker_mismatch"
	case errors.Is(err, oracle.ErrNoPrice):
		return "no_price"
	default:
		return "stale_price"
	}
}

// --- Events ---

func (v *Vault) appendEvent(ctx context.Context, typ, user string, marketIdx uint32, positionKey uint64, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		v.log.Error("marshal event payload", "type", typ, "error", err)
		data = []byte("{}")
	}
	e := model.Event{
		ID:          uuid.New().String(),
		Type:        typ,
		User:        user,
		MarketIdx:   marketIdx,
		PositionKey: positionKey,
		Payload:     data,
		CreatedAt:   v.now().UTC(),
	}
	if err := v.store.AppendEvent(ctx, &e); err != nil {
		v.log.Error("append event", "type", typ, "user", user, "error", err)
		return
	}
	v.notifyMu.RLock()
	fn := v.notify
	v.notifyMu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// --- Admin operations ---

// MarketConfig is the admin input for AddMarkets.
type MarketConfig struct {
	Ticker          string
	Oracle          model.OracleConfig
	MaxLongsUSD     decimal.Decimal
	MaxShortsUSD    decimal.Decimal
	NoiWeight       decimal.Decimal
	MaxLeverage     decimal.Decimal
	DepthAsset      decimal.Decimal
	Fees            model.Fees
	ScheduleEnabled bool
	WorkingHours    []model.WorkingHours
}

// AddMarkets validates and creates a batch of markets, assigning
// consecutive indices. All-or-nothing: the first invalid config aborts
// before anything is persisted.
func (v *Vault) AddMarkets(ctx context.Context, configs []MarketConfig) ([]uint32, error) {
	v.poolMu.Lock()
	defer v.poolMu.Unlock()

	d, err := v.loadDetails(ctx)
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	markets := make([]*model.Market, 0, len(configs))
	for i, cfg := range configs {
		m := &model.Market{
			Idx:             d.MarketCount + uint32(i),
			Ticker:          cfg.Ticker,
			Oracle:          cfg.Oracle,
			MaxLongsUSD:     cfg.MaxLongsUSD,
			MaxShortsUSD:    cfg.MaxShortsUSD,
			NoiWeight:       cfg.NoiWeight,
			MaxLeverage:     cfg.MaxLeverage,
			DepthAsset:      cfg.DepthAsset,
			Fees:            cfg.Fees,
			ScheduleEnabled: cfg.ScheduleEnabled,
			WorkingHours:    cfg.WorkingHours,

			TotalLongsAsset:  decimal.Zero,
			TotalShortsAsset: decimal.Zero,
			Funding: model.Funding{
				AccLongUSDFundingPerShare:  decimal.Zero,
				AccShortUSDFundingPerShare: decimal.Zero,
			},
			LastFundingUpdateTime: now,
			CreatedAt:             now,
		}
		if err := registry.ValidateConfig(m); err != nil {
			return nil, fmt.Errorf("market %q: %w", cfg.Ticker, err)
		}
		markets = append(markets, m)
	}

	indices := make([]uint32, 0, len(markets))
	for _, m := range markets {
		if err := v.store.CreateMarket(ctx, m); err != nil {
			return nil, err
		}
		d.MarketCount++
		indices = append(indices, m.Idx)
		v.appendEvent(ctx, model.EventMarketAdded, "", m.Idx, 0, map[string]interface{}{
			"ticker": m.Ticker,
		})
		v.log.Info("market added", "idx", m.Idx, "ticker", m.Ticker)
	}
	if err := v.store.SaveDetails(ctx, d); err != nil {
		return nil, err
	}
	return indices, nil
}

// SetOracleConfig replaces a market's price feed configuration.
func (v *Vault) SetOracleConfig(ctx context.Context, marketIdx uint32, cfg model.OracleConfig) error {
	ml := v.marketLock(marketIdx)
	ml.Lock()
	defer ml.Unlock()

	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return err
	}
	m.Oracle = cfg
	return v.store.SaveMarket(ctx, m)
}

// SetMarketPaused pauses or resumes trading on a market. Closes and
// liquidations keep working while paused.
func (v *Vault) SetMarketPaused(ctx context.Context, marketIdx uint32, paused bool) error {
	ml := v.marketLock(marketIdx)
	ml.Lock()
	defer ml.Unlock()

	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return err
	}
	m.Paused = paused
	if err := v.store.SaveMarket(ctx, m); err != nil {
		return err
	}
	v.log.Info("market paused state changed", "idx", marketIdx, "paused", paused)
	return nil
}

// SetMaxPnlRate changes the global profit cap.
func (v *Vault) SetMaxPnlRate(ctx context.Context, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return ErrZeroAmount
	}
	v.poolMu.Lock()
	defer v.poolMu.Unlock()

	d, err := v.loadDetails(ctx)
	if err != nil {
		return err
	}
	d.MaxPnlRate = rate
	return v.store.SaveDetails(ctx, d)
}

// UpgradeAccount migrates an account to the current schema version.
func (v *Vault) UpgradeAccount(ctx context.Context, user string) error {
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return err
	}
	if !ledger.MigrateAccount(acc) {
		return nil
	}
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return err
	}
	v.appendEvent(ctx, model.EventAccountUpgraded, user, 0, 0, map[string]interface{}{
		"version": acc.Version,
	})
	return nil
}

// --- Liquidity pool ---

// DepositLiquidity mints stgUSDT for a deposit at the current pool share
// price; 1:1 when the pool is empty. Returns the minted share amount.
func (v *Vault) DepositLiquidity(ctx context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Decimal{}, ErrZeroAmount
	}
	v.poolMu.Lock()
	defer v.poolMu.Unlock()

	d, err := v.loadDetails(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var minted decimal.Decimal
	if d.PoolAssets.StgUsdtSupply.IsZero() {
		minted = amount
	} else {
		minted = fixmath.MulDivTrunc(amount, d.PoolAssets.StgUsdtSupply, d.PoolAssets.Balance)
	}
	if !minted.IsPositive() {
		return decimal.Decimal{}, ErrZeroAmount
	}

	d.PoolAssets.Balance = d.PoolAssets.Balance.Add(amount)
	d.PoolAssets.StgUsdtSupply = d.PoolAssets.StgUsdtSupply.Add(minted)

	if err := v.store.SaveDetails(ctx, d); err != nil {
		return decimal.Decimal{}, err
	}
	metrics.PoolBalance.Set(d.PoolAssets.Balance.InexactFloat64())

	v.appendEvent(ctx, model.EventLiquidityPoolDeposit, user, 0, 0, map[string]string{
		"amount": amount.String(),
		"minted": minted.String(),
	})
	return minted, nil
}

// WithdrawLiquidity burns stgUSDT and pays out the proportional pool
// share. Returns the USDT payout.
func (v *Vault) WithdrawLiquidity(ctx context.Context, user string, stgAmount decimal.Decimal) (decimal.Decimal, error) {
	if !stgAmount.IsPositive() {
		return decimal.Decimal{}, ErrZeroAmount
	}
	v.poolMu.Lock()
	defer v.poolMu.Unlock()

	d, err := v.loadDetails(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if stgAmount.GreaterThan(d.PoolAssets.StgUsdtSupply) {
		return decimal.Decimal{}, ErrInsufficientLiquidity
	}

	payout := fixmath.MulDivTrunc(stgAmount, d.PoolAssets.Balance, d.PoolAssets.StgUsdtSupply)
	if payout.GreaterThan(d.PoolAssets.Balance) {
		return decimal.Decimal{}, ErrInsufficientLiquidity
	}

	d.PoolAssets.Balance = d.PoolAssets.Balance.Sub(payout)
	d.PoolAssets.StgUsdtSupply = d.PoolAssets.StgUsdtSupply.Sub(stgAmount)
	if d.PoolAssets.StgUsdtSupply.IsZero() && !d.PoolAssets.Balance.IsZero() {
		// Rounding dust after the last share burn goes to the insurance
		// fund so the empty-pool invariant holds.
		d.InsuranceFund.Balance = d.InsuranceFund.Balance.Add(d.PoolAssets.Balance)
		d.PoolAssets.Balance = decimal.Zero
	}

	if err := v.store.SaveDetails(ctx, d); err != nil {
		return decimal.Decimal{}, err
	}
	metrics.PoolBalance.Set(d.PoolAssets.Balance.InexactFloat64())

	v.appendEvent(ctx, model.EventLiquidityPoolWithdraw, user, 0, 0, map[string]string{
		"burned": stgAmount.String(),
		"payout": payout.String(),
	})
	return payout, nil
}

// WithdrawReferralBalance pays out and zeroes the user's accumulated
// referral rebates.
func (v *Vault) WithdrawReferralBalance(ctx context.Context, user string) (decimal.Decimal, error) {
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return decimal.Decimal{}, err
	}
	amount := acc.ReferralBalance
	if !amount.IsPositive() {
		return decimal.Decimal{}, ErrZeroAmount
	}
	acc.ReferralBalance = decimal.Zero
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return decimal.Decimal{}, err
	}
	v.appendEvent(ctx, model.EventReferralPayment, user, 0, 0, map[string]string{
		"kind":   "withdraw",
		"amount": amount.String(),
	})
	return amount, nil
}

// --- Read operations ---

// Details returns the vault accounting aggregate.
func (v *Vault) Details(ctx context.Context) (*model.VaultDetails, error) {
	return v.loadDetails(ctx)
}

// GetMarket returns a market by index.
func (v *Vault) GetMarket(ctx context.Context, idx uint32) (*model.Market, error) {
	return v.store.GetMarket(ctx, idx)
}

// ListMarkets returns all markets.
func (v *Vault) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return v.store.ListMarkets(ctx)
}

// GetAccount returns a user's account.
func (v *Vault) GetAccount(ctx context.Context, user string) (*model.Account, error) {
	return v.store.GetAccount(ctx, user)
}

// ListEvents returns a user's settlement events.
func (v *Vault) ListEvents(ctx context.Context, user string, limit int) ([]model.Event, error) {
	return v.store.ListEventsByUser(ctx, user, limit)
}

// PositionView computes the live read-model for one position using a
// fresh price from the configured source. Funding accumulators are
// advanced in-memory only; nothing is persisted.
func (v *Vault) PositionView(ctx context.Context, user string, key uint64) (*model.PositionView, error) {
	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return nil, err
	}
	p, ok := acc.Positions[key]
	if !ok {
		return nil, ledger.ErrPositionNotFound
	}
	m, err := v.store.GetMarket(ctx, p.MarketIdx)
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	q, err := v.source.GetPrice(ctx, m.Oracle.Ticker)
	if err != nil {
		return nil, err
	}
	rawPrice, err := v.validatedQuote(q, m, now)
	if err != nil {
		return nil, err
	}

	funding.Advance(m, rawPrice, now)
	view := ledger.View(p, m, rawPrice, now)
	return &view, nil
}

// --- Referral rebates ---

// rebate is a deferred referral credit, applied after the settlement's
// locks are released to keep the lock order acyclic.
type rebate struct {
	to     string
	amount decimal.Decimal
	kind   string
}

// collectRebates computes referrer and grand-referrer credits for a fee
// amount: one tenth to the referrer, one hundredth to the grand.
func collectRebates(acc *model.Account, fee decimal.Decimal, kind string) []rebate {
	var out []rebate
	ten := decimal.NewFromInt(10)
	hundred := decimal.NewFromInt(100)
	if acc.Referrer != "" {
		if r := fee.Div(ten).Floor(); r.IsPositive() {
			out = append(out, rebate{to: acc.Referrer, amount: r, kind: kind})
		}
	}
	if acc.GrandReferrer != "" {
		if r := fee.Div(hundred).Floor(); r.IsPositive() {
			out = append(out, rebate{to: acc.GrandReferrer, amount: r, kind: kind + "_grand"})
		}
	}
	return out
}

// collectLossRebates computes the loss-based credits: 1% of the realized
// loss to the referrer, 0.1% to the grand referrer.
func collectLossRebates(acc *model.Account, loss decimal.Decimal) []rebate {
	var out []rebate
	if acc.Referrer != "" {
		if r := loss.Div(decimal.NewFromInt(100)).Floor(); r.IsPositive() {
			out = append(out, rebate{to: acc.Referrer, amount: r, kind: "pnl"})
		}
	}
	if acc.GrandReferrer != "" {
		if r := loss.Div(decimal.NewFromInt(1000)).Floor(); r.IsPositive() {
			out = append(out, rebate{to: acc.GrandReferrer, amount: r, kind: "pnl_grand"})
		}
	}
	return out
}

// rebateTotal sums the credits so the pool side can be debited in the
// same settlement.
func rebateTotal(rebates []rebate) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rebates {
		total = total.Add(r.amount)
	}
	return total
}

// applyRebates credits rebates to referrer accounts. Called with no
// locks held; each credit takes only the target account's lock.
func (v *Vault) applyRebates(ctx context.Context, rebates []rebate) {
	for _, r := range rebates {
		v.creditBalance(ctx, r.to, r.amount, r.kind)
	}
}

// creditBalance adds to a user's withdrawable balance, creating the
// account if needed. Also used for keeper rewards.
func (v *Vault) creditBalance(ctx context.Context, user string, amount decimal.Decimal, kind string) {
	if !amount.IsPositive() {
		return
	}
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.loadAccount(ctx, user, "")
	if err != nil {
		v.log.Error("load account for credit", "user", user, "error", err)
		return
	}
	acc.ReferralBalance = acc.ReferralBalance.Add(amount)
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		v.log.Error("save credited account", "user", user, "error", err)
		return
	}
	v.appendEvent(ctx, model.EventReferralPayment, user, 0, 0, map[string]string{
		"kind":   kind,
		"amount": amount.String(),
	})
}
