package vault

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/fixmath"
	"github.com/perpex/margin-engine/internal/funding"
	"github.com/perpex/margin-engine/internal/ledger"
	"github.com/perpex/margin-engine/internal/metrics"
	"github.com/perpex/margin-engine/internal/model"
	"github.com/perpex/margin-engine/internal/oracle"
	"github.com/perpex/margin-engine/internal/pricing"
	"github.com/perpex/margin-engine/internal/registry"
)

// PositionRef identifies one position in a keeper batch.
type PositionRef struct {
	User string `json:"user"`
	Key  uint64 `json:"key"`
}

// TriggerRef identifies one armed trigger in a keeper batch.
type TriggerRef struct {
	User    string            `json:"user"`
	Key     uint64            `json:"key"`
	Trigger model.TriggerType `json:"trigger"`
}

// LimitBatch carries one market's quote and the order entries to
// execute against it.
type LimitBatch struct {
	Quote   oracle.Quote  `json:"quote"`
	Entries []PositionRef `json:"entries"`
}

// TriggerBatch carries one market's quote and the trigger entries to
// fire against it.
type TriggerBatch struct {
	Quote   oracle.Quote `json:"quote"`
	Entries []TriggerRef `json:"entries"`
}

// LiquidationBatch carries one market's quote and the positions claimed
// liquidatable at it.
type LiquidationBatch struct {
	Quote   oracle.Quote  `json:"quote"`
	Entries []PositionRef `json:"entries"`
}

// EntryOutcome reports one batch entry's result. Err is nil on success;
// a failed entry reverts alone and the batch continues.
type EntryOutcome struct {
	User       string
	Key        uint64
	Err        error
	Settlement *model.Settlement
}

// ExecuteLimitOrders executes pending limit/stop orders whose triggers
// the supplied quotes have crossed. Per-entry revert semantics: one bad
// entry never blocks the rest. The executed position opens at the
// order's trigger price with the base spread applied.
func (v *Vault) ExecuteLimitOrders(ctx context.Context, keeper string, batches map[uint32]LimitBatch) []EntryOutcome {
	var outcomes []EntryOutcome
	var credits []rebate

	for marketIdx, batch := range batches {
		for _, ref := range batch.Entries {
			rebates, err := v.executeLimitOrder(ctx, keeper, marketIdx, batch.Quote, ref)
			outcomes = append(outcomes, EntryOutcome{User: ref.User, Key: ref.Key, Err: err})
			credits = append(credits, rebates...)
		}
	}
	v.applyRebates(ctx, credits)
	return outcomes
}

func (v *Vault) executeLimitOrder(ctx context.Context, keeper string, marketIdx uint32, q oracle.Quote, ref PositionRef) ([]rebate, error) {
	al := v.accountLock(ref.User)
	al.Lock()
	defer al.Unlock()
	ml := v.marketLock(marketIdx)
	ml.Lock()
	defer ml.Unlock()
	v.poolMu.Lock()
	defer v.poolMu.Unlock()

	acc, err := v.store.GetAccount(ctx, ref.User)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return nil, err
	}
	o, ok := acc.LimitOrders[ref.Key]
	if !ok || o.State != model.OrderPending {
		return nil, ledger.ErrOrderNotFound
	}
	if o.MarketIdx != marketIdx {
		return nil, ledger.ErrOrderNotFound
	}

	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return nil, err
	}
	d, err := v.loadDetails(ctx)
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	rawPrice, err := v.validatedQuote(q, m, now)
	if err != nil {
		return nil, err
	}
	if !ledger.OrderTriggered(o, rawPrice) {
		return nil, ledger.ErrTriggerNotReached
	}

	openFee := ledger.OpenFee(o.Collateral, o.Leverage, m.Fees.OpenFeeRate)
	openPrice := pricing.OpenPrice(o.TriggerPrice, o.PositionType, m.Fees.BaseSpreadRate)
	if err := registry.CheckPositionAllowed(m, o.Leverage, o.Collateral, o.PositionType, openPrice, now); err != nil {
		return nil, err
	}

	funding.Advance(m, rawPrice, now)

	p, err := ledger.OpenPosition(acc, m, o.PositionType, o.Collateral, openFee,
		o.Leverage, openPrice, o.StopLoss, o.TakeProfit, now)
	if err != nil {
		return nil, err
	}
	delete(acc.LimitOrders, ref.Key)
	registry.UpdateExposure(m, o.PositionType, p.SizeAsset())

	// Collateral sits in the reserve since the order was placed; only
	// the open fee moves over to the pool now. The keeper's flat reward
	// comes out of the pool's fee income, forgone if it would drive the
	// balance negative.
	rebates := collectRebates(acc, openFee, "open_fee")
	d.CollateralReserve = d.CollateralReserve.Sub(openFee)
	poolIncome := openFee.Sub(rebateTotal(rebates))
	if keeper != "" {
		reward := v.cfg.StopOrderExecutionReward
		if d.PoolAssets.Balance.Add(poolIncome).Sub(reward).Sign() >= 0 {
			poolIncome = poolIncome.Sub(reward)
			rebates = append(rebates, rebate{to: keeper, amount: reward, kind: "keeper_reward"})
		}
	}
	d.PoolAssets.Balance = d.PoolAssets.Balance.Add(poolIncome)

	if err := v.persistSettlement(ctx, m, d, acc); err != nil {
		return nil, err
	}

	metrics.PositionsOpenedTotal.WithLabelValues(o.PositionType.String(), "limit").Inc()
	v.observeMarket(m)
	v.appendEvent(ctx, model.EventLimitOrderExecution, ref.User, marketIdx, p.Key, map[string]string{
		"order_key":  strconv.FormatUint(ref.Key, 10),
		"open_price": openPrice.String(),
		"open_fee":   openFee.String(),
	})
	v.log.Info("limit order executed",
		"user", ref.User, "market", marketIdx,
		"order", ref.Key, "position", p.Key)
	return rebates, nil
}

// TriggerPositions fires armed stop-loss / take-profit triggers. The
// executing keeper earns a flat reward per fired entry, deducted from
// the trader's payout.
func (v *Vault) TriggerPositions(ctx context.Context, keeper string, batches map[uint32]TriggerBatch) []EntryOutcome {
	var outcomes []EntryOutcome
	var credits []rebate
	fired := 0

	for marketIdx, batch := range batches {
		for _, ref := range batch.Entries {
			st, rebates, err := v.triggerPosition(ctx, marketIdx, batch.Quote, ref)
			outcomes = append(outcomes, EntryOutcome{User: ref.User, Key: ref.Key, Err: err, Settlement: st})
			credits = append(credits, rebates...)
			if err == nil {
				fired++
			}
		}
	}

	if fired > 0 && keeper != "" {
		reward := v.cfg.StopOrderExecutionReward.Mul(decimal.NewFromInt(int64(fired)))
		credits = append(credits, rebate{to: keeper, amount: reward, kind: "keeper_reward"})
	}
	v.applyRebates(ctx, credits)
	return outcomes
}

func (v *Vault) triggerPosition(ctx context.Context, marketIdx uint32, q oracle.Quote, ref TriggerRef) (*model.Settlement, []rebate, error) {
	al := v.accountLock(ref.User)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, ref.User)
	if err != nil {
		return nil, nil, err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return nil, nil, err
	}
	p, ok := acc.Positions[ref.Key]
	if !ok || p.MarketIdx != marketIdx {
		return nil, nil, ledger.ErrPositionNotFound
	}

	ml := v.marketLock(marketIdx)
	ml.Lock()
	defer ml.Unlock()
	v.poolMu.Lock()
	defer v.poolMu.Unlock()

	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return nil, nil, err
	}
	rawPrice, err := v.validatedQuote(q, m, v.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	trigPrice, err := ledger.TriggerState(p, ref.Trigger, rawPrice)
	if err != nil {
		return nil, nil, err
	}

	// The close settles at the trigger price: a quote that gapped past
	// the stop never charges the trader the gap.
	st, rebates, err := v.settleLocked(ctx, acc, p, q, trigPrice, "trigger", v.cfg.StopOrderExecutionReward)
	if err != nil {
		return nil, nil, err
	}
	return st, rebates, nil
}

// LiquidatePositions seizes positions whose liquidation trigger the
// supplied quotes have crossed. Entries that are not actually
// liquidatable at the quote are reported with ErrNotLiquidatable and a
// revert event, and the batch continues. The liquidator earns a share
// of seized collateral; the residue fills the insurance fund up to its
// limit and overflows into the pool.
func (v *Vault) LiquidatePositions(ctx context.Context, liquidator string, batches map[uint32]LiquidationBatch) []EntryOutcome {
	var outcomes []EntryOutcome
	var credits []rebate

	for marketIdx, batch := range batches {
		for _, ref := range batch.Entries {
			st, reward, err := v.liquidatePosition(ctx, marketIdx, batch.Quote, ref)
			outcomes = append(outcomes, EntryOutcome{User: ref.User, Key: ref.Key, Err: err, Settlement: st})
			if err == nil && reward.IsPositive() && liquidator != "" {
				credits = append(credits, rebate{to: liquidator, amount: reward, kind: "liquidator_reward"})
			}
		}
	}
	v.applyRebates(ctx, credits)
	return outcomes
}

func (v *Vault) liquidatePosition(ctx context.Context, marketIdx uint32, q oracle.Quote, ref PositionRef) (*model.Settlement, decimal.Decimal, error) {
	al := v.accountLock(ref.User)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, ref.User)
	if err != nil {
		return nil, decimal.Decimal{}, err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return nil, decimal.Decimal{}, err
	}
	p, ok := acc.Positions[ref.Key]
	if !ok || p.MarketIdx != marketIdx {
		return nil, decimal.Decimal{}, ledger.ErrPositionNotFound
	}

	ml := v.marketLock(marketIdx)
	ml.Lock()
	defer ml.Unlock()
	v.poolMu.Lock()
	defer v.poolMu.Unlock()

	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return nil, decimal.Decimal{}, err
	}
	d, err := v.loadDetails(ctx)
	if err != nil {
		return nil, decimal.Decimal{}, err
	}

	now := v.now().UTC()
	rawPrice, err := v.validatedQuote(q, m, now)
	if err != nil {
		return nil, decimal.Decimal{}, err
	}

	funding.Advance(m, rawPrice, now)
	view := ledger.View(p, m, rawPrice, now)
	if !view.Liquidate {
		metrics.LiquidationsTotal.WithLabelValues("revert").Inc()
		v.appendEvent(ctx, model.EventLiquidatePositionRevert, ref.User, marketIdx, ref.Key, map[string]string{
			"price":             rawPrice.String(),
			"liquidation_price": view.LiquidationPrice.String(),
		})
		return nil, decimal.Decimal{}, ErrNotLiquidatable
	}

	// The trader's full net collateral is seized: a cut to the
	// liquidator, the rest to the insurance fund until its limit, then
	// to the pool.
	colUp := p.NetCollateral()
	reward := fixmath.MulDivTrunc(colUp, v.cfg.LiquidatorRewardRate, fixmath.Percent100)
	residue := colUp.Sub(reward)

	insSpace := fixmath.Clamp0(d.InsuranceFund.Limit.Sub(d.InsuranceFund.Balance))
	toInsurance := fixmath.Min(residue, insSpace)
	d.InsuranceFund.Balance = d.InsuranceFund.Balance.Add(toInsurance)
	d.PoolAssets.Balance = d.PoolAssets.Balance.Add(residue.Sub(toInsurance))
	d.CollateralReserve = d.CollateralReserve.Sub(colUp)

	registry.UpdateExposure(m, p.PositionType, p.SizeAsset().Neg())
	delete(acc.Positions, ref.Key)

	if err := v.persistSettlement(ctx, m, d, acc); err != nil {
		return nil, decimal.Decimal{}, err
	}

	st := &model.Settlement{
		PositionKey: ref.Key,
		ClosePrice:  view.ClosePrice,
		PnL:         colUp.Neg(),
		BorrowFee:   view.BorrowFee,
		FundingFee:  view.FundingFee,
		CloseFee:    decimal.Zero,
		Payout:      decimal.Zero,
		Liquidated:  true,
	}

	metrics.LiquidationsTotal.WithLabelValues("liquidated").Inc()
	metrics.PositionsClosedTotal.WithLabelValues(p.PositionType.String(), "liquidation").Inc()
	v.observeMarket(m)
	v.appendEvent(ctx, model.EventLiquidatePosition, ref.User, marketIdx, ref.Key, map[string]string{
		"price":        rawPrice.String(),
		"seized":       colUp.String(),
		"reward":       reward.String(),
		"to_insurance": toInsurance.String(),
	})
	v.log.Info("position liquidated",
		"user", ref.User, "market", marketIdx, "key", ref.Key,
		"seized", colUp.String())

	return st, reward, nil
}
