package vault

import (
	"context"

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

// OpenMarketPosition opens a leveraged position at the current quote.
// The execution price carries the base spread plus the NOI-driven
// dynamic spread; the fill is rejected if it lands outside the caller's
// slippage tolerance. Returns the new position key.
func (v *Vault) OpenMarketPosition(ctx context.Context, user string, marketIdx uint32,
	posType model.PositionType, collateral, leverage decimal.Decimal,
	q oracle.Quote, expectedPrice, maxSlippageRate decimal.Decimal,
	referrer string, stopLoss, takeProfit *model.Trigger) (uint64, error) {

	if !collateral.IsPositive() {
		return 0, ErrZeroAmount
	}

	al := v.accountLock(user)
	al.Lock()
	ml := v.marketLock(marketIdx)
	ml.Lock()
	v.poolMu.Lock()

	key, rebates, err := v.openMarketLocked(ctx, user, marketIdx, posType,
		collateral, leverage, q, expectedPrice, maxSlippageRate, referrer, stopLoss, takeProfit)

	v.poolMu.Unlock()
	ml.Unlock()
	al.Unlock()

	if err != nil {
		return 0, err
	}
	v.applyRebates(ctx, rebates)
	return key, nil
}

func (v *Vault) openMarketLocked(ctx context.Context, user string, marketIdx uint32,
	posType model.PositionType, collateral, leverage decimal.Decimal,
	q oracle.Quote, expectedPrice, maxSlippageRate decimal.Decimal,
	referrer string, stopLoss, takeProfit *model.Trigger) (uint64, []rebate, error) {

	acc, err := v.loadAccount(ctx, user, referrer)
	if err != nil {
		return 0, nil, err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return 0, nil, err
	}
	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return 0, nil, err
	}
	d, err := v.loadDetails(ctx)
	if err != nil {
		return 0, nil, err
	}

	now := v.now().UTC()
	rawPrice, err := v.validatedQuote(q, m, now)
	if err != nil {
		return 0, nil, err
	}

	openFee := ledger.OpenFee(collateral, leverage, m.Fees.OpenFeeRate)
	colUp := collateral.Sub(openFee)
	if !colUp.IsPositive() {
		return 0, nil, ledger.ErrInsufficientCollateral
	}

	// The dynamic spread is sized from the gross notional, before the
	// open fee comes out.
	grossUSD := fixmath.MulDivTrunc(collateral, leverage, fixmath.LeverageBase)
	sizeEstimate := fixmath.MulDivTrunc(grossUSD, fixmath.PriceDecimals, rawPrice)
	totalSpread := m.Fees.BaseSpreadRate.Add(pricing.DynamicSpread(m, sizeEstimate, posType))
	openPrice := pricing.OpenPrice(rawPrice, posType, totalSpread)

	// Exposure caps are checked at the expected fill price, not the raw
	// quote.
	if err := registry.CheckPositionAllowed(m, leverage, collateral, posType, openPrice, now); err != nil {
		metrics.OrderRejectionsTotal.WithLabelValues("validation").Inc()
		return 0, nil, err
	}

	if err := pricing.CheckSlippage(openPrice, expectedPrice, maxSlippageRate); err != nil {
		metrics.OrderRejectionsTotal.WithLabelValues("slippage").Inc()
		return 0, nil, err
	}

	funding.Advance(m, rawPrice, now)

	p, err := ledger.OpenPosition(acc, m, posType, collateral, openFee, leverage,
		openPrice, stopLoss, takeProfit, now)
	if err != nil {
		return 0, nil, err
	}
	registry.UpdateExposure(m, posType, p.SizeAsset())

	rebates := collectRebates(acc, openFee, "open_fee")
	d.PoolAssets.Balance = d.PoolAssets.Balance.Add(openFee.Sub(rebateTotal(rebates)))
	d.CollateralReserve = d.CollateralReserve.Add(colUp)

	if err := v.persistSettlement(ctx, m, d, acc); err != nil {
		return 0, nil, err
	}

	metrics.PositionsOpenedTotal.WithLabelValues(posType.String(), "market").Inc()
	v.observeMarket(m)
	v.appendEvent(ctx, model.EventMarketOrderExecution, user, marketIdx, p.Key, map[string]string{
		"position_type": posType.String(),
		"collateral":    collateral.String(),
		"open_fee":      openFee.String(),
		"open_price":    openPrice.String(),
		"leverage":      leverage.String(),
	})
	v.log.Info("position opened",
		"user", user, "market", marketIdx, "key", p.Key,
		"type", posType.String(), "open_price", openPrice.String())

	return p.Key, rebates, nil
}

// ClosePosition settles a position at the current quote and removes it.
func (v *Vault) ClosePosition(ctx context.Context, user string, key uint64, q oracle.Quote) (*model.Settlement, error) {
	al := v.accountLock(user)
	al.Lock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		al.Unlock()
		return nil, err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		al.Unlock()
		return nil, err
	}
	p, ok := acc.Positions[key]
	if !ok {
		al.Unlock()
		return nil, ledger.ErrPositionNotFound
	}

	ml := v.marketLock(p.MarketIdx)
	ml.Lock()
	v.poolMu.Lock()

	st, rebates, err := v.settleLocked(ctx, acc, p, q, decimal.Zero, "close", decimal.Zero)

	v.poolMu.Unlock()
	ml.Unlock()
	al.Unlock()

	if err != nil {
		return nil, err
	}
	v.applyRebates(ctx, rebates)
	return st, nil
}

// settleLocked performs the full close settlement for a position whose
// account, market, and pool locks are already held. reason tags metrics
// and events; keeperFee is deducted from the payout (trigger executions).
// settlePrice, when positive, overrides the quote's raw price as the
// settlement mark: trigger activations close at the trigger price even
// when the quote has gapped past it. The quote itself is still
// validated for staleness.
//
// Ordering: advance funding, compute the view, cap profit at the
// vault-wide rate, charge the close fee on the settled notional, then
// pay out and rebalance pool accounting.
func (v *Vault) settleLocked(ctx context.Context, acc *model.Account, p *model.Position,
	q oracle.Quote, settlePrice decimal.Decimal, reason string, keeperFee decimal.Decimal) (*model.Settlement, []rebate, error) {

	m, err := v.store.GetMarket(ctx, p.MarketIdx)
	if err != nil {
		return nil, nil, err
	}
	d, err := v.loadDetails(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := v.now().UTC()
	rawPrice, err := v.validatedQuote(q, m, now)
	if err != nil {
		return nil, nil, err
	}

	funding.Advance(m, rawPrice, now)
	if !settlePrice.IsPositive() {
		settlePrice = rawPrice
	}
	view := ledger.View(p, m, settlePrice, now)

	colUp := p.NetCollateral()
	maxPnl := fixmath.MulDivTrunc(colUp, d.MaxPnlRate, fixmath.Percent100)
	pnl := fixmath.Min(view.PnL, maxPnl)

	closeFee := ledger.CloseFee(p, pnl, view.BorrowFee, view.FundingFee)
	payout := fixmath.Clamp0(colUp.Add(pnl).
		Sub(view.BorrowFee).Sub(view.FundingFee).Sub(closeFee).Sub(keeperFee))

	rebates := collectRebates(acc, closeFee, reason+"_fee")
	pnlWithFees := pnl.Sub(view.BorrowFee).Sub(view.FundingFee)
	if pnlWithFees.IsNegative() {
		loss := fixmath.Min(pnlWithFees.Neg(), colUp)
		rebates = append(rebates, collectLossRebates(acc, loss)...)
	}

	// The pool absorbs the trader's side of the settlement: it keeps
	// what the trader lost and funds what the trader won.
	poolDelta := colUp.Sub(payout).Sub(keeperFee).Sub(rebateTotal(rebates))
	newBalance := d.PoolAssets.Balance.Add(poolDelta)
	if newBalance.IsNegative() {
		return nil, nil, ErrInsufficientLiquidity
	}

	d.PoolAssets.Balance = newBalance
	d.CollateralReserve = d.CollateralReserve.Sub(colUp)
	registry.UpdateExposure(m, p.PositionType, p.SizeAsset().Neg())
	delete(acc.Positions, p.Key)

	if err := v.persistSettlement(ctx, m, d, acc); err != nil {
		return nil, nil, err
	}

	st := &model.Settlement{
		PositionKey: p.Key,
		ClosePrice:  view.ClosePrice,
		PnL:         pnl,
		BorrowFee:   view.BorrowFee,
		FundingFee:  view.FundingFee,
		CloseFee:    closeFee,
		Payout:      payout,
	}

	metrics.PositionsClosedTotal.WithLabelValues(p.PositionType.String(), reason).Inc()
	v.observeMarket(m)
	eventType := model.EventClosePosition
	if reason == "trigger" {
		eventType = model.EventTriggerPositionExecution
	}
	v.appendEvent(ctx, eventType, acc.User, p.MarketIdx, p.Key, map[string]string{
		"close_price": st.ClosePrice.String(),
		"pnl":         st.PnL.String(),
		"borrow_fee":  st.BorrowFee.String(),
		"funding_fee": st.FundingFee.String(),
		"close_fee":   st.CloseFee.String(),
		"payout":      st.Payout.String(),
	})
	v.log.Info("position closed",
		"user", acc.User, "market", p.MarketIdx, "key", p.Key,
		"reason", reason, "pnl", st.PnL.String(), "payout", st.Payout.String())

	return st, rebates, nil
}

// persistSettlement writes the three mutated aggregates. Ordered so the
// source of truth for money (details) lands before the account book.
func (v *Vault) persistSettlement(ctx context.Context, m *model.Market, d *model.VaultDetails, acc *model.Account) error {
	if err := v.store.SaveMarket(ctx, m); err != nil {
		return err
	}
	if err := v.store.SaveDetails(ctx, d); err != nil {
		return err
	}
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return err
	}
	metrics.PoolBalance.Set(d.PoolAssets.Balance.InexactFloat64())
	return nil
}

func (v *Vault) observeMarket(m *model.Market) {
	metrics.OpenInterestAsset.WithLabelValues(m.Ticker, model.Long.String()).
		Set(m.TotalLongsAsset.InexactFloat64())
	metrics.OpenInterestAsset.WithLabelValues(m.Ticker, model.Short.String()).
		Set(m.TotalShortsAsset.InexactFloat64())
}

// AddCollateral moves extra margin into a position, lowering its
// leverage while preserving the leveraged notional.
func (v *Vault) AddCollateral(ctx context.Context, user string, key uint64, amount decimal.Decimal) error {
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return err
	}
	p, ok := acc.Positions[key]
	if !ok {
		return ledger.ErrPositionNotFound
	}

	if err := ledger.AddCollateral(p, amount); err != nil {
		return err
	}

	v.poolMu.Lock()
	defer v.poolMu.Unlock()
	d, err := v.loadDetails(ctx)
	if err != nil {
		return err
	}
	d.CollateralReserve = d.CollateralReserve.Add(amount)
	if err := v.store.SaveDetails(ctx, d); err != nil {
		return err
	}
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return err
	}

	v.appendEvent(ctx, model.EventAddPositionCollateral, user, p.MarketIdx, key, map[string]string{
		"amount":   amount.String(),
		"leverage": p.Leverage.String(),
	})
	return nil
}

// RemoveCollateral withdraws margin from a position. Rejected when the
// new leverage exceeds the market cap or the thinner position would be
// immediately liquidatable at the supplied quote.
func (v *Vault) RemoveCollateral(ctx context.Context, user string, key uint64, amount decimal.Decimal, q oracle.Quote) error {
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return err
	}
	p, ok := acc.Positions[key]
	if !ok {
		return ledger.ErrPositionNotFound
	}

	ml := v.marketLock(p.MarketIdx)
	ml.Lock()
	defer ml.Unlock()

	m, err := v.store.GetMarket(ctx, p.MarketIdx)
	if err != nil {
		return err
	}
	now := v.now().UTC()
	rawPrice, err := v.validatedQuote(q, m, now)
	if err != nil {
		return err
	}

	if err := ledger.RemoveCollateral(p, m, amount); err != nil {
		return err
	}
	funding.Advance(m, rawPrice, now)
	if view := ledger.View(p, m, rawPrice, now); view.Liquidate {
		return ledger.ErrCollateralBelowMinimum
	}

	v.poolMu.Lock()
	defer v.poolMu.Unlock()
	d, err := v.loadDetails(ctx)
	if err != nil {
		return err
	}
	d.CollateralReserve = d.CollateralReserve.Sub(amount)
	if err := v.persistSettlement(ctx, m, d, acc); err != nil {
		return err
	}

	v.appendEvent(ctx, model.EventRemovePositionCollateral, user, p.MarketIdx, key, map[string]string{
		"amount":   amount.String(),
		"leverage": p.Leverage.String(),
	})
	return nil
}

// SetPositionTriggers attaches or updates stop-loss / take-profit
// triggers on an open position. Nil triggers are left untouched.
func (v *Vault) SetPositionTriggers(ctx context.Context, user string, key uint64, stopLoss, takeProfit *model.Trigger) error {
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return err
	}
	p, ok := acc.Positions[key]
	if !ok {
		return ledger.ErrPositionNotFound
	}

	ledger.SetTriggers(p, stopLoss, takeProfit)
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return err
	}
	v.appendEvent(ctx, model.EventSetPositionTriggers, user, p.MarketIdx, key, triggerPayload(p))
	return nil
}

// RemovePositionTriggers detaches the selected triggers.
func (v *Vault) RemovePositionTriggers(ctx context.Context, user string, key uint64, stopLoss, takeProfit bool) error {
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return err
	}
	p, ok := acc.Positions[key]
	if !ok {
		return ledger.ErrPositionNotFound
	}

	ledger.RemoveTriggers(p, stopLoss, takeProfit)
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return err
	}
	v.appendEvent(ctx, model.EventRemovePositionTriggers, user, p.MarketIdx, key, triggerPayload(p))
	return nil
}

func triggerPayload(p *model.Position) map[string]string {
	payload := map[string]string{}
	if p.StopLoss != nil {
		payload["stop_loss"] = p.StopLoss.TriggerPrice.String()
	}
	if p.TakeProfit != nil {
		payload["take_profit"] = p.TakeProfit.TriggerPrice.String()
	}
	return payload
}

// OpenLimitOrder places a pending limit or stop order. The collateral is
// taken into the reserve immediately and returned on cancellation.
func (v *Vault) OpenLimitOrder(ctx context.Context, user string, marketIdx uint32,
	posType model.PositionType, orderType model.LimitOrderType,
	triggerPrice, collateral, leverage decimal.Decimal,
	referrer string, stopLoss, takeProfit *model.Trigger) (uint64, error) {

	if !collateral.IsPositive() || !triggerPrice.IsPositive() {
		return 0, ErrZeroAmount
	}

	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.loadAccount(ctx, user, referrer)
	if err != nil {
		return 0, err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return 0, err
	}

	ml := v.marketLock(marketIdx)
	ml.Lock()
	defer ml.Unlock()

	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return 0, err
	}
	now := v.now().UTC()
	if err := registry.CheckPositionAllowed(m, leverage, collateral, posType, triggerPrice, now); err != nil {
		metrics.OrderRejectionsTotal.WithLabelValues("validation").Inc()
		return 0, err
	}

	o, err := ledger.PlaceLimitOrder(acc, m, posType, orderType,
		triggerPrice, collateral, leverage, stopLoss, takeProfit, now)
	if err != nil {
		return 0, err
	}

	v.poolMu.Lock()
	defer v.poolMu.Unlock()
	d, err := v.loadDetails(ctx)
	if err != nil {
		return 0, err
	}
	d.CollateralReserve = d.CollateralReserve.Add(collateral)
	if err := v.store.SaveDetails(ctx, d); err != nil {
		return 0, err
	}
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return 0, err
	}

	v.appendEvent(ctx, model.EventLimitOrderPlaced, user, marketIdx, o.Key, map[string]string{
		"order_type":    orderType.String(),
		"position_type": posType.String(),
		"trigger_price": triggerPrice.String(),
		"collateral":    collateral.String(),
	})
	return o.Key, nil
}

// CancelLimitOrder removes a pending order and releases its collateral
// back to the user.
func (v *Vault) CancelLimitOrder(ctx context.Context, user string, key uint64) (decimal.Decimal, error) {
	al := v.accountLock(user)
	al.Lock()
	defer al.Unlock()

	acc, err := v.store.GetAccount(ctx, user)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := ledger.CheckVersion(acc); err != nil {
		return decimal.Decimal{}, err
	}
	o, ok := acc.LimitOrders[key]
	if !ok {
		return decimal.Decimal{}, ledger.ErrOrderNotFound
	}
	delete(acc.LimitOrders, key)

	v.poolMu.Lock()
	defer v.poolMu.Unlock()
	d, err := v.loadDetails(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	d.CollateralReserve = d.CollateralReserve.Sub(o.Collateral)
	if err := v.store.SaveDetails(ctx, d); err != nil {
		return decimal.Decimal{}, err
	}
	if err := v.store.SaveAccount(ctx, acc); err != nil {
		return decimal.Decimal{}, err
	}

	v.appendEvent(ctx, model.EventLimitOrderCancelled, user, o.MarketIdx, key, map[string]string{
		"refund": o.Collateral.String(),
	})
	return o.Collateral, nil
}

// QuoteFor fetches and validates a fresh price for a market from the
// configured source. Handlers use it when the request does not carry a
// signed quote of its own.
func (v *Vault) QuoteFor(ctx context.Context, marketIdx uint32) (oracle.Quote, error) {
	m, err := v.store.GetMarket(ctx, marketIdx)
	if err != nil {
		return oracle.Quote{}, err
	}
	q, err := v.source.GetPrice(ctx, m.Oracle.Ticker)
	if err != nil {
		return oracle.Quote{}, err
	}
	if _, err := v.validatedQuote(q, m, v.now().UTC()); err != nil {
		return oracle.Quote{}, err
	}
	return q, nil
}
