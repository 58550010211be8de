// Package api provides the HTTP handlers mapping vault operations onto
// the REST surface: market administration, position lifecycle, keeper
// batches, liquidity, and account reads.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/ledger"
	"github.com/perpex/margin-engine/internal/model"
	"github.com/perpex/margin-engine/internal/oracle"
	"github.com/perpex/margin-engine/internal/pricing"
	"github.com/perpex/margin-engine/internal/registry"
	"github.com/perpex/margin-engine/internal/store"
	"github.com/perpex/margin-engine/internal/vault"
)

// Service handles HTTP requests against the vault engine.
type Service struct {
	vault *vault.Vault
	wsHub *WSHub // optional hub for real-time event broadcasts
}

// NewService creates an api service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(v *vault.Vault, hub *WSHub) *Service {
	if hub != nil {
		v.SetNotifier(hub.BroadcastEvent)
	}
	return &Service{vault: v, wsHub: hub}
}

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /api/v1/positions/open.
// Quote is optional; when omitted, the engine fetches one from the
// configured price source.
type OpenPositionRequest struct {
	User            string          `json:"user"`
	MarketIdx       uint32          `json:"market_idx"`
	PositionType    string          `json:"position_type"` // "long" or "short"
	Collateral      decimal.Decimal `json:"collateral"`
	Leverage        decimal.Decimal `json:"leverage"`
	ExpectedPrice   decimal.Decimal `json:"expected_price"`
	MaxSlippageRate decimal.Decimal `json:"max_slippage_rate"`
	Referrer        string          `json:"referrer,omitempty"`
	StopLoss        decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit      decimal.Decimal `json:"take_profit,omitempty"`
	Quote           *oracle.Quote   `json:"quote,omitempty"`
}

// ClosePositionRequest is the JSON body for POST /api/v1/positions/close.
type ClosePositionRequest struct {
	User  string        `json:"user"`
	Key   uint64        `json:"key"`
	Quote *oracle.Quote `json:"quote,omitempty"`
}

// CollateralRequest adjusts a position's margin.
type CollateralRequest struct {
	User   string          `json:"user"`
	Key    uint64          `json:"key"`
	Amount decimal.Decimal `json:"amount"`
	Quote  *oracle.Quote   `json:"quote,omitempty"`
}

// TriggersRequest attaches or detaches SL/TP triggers.
type TriggersRequest struct {
	User       string          `json:"user"`
	Key        uint64          `json:"key"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	RemoveSL   bool            `json:"remove_stop_loss,omitempty"`
	RemoveTP   bool            `json:"remove_take_profit,omitempty"`
}

// LimitOrderRequest places a pending limit or stop order.
type LimitOrderRequest struct {
	User         string          `json:"user"`
	MarketIdx    uint32          `json:"market_idx"`
	PositionType string          `json:"position_type"`
	OrderType    string          `json:"order_type"` // "limit" or "stop"
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Collateral   decimal.Decimal `json:"collateral"`
	Leverage     decimal.Decimal `json:"leverage"`
	Referrer     string          `json:"referrer,omitempty"`
	StopLoss     decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   decimal.Decimal `json:"take_profit,omitempty"`
}

// CancelOrderRequest cancels a pending order.
type CancelOrderRequest struct {
	User string `json:"user"`
	Key  uint64 `json:"key"`
}

// ExecuteOrdersRequest is the keeper batch for POST /api/v1/orders/execute.
type ExecuteOrdersRequest struct {
	Keeper  string                      `json:"keeper"`
	Batches map[uint32]vault.LimitBatch `json:"batches"`
}

// TriggerBatchRequest is the keeper batch for firing SL/TP triggers.
type TriggerBatchRequest struct {
	Keeper  string                        `json:"keeper"`
	Batches map[uint32]vault.TriggerBatch `json:"batches"`
}

// LiquidationRequest is the keeper batch for POST /api/v1/liquidations.
type LiquidationRequest struct {
	Liquidator string                            `json:"liquidator"`
	Batches    map[uint32]vault.LiquidationBatch `json:"batches"`
}

// LiquidityRequest moves funds in or out of the pool.
type LiquidityRequest struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

// EntryResult is the per-entry JSON form of a batch outcome.
type EntryResult struct {
	User       string            `json:"user"`
	Key        uint64            `json:"key"`
	Error      string            `json:"error,omitempty"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
}

func entryResults(outcomes []vault.EntryOutcome) []EntryResult {
	results := make([]EntryResult, 0, len(outcomes))
	for _, o := range outcomes {
		r := EntryResult{User: o.User, Key: o.Key, Settlement: o.Settlement}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		results = append(results, r)
	}
	return results
}

// --- Handlers: markets ---

// CreateMarkets handles POST /api/v1/markets.
func (s *Service) CreateMarkets(w http.ResponseWriter, r *http.Request) {
	var configs []vault.MarketConfig
	if err := json.NewDecoder(r.Body).Decode(&configs); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(configs) == 0 {
		writeError(w, "at least one market config required", http.StatusBadRequest)
		return
	}

	indices, err := s.vault.AddMarkets(r.Context(), configs)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]uint32{"indices": indices})
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.vault.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketIdx}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	idx, ok := marketIdxParam(w, r)
	if !ok {
		return
	}
	m, err := s.vault.GetMarket(r.Context(), idx)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMarketPrice handles GET /api/v1/markets/{marketIdx}/price.
func (s *Service) GetMarketPrice(w http.ResponseWriter, r *http.Request) {
	idx, ok := marketIdxParam(w, r)
	if !ok {
		return
	}
	q, err := s.vault.QuoteFor(r.Context(), idx)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// SetMarketPaused handles POST /api/v1/markets/{marketIdx}/pause.
func (s *Service) SetMarketPaused(w http.ResponseWriter, r *http.Request) {
	idx, ok := marketIdxParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.SetMarketPaused(r.Context(), idx, req.Paused); err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

// SetOracleConfig handles PUT /api/v1/markets/{marketIdx}/oracle.
func (s *Service) SetOracleConfig(w http.ResponseWriter, r *http.Request) {
	idx, ok := marketIdxParam(w, r)
	if !ok {
		return
	}
	var cfg model.OracleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.SetOracleConfig(r.Context(), idx, cfg); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetMaxPnlRate handles PUT /api/v1/settings/max-pnl-rate.
func (s *Service) SetMaxPnlRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxPnlRate decimal.Decimal `json:"maxPnlRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.SetMaxPnlRate(r.Context(), req.MaxPnlRate); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Handlers: positions ---

// OpenPosition handles POST /api/v1/positions/open.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	posType, err := parsePositionType(req.PositionType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	q, err := s.resolveQuote(ctx, req.Quote, req.MarketIdx)
	if err != nil {
		writeVaultError(w, err)
		return
	}

	key, err := s.vault.OpenMarketPosition(ctx, req.User, req.MarketIdx, posType,
		req.Collateral, req.Leverage, q, req.ExpectedPrice, req.MaxSlippageRate,
		req.Referrer, asTrigger(req.StopLoss), asTrigger(req.TakeProfit))
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"key": key})
}

// ClosePosition handles POST /api/v1/positions/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	q, err := s.resolveQuoteForPosition(ctx, req.Quote, req.User, req.Key)
	if err != nil {
		writeVaultError(w, err)
		return
	}

	st, err := s.vault.ClosePosition(ctx, req.User, req.Key, q)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AddCollateral handles POST /api/v1/positions/collateral/add.
func (s *Service) AddCollateral(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.AddCollateral(r.Context(), req.User, req.Key, req.Amount); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveCollateral handles POST /api/v1/positions/collateral/remove.
func (s *Service) RemoveCollateral(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	q, err := s.resolveQuoteForPosition(ctx, req.Quote, req.User, req.Key)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	if err := s.vault.RemoveCollateral(ctx, req.User, req.Key, req.Amount, q); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetTriggers handles POST /api/v1/positions/triggers.
func (s *Service) SetTriggers(w http.ResponseWriter, r *http.Request) {
	var req TriggersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.RemoveSL || req.RemoveTP {
		if err := s.vault.RemovePositionTriggers(ctx, req.User, req.Key, req.RemoveSL, req.RemoveTP); err != nil {
			writeVaultError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.vault.SetPositionTriggers(ctx, req.User, req.Key,
		asTrigger(req.StopLoss), asTrigger(req.TakeProfit)); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteTriggers handles POST /api/v1/positions/triggers/execute.
func (s *Service) ExecuteTriggers(w http.ResponseWriter, r *http.Request) {
	var req TriggerBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcomes := s.vault.TriggerPositions(r.Context(), req.Keeper, req.Batches)
	writeJSON(w, http.StatusOK, entryResults(outcomes))
}

// --- Handlers: limit orders ---

// PlaceLimitOrder handles POST /api/v1/orders/limit.
func (s *Service) PlaceLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req LimitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	posType, err := parsePositionType(req.PositionType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	orderType, err := parseOrderType(req.OrderType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, err := s.vault.OpenLimitOrder(r.Context(), req.User, req.MarketIdx,
		posType, orderType, req.TriggerPrice, req.Collateral, req.Leverage,
		req.Referrer, asTrigger(req.StopLoss), asTrigger(req.TakeProfit))
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"key": key})
}

// CancelLimitOrder handles POST /api/v1/orders/cancel.
func (s *Service) CancelLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	refund, err := s.vault.CancelLimitOrder(r.Context(), req.User, req.Key)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refund": refund.String()})
}

// ExecuteLimitOrders handles POST /api/v1/orders/execute.
func (s *Service) ExecuteLimitOrders(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcomes := s.vault.ExecuteLimitOrders(r.Context(), req.Keeper, req.Batches)
	writeJSON(w, http.StatusOK, entryResults(outcomes))
}

// --- Handlers: liquidations ---

// Liquidate handles POST /api/v1/liquidations.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcomes := s.vault.LiquidatePositions(r.Context(), req.Liquidator, req.Batches)
	writeJSON(w, http.StatusOK, entryResults(outcomes))
}

// --- Handlers: liquidity ---

// DepositLiquidity handles POST /api/v1/liquidity/deposit.
func (s *Service) DepositLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	minted, err := s.vault.DepositLiquidity(r.Context(), req.User, req.Amount)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"minted": minted.String()})
}

// WithdrawLiquidity handles POST /api/v1/liquidity/withdraw.
func (s *Service) WithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payout, err := s.vault.WithdrawLiquidity(r.Context(), req.User, req.Amount)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payout": payout.String()})
}

// WithdrawReferral handles POST /api/v1/referrals/withdraw.
func (s *Service) WithdrawReferral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := s.vault.WithdrawReferralBalance(r.Context(), req.User)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

// --- Handlers: accounts & reads ---

// GetAccount handles GET /api/v1/accounts/{user}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	acc, err := s.vault.GetAccount(r.Context(), user)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// UpgradeAccount handles POST /api/v1/accounts/{user}/upgrade.
func (s *Service) UpgradeAccount(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := s.vault.UpgradeAccount(r.Context(), user); err != nil {
		writeVaultError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPositionView handles GET /api/v1/accounts/{user}/positions/{key}/view.
func (s *Service) GetPositionView(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	key, err := strconv.ParseUint(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, "invalid position key", http.StatusBadRequest)
		return
	}
	view, err := s.vault.PositionView(r.Context(), user, key)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetEvents handles GET /api/v1/accounts/{user}/events.
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.vault.ListEvents(r.Context(), user, limit)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetDetails handles GET /api/v1/details.
func (s *Service) GetDetails(w http.ResponseWriter, r *http.Request) {
	d, err := s.vault.Details(r.Context())
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- Helpers ---

func (s *Service) resolveQuote(ctx context.Context, q *oracle.Quote, marketIdx uint32) (oracle.Quote, error) {
	if q != nil {
		return *q, nil
	}
	return s.vault.QuoteFor(ctx, marketIdx)
}

func (s *Service) resolveQuoteForPosition(ctx context.Context, q *oracle.Quote, user string, key uint64) (oracle.Quote, error) {
	if q != nil {
		return *q, nil
	}
	acc, err := s.vault.GetAccount(ctx, user)
	if err != nil {
		return oracle.Quote{}, err
	}
	p, ok := acc.Positions[key]
	if !ok {
		return oracle.Quote{}, ledger.ErrPositionNotFound
	}
	return s.vault.QuoteFor(ctx, p.MarketIdx)
}

func marketIdxParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	idx, err := strconv.ParseUint(chi.URLParam(r, "marketIdx"), 10, 32)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return 0, false
	}
	return uint32(idx), true
}

func parsePositionType(s string) (model.PositionType, error) {
	switch s {
	case "long":
		return model.Long, nil
	case "short":
		return model.Short, nil
	}
	return 0, errors.New("position_type must be long or short")
}

func parseOrderType(s string) (model.LimitOrderType, error) {
	switch s {
	case "limit":
		return model.Limit, nil
	case "stop":
		return model.Stop, nil
	}
	return 0, errors.New("order_type must be limit or stop")
}

func asTrigger(price decimal.Decimal) *model.Trigger {
	if !price.IsPositive() {
		return nil
	}
	return &model.Trigger{TriggerPrice: price}
}

// writeVaultError maps engine sentinel errors to HTTP status codes.
func writeVaultError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrPositionNotFound),
		errors.Is(err, ledger.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, registry.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrLeverageTooHigh),
		errors.Is(err, registry.ErrMarketCapExceeded),
		errors.Is(err, registry.ErrMarketClosed),
		errors.Is(err, registry.ErrMarketPaused),
		errors.Is(err, pricing.ErrSlippageExceeded),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrTickerMismatch),
		errors.Is(err, oracle.ErrNoPrice),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrCollateralBelowMinimum),
		errors.Is(err, ledger.ErrOutdatedVersion),
		errors.Is(err, ledger.ErrTriggerNotSet),
		errors.Is(err, ledger.ErrTriggerNotReached),
		errors.Is(err, vault.ErrNotLiquidatable),
		errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, vault.ErrInvariantViolation):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, err.Error(), status)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
