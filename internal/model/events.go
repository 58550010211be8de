package model

import (
	"encoding/json"
	"time"
)

// EventType names for the transactional outbox. Off-chain indexers and
// the websocket hub consume these; they are not a correctness mechanism.
const (
	EventMarketOrderExecution      = "market_order_execution"
	EventLimitOrderPlaced          = "limit_order_placed"
	EventLimitOrderExecution       = "limit_order_execution"
	EventLimitOrderCancelled       = "limit_order_cancelled"
	EventClosePosition             = "close_position"
	EventTriggerPositionExecution  = "trigger_position_execution"
	EventLiquidatePosition         = "liquidate_position"
	EventLiquidatePositionRevert   = "liquidate_position_revert"
	EventAddPositionCollateral     = "add_position_collateral"
	EventRemovePositionCollateral  = "remove_position_collateral"
	EventSetPositionTriggers       = "set_position_triggers"
	EventRemovePositionTriggers    = "remove_position_triggers"
	EventLiquidityPoolDeposit      = "liquidity_pool_deposit"
	EventLiquidityPoolWithdraw     = "liquidity_pool_withdraw"
	EventReferralPayment           = "referral_payment"
	EventAccountUpgraded           = "account_upgraded"
	EventMarketAdded               = "market_added"
)

// Event is one outbox record, appended in the same logical transaction
// as the state mutation it describes.
type Event struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"`
	User        string          `json:"user,omitempty" db:"user"`
	MarketIdx   uint32          `json:"market_idx" db:"market_idx"`
	PositionKey uint64          `json:"position_key,omitempty" db:"position_key"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
