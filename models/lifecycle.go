package models

import (
	"github.com/shopspring/decimal"
)

// LifecycleAction is the action carried by a trade_lifecycle event.
type LifecycleAction string

const (
	ActionCreated      LifecycleAction = "CREATED"
	ActionExecution    LifecycleAction = "EXECUTION"
	ActionCanceled     LifecycleAction = "CANCELED"
	ActionRejected     LifecycleAction = "REJECTED"
	ActionExpired      LifecycleAction = "EXPIRED"
	ActionCancelFailed LifecycleAction = "CANCEL_FAILED"
	ActionCreateFailed LifecycleAction = "CREATE_FAILED"
)

// LifecycleEvent is the normalized event published on the trade_lifecycle
// topic. ServerMS carries the exchange-reported time when available,
// otherwise the local receipt time. ReceivedMS is always the receipt time.
type LifecycleEvent struct {
	Action               LifecycleAction `json:"action"`
	Exchange             string          `json:"exchange"`
	Base                 string          `json:"base"`
	Quote                string          `json:"quote"`
	ExchangeOrderID      string          `json:"exchange_order_id"`
	InternalOrderID      string          `json:"internal_order_id"`
	Side                 OrderSide       `json:"side"`
	Quantity             decimal.Decimal `json:"quantity"`
	CumQuantityFilled    decimal.Decimal `json:"cum_quantity_filled"`
	LastExecutedQuantity decimal.Decimal `json:"last_executed_quantity"`
	LastExecutedPrice    decimal.Decimal `json:"last_executed_price"`
	Price                decimal.Decimal `json:"price"`
	FeeBase              decimal.Decimal `json:"fee_base"`
	FeeQuote             decimal.Decimal `json:"fee_quote"`
	TradeID              string          `json:"trade_id"`
	Status               OrderStatus     `json:"order_status"`
	Reason               string          `json:"reason"`
	ServerMS             int64           `json:"server_ms"`
	ReceivedMS           int64           `json:"received_ms"`
}
