package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus mirrors the canonical order lifecycle states.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// Order is the ledger's view of a working order. ExchangeID is empty until
// the exchange acknowledges the submission.
type Order struct {
	InternalID        string          `json:"internal_order_id"`
	ExchangeID        string          `json:"exchange_order_id"`
	Exchange          string          `json:"exchange"`
	Base              string          `json:"base"`
	Quote             string          `json:"quote"`
	Side              OrderSide       `json:"side"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	CumQuantityFilled decimal.Decimal `json:"cum_quantity_filled"`
	Status            OrderStatus     `json:"order_status"`
	PendingCancel     bool            `json:"pending_cancel"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SubmitAck is the successful response to an order submission.
type SubmitAck struct {
	ExchangeOrderID string `json:"exchange_order_id"`
	ServerMS        int64  `json:"server_ms"`
}

// OrderState is a single polled order as reported by an exchange's
// open-orders endpoint.
type OrderState struct {
	ExchangeOrderID   string          `json:"exchange_order_id"`
	InternalOrderID   string          `json:"internal_order_id"`
	CumQuantityFilled decimal.Decimal `json:"cum_quantity_filled"`
	Status            OrderStatus     `json:"order_status"`
}

// ExecutionReport is a raw push notification from an exchange execution
// stream, normalized field-wise but not yet reconciled against the ledger.
type ExecutionReport struct {
	Type                 string          `json:"type"` // NEW, TRADE, CANCELED, REJECTED, EXPIRED
	Exchange             string          `json:"exchange"`
	Base                 string          `json:"base"`
	Quote                string          `json:"quote"`
	ExchangeOrderID      string          `json:"exchange_order_id"`
	InternalOrderID      string          `json:"internal_order_id"`
	Side                 OrderSide       `json:"side"`
	Price                decimal.Decimal `json:"price"`
	Quantity             decimal.Decimal `json:"quantity"`
	CumQuantityFilled    decimal.Decimal `json:"cum_quantity_filled"`
	LastExecutedQuantity decimal.Decimal `json:"last_executed_quantity"`
	LastExecutedPrice    decimal.Decimal `json:"last_executed_price"`
	CommissionAmount     decimal.Decimal `json:"commission_amount"`
	CommissionAsset      string          `json:"commission_asset"`
	Status               OrderStatus     `json:"order_status"`
	TradeID              string          `json:"trade_id"`
	Reason               string          `json:"reason"`
	ServerMS             int64           `json:"server_ms"`
}

// Balance is a single normalized account balance row.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}
