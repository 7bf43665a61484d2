// Package adapter composes the book and order reconcilers against a
// concrete exchange's market data and order gateway glue, exposing the
// canonical exchange capability surface.
package adapter

import (
	"context"

	"tradeflow/models"
)

// MarketDataSource provides raw order book data for markets on one
// exchange: point-in-time REST snapshots and the diff push stream.
type MarketDataSource interface {
	// GetSnapshot fetches a full book snapshot for the market.
	GetSnapshot(ctx context.Context, base, quote string) (models.RawSnapshot, error)

	// SubscribeDiffs starts the diff stream for a market, invoking handler
	// for every update until the context is canceled or stop is called.
	// The returned stop function is idempotent.
	SubscribeDiffs(ctx context.Context, base, quote string, handler func(models.Diff)) (stop func(), err error)
}

// OrderGateway submits and cancels orders on one exchange and exposes the
// polled order/balance state. Definitive rejections are returned as
// *models.GatewayRejectedError; anything else is treated as transient and
// retried.
type OrderGateway interface {
	Submit(ctx context.Context, o models.Order) (models.SubmitAck, error)
	Cancel(ctx context.Context, base, quote, exchangeOrderID, internalOrderID string) error
	OpenOrders(ctx context.Context, base, quote string) ([]models.OrderState, error)
	Balances(ctx context.Context) ([]models.Balance, error)
}

// ExecutionStreamer is implemented by gateways whose exchange pushes
// execution reports. Adapters fall back to polling alone when the gateway
// does not implement it.
type ExecutionStreamer interface {
	SubscribeExecutions(ctx context.Context, handler func(models.ExecutionReport)) (stop func(), err error)
}
