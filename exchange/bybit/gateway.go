// Package bybit adapts the Bybit v5 unified trading API to the order
// gateway interface. Bybit has no execution stream wired here, so fill
// reconciliation for it runs entirely on the open-order poll.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"tradeflow/logger"
	"tradeflow/models"
)

// Bybit v5 return codes that translate to definitive rejections.
const (
	retCodeOK                  = 0
	retCodeOrderNotExists      = 110001
	retCodeInsufficientBalance = 110007
)

const categorySpot = "spot"

// Gateway places and tracks orders on Bybit spot.
type Gateway struct {
	client *bybit.Client
	log    *logger.Log
}

// NewGateway creates an order gateway with the given credentials.
func NewGateway(apiKey, apiSecret, baseURL string) *Gateway {
	opts := []bybit.ClientOption{}
	if baseURL != "" {
		opts = append(opts, bybit.WithBaseURL(baseURL))
	}
	return &Gateway{
		client: bybit.NewBybitHttpClient(apiKey, apiSecret, opts...),
		log:    logger.GetLogger(),
	}
}

func symbol(base, quote string) string {
	return strings.ToUpper(base + quote)
}

// checkRet classifies a server response. Known rejection codes become
// GatewayRejectedError, everything else non-zero is treated as transport.
func checkRet(resp *bybit.ServerResponse) error {
	switch resp.RetCode {
	case retCodeOK:
		return nil
	case retCodeOrderNotExists:
		return &models.GatewayRejectedError{Reason: models.ReasonOrderNotFound, Message: resp.RetMsg}
	case retCodeInsufficientBalance:
		return &models.GatewayRejectedError{Reason: models.ReasonInsufficientFunds, Message: resp.RetMsg}
	default:
		return &models.GatewayTransportError{Err: fmt.Errorf("bybit ret code %d: %s", resp.RetCode, resp.RetMsg)}
	}
}

// decodeResult round-trips the untyped Result payload into out.
func decodeResult(resp *bybit.ServerResponse, out interface{}) error {
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

// Submit places a limit order, carrying the internal id as the order link
// id so polled orders can be correlated back.
func (g *Gateway) Submit(ctx context.Context, o models.Order) (models.SubmitAck, error) {
	side := "Buy"
	if o.Side == models.OrderSideSell {
		side = "Sell"
	}

	params := map[string]interface{}{
		"category":    categorySpot,
		"symbol":      symbol(o.Base, o.Quote),
		"side":        side,
		"orderType":   "Limit",
		"timeInForce": "GTC",
		"price":       o.Price.String(),
		"qty":         o.Quantity.String(),
		"orderLinkId": o.InternalID,
	}

	resp, err := g.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return models.SubmitAck{}, &models.GatewayTransportError{Err: err}
	}
	if err := checkRet(resp); err != nil {
		return models.SubmitAck{}, err
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := decodeResult(resp, &result); err != nil {
		return models.SubmitAck{}, fmt.Errorf("decode place order result: %w", err)
	}

	return models.SubmitAck{
		ExchangeOrderID: result.OrderID,
		ServerMS:        resp.Time,
	}, nil
}

// Cancel cancels by exchange order id when known, otherwise by order link id.
func (g *Gateway) Cancel(ctx context.Context, base, quote, exchangeOrderID, internalOrderID string) error {
	params := map[string]interface{}{
		"category": categorySpot,
		"symbol":   symbol(base, quote),
	}
	if exchangeOrderID != "" {
		params["orderId"] = exchangeOrderID
	} else {
		params["orderLinkId"] = internalOrderID
	}

	resp, err := g.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return &models.GatewayTransportError{Err: err}
	}
	return checkRet(resp)
}

// OpenOrders lists the live orders for one market.
func (g *Gateway) OpenOrders(ctx context.Context, base, quote string) ([]models.OrderState, error) {
	params := map[string]interface{}{
		"category": categorySpot,
		"symbol":   symbol(base, quote),
	}

	resp, err := g.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, &models.GatewayTransportError{Err: err}
	}
	if err := checkRet(resp); err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			CumExecQty  string `json:"cumExecQty"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	if err := decodeResult(resp, &result); err != nil {
		return nil, fmt.Errorf("decode open orders result: %w", err)
	}

	states := make([]models.OrderState, 0, len(result.List))
	for _, row := range result.List {
		cum, perr := decimal.NewFromString(row.CumExecQty)
		if perr != nil {
			g.log.WithComponent("bybit_gateway").WithError(perr).WithFields(logger.Fields{
				"exchange_order_id": row.OrderID,
			}).Warn("unparseable cumulative quantity in open orders")
			continue
		}
		states = append(states, models.OrderState{
			ExchangeOrderID:   row.OrderID,
			InternalOrderID:   row.OrderLinkID,
			CumQuantityFilled: cum,
			Status:            statusFromBybit(row.OrderStatus),
		})
	}
	return states, nil
}

// Balances returns unified account balances.
func (g *Gateway) Balances(ctx context.Context) ([]models.Balance, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	resp, err := g.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return nil, &models.GatewayTransportError{Err: err}
	}
	if err := checkRet(resp); err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := decodeResult(resp, &result); err != nil {
		return nil, fmt.Errorf("decode wallet result: %w", err)
	}

	var balances []models.Balance
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			total, terr := decimal.NewFromString(coin.WalletBalance)
			if terr != nil || total.IsZero() {
				continue
			}
			locked := decimal.Zero
			if coin.Locked != "" {
				if l, lerr := decimal.NewFromString(coin.Locked); lerr == nil {
					locked = l
				}
			}
			balances = append(balances, models.Balance{
				Asset:  coin.Coin,
				Free:   total.Sub(locked),
				Locked: locked,
			})
		}
	}
	return balances, nil
}

func statusFromBybit(s string) models.OrderStatus {
	switch s {
	case "New", "Created":
		return models.OrderStatusOpen
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return models.OrderStatusCanceled
	case "Rejected":
		return models.OrderStatusRejected
	case "Deactivated":
		return models.OrderStatusExpired
	default:
		return models.OrderStatusUnknown
	}
}
