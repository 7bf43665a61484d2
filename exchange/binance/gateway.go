package binance

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"tradeflow/logger"
	"tradeflow/models"
)

// Binance API error codes that translate to definitive rejections.
const (
	codeInsufficientBalance = -2010
	codeUnknownOrder        = -2011
)

// Gateway places and tracks orders on Binance futures. It also implements
// the execution stream by bridging the user data websocket.
type Gateway struct {
	client *futures.Client
	log    *logger.Log
}

// NewGateway creates an order gateway with the given credentials.
func NewGateway(apiKey, apiSecret, baseURL string) *Gateway {
	client := futures.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.SetApiEndpoint(baseURL)
	}
	return &Gateway{
		client: client,
		log:    logger.GetLogger(),
	}
}

// mapAPIError classifies an error from the binance-go client. Known
// rejection codes become GatewayRejectedError; everything else is treated
// as transport and retried.
func mapAPIError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInsufficientBalance:
			return &models.GatewayRejectedError{Reason: models.ReasonInsufficientFunds, Message: apiErr.Message}
		case codeUnknownOrder:
			return &models.GatewayRejectedError{Reason: models.ReasonOrderNotFound, Message: apiErr.Message}
		}
		if apiErr.Code > -2000 && apiErr.Code <= -1100 {
			// Parameter validation errors never succeed on retry.
			return &models.GatewayRejectedError{Reason: models.ReasonUnknown, Message: apiErr.Message}
		}
	}
	return &models.GatewayTransportError{Err: err}
}

// Submit places a limit order, carrying the internal id as the client order
// id so executions can be correlated without a local lookup.
func (g *Gateway) Submit(ctx context.Context, o models.Order) (models.SubmitAck, error) {
	side := futures.SideTypeBuy
	if o.Side == models.OrderSideSell {
		side = futures.SideTypeSell
	}

	res, err := g.client.NewCreateOrderService().
		Symbol(symbol(o.Base, o.Quote)).
		Side(side).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(o.Price.String()).
		Quantity(o.Quantity.String()).
		NewClientOrderID(o.InternalID).
		Do(ctx)
	if err != nil {
		return models.SubmitAck{}, mapAPIError(err)
	}

	return models.SubmitAck{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ServerMS:        res.UpdateTime,
	}, nil
}

// Cancel cancels by exchange order id when known, otherwise by the client
// order id the order was submitted with.
func (g *Gateway) Cancel(ctx context.Context, base, quote, exchangeOrderID, internalOrderID string) error {
	svc := g.client.NewCancelOrderService().Symbol(symbol(base, quote))
	if exchangeOrderID != "" {
		id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
		if err != nil {
			return &models.GatewayRejectedError{Reason: models.ReasonOrderNotFound, Message: "malformed exchange order id"}
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(internalOrderID)
	}

	if _, err := svc.Do(ctx); err != nil {
		return mapAPIError(err)
	}
	return nil
}

// OpenOrders lists the live orders for one market.
func (g *Gateway) OpenOrders(ctx context.Context, base, quote string) ([]models.OrderState, error) {
	orders, err := g.client.NewListOpenOrdersService().
		Symbol(symbol(base, quote)).
		Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}

	states := make([]models.OrderState, 0, len(orders))
	for _, o := range orders {
		cum, perr := decimal.NewFromString(o.ExecutedQuantity)
		if perr != nil {
			g.log.WithComponent("binance_gateway").WithError(perr).WithFields(logger.Fields{
				"exchange_order_id": o.OrderID,
			}).Warn("unparseable executed quantity in open orders")
			continue
		}
		states = append(states, models.OrderState{
			ExchangeOrderID:   strconv.FormatInt(o.OrderID, 10),
			InternalOrderID:   o.ClientOrderID,
			CumQuantityFilled: cum,
			Status:            statusFromBinance(o.Status),
		})
	}
	return states, nil
}

// Balances returns account balances. Binance futures reports total and
// available; locked is the difference.
func (g *Gateway) Balances(ctx context.Context) ([]models.Balance, error) {
	rows, err := g.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}

	balances := make([]models.Balance, 0, len(rows))
	for _, r := range rows {
		total, terr := decimal.NewFromString(r.Balance)
		free, ferr := decimal.NewFromString(r.AvailableBalance)
		if terr != nil || ferr != nil || total.IsZero() {
			continue
		}
		balances = append(balances, models.Balance{
			Asset:  r.Asset,
			Free:   free,
			Locked: total.Sub(free),
		})
	}
	return balances, nil
}

// SubscribeExecutions opens the user data stream and forwards order trade
// updates as execution reports. The listen key is refreshed on the cadence
// Binance requires.
func (g *Gateway) SubscribeExecutions(ctx context.Context, handler func(models.ExecutionReport)) (func(), error) {
	listenKey, err := g.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}

	log := g.log.WithComponent("binance_gateway")

	wsHandler := func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		rep, ok := reportFromTradeUpdate(event.OrderTradeUpdate, event.TransactionTime, log)
		if !ok {
			return
		}
		handler(rep)
	}
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("user data stream error")
		}
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, wsHandler, errHandler)
	if err != nil {
		return nil, &models.GatewayTransportError{Err: err}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopC) })
	}

	go g.keepAlive(ctx, listenKey, doneC, stop)

	log.Info("subscribed to user data stream")
	return stop, nil
}

// keepAlive pings the listen key every 30 minutes until the stream ends.
func (g *Gateway) keepAlive(ctx context.Context, listenKey string, doneC chan struct{}, stop func()) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stop()
			<-doneC
			return
		case <-doneC:
			return
		case <-ticker.C:
			if err := g.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				g.log.WithComponent("binance_gateway").WithError(err).Warn("listen key keepalive failed")
			}
		}
	}
}

func reportFromTradeUpdate(u futures.WsOrderTradeUpdate, txTime int64, log *logger.Entry) (models.ExecutionReport, bool) {
	rep := models.ExecutionReport{
		Exchange:        "binance",
		ExchangeOrderID: strconv.FormatInt(u.ID, 10),
		InternalOrderID: u.ClientOrderID,
		Status:          statusFromBinance(u.Status),
		ServerMS:        txTime,
	}

	switch u.ExecutionType {
	case futures.OrderExecutionTypeNew:
		rep.Type = "NEW"
	case futures.OrderExecutionTypeTrade:
		rep.Type = "TRADE"
		rep.TradeID = strconv.FormatInt(u.TradeID, 10)
	case futures.OrderExecutionTypeCanceled:
		rep.Type = "CANCELED"
	case futures.OrderExecutionTypeExpired:
		rep.Type = "EXPIRED"
	default:
		return models.ExecutionReport{}, false
	}
	if u.Status == futures.OrderStatusTypeRejected {
		rep.Type = "REJECTED"
	}

	if u.Side == futures.SideTypeSell {
		rep.Side = models.OrderSideSell
	} else {
		rep.Side = models.OrderSideBuy
	}

	var perr error
	if rep.Price, perr = decimal.NewFromString(u.OriginalPrice); perr != nil {
		log.WithError(perr).Warn("unparseable order price in trade update")
		return models.ExecutionReport{}, false
	}
	if rep.Quantity, perr = decimal.NewFromString(u.OriginalQty); perr != nil {
		log.WithError(perr).Warn("unparseable order quantity in trade update")
		return models.ExecutionReport{}, false
	}
	rep.CumQuantityFilled, _ = decimal.NewFromString(u.AccumulatedFilledQty)
	rep.LastExecutedQuantity, _ = decimal.NewFromString(u.LastFilledQty)
	rep.LastExecutedPrice, _ = decimal.NewFromString(u.LastFilledPrice)
	rep.CommissionAmount, _ = decimal.NewFromString(u.Commission)
	rep.CommissionAsset = u.CommissionAsset

	// Binance reports the symbol concatenated. Quote resolution falls to
	// the ledger, which already knows the pair for tracked orders.
	rep.Base, rep.Quote = splitSymbol(u.Symbol)

	return rep, true
}

// splitSymbol separates a concatenated symbol on the common quote
// currencies. Unknown quotes leave both halves empty and the ledger's pair
// is used instead.
func splitSymbol(sym string) (string, string) {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)], quote
		}
	}
	return "", ""
}

func statusFromBinance(s futures.OrderStatusType) models.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return models.OrderStatusOpen
	case futures.OrderStatusTypePartiallyFilled:
		return models.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return models.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return models.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return models.OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return models.OrderStatusExpired
	default:
		return models.OrderStatusUnknown
	}
}
