// Package binance adapts the Binance futures REST and websocket APIs to the
// canonical adapter interfaces.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"tradeflow/logger"
	"tradeflow/models"
)

// Source serves order book snapshots and diff streams from Binance.
type Source struct {
	client *futures.Client
	depth  int
	log    *logger.Log
}

// NewSource creates a market data source backed by the binance-go client.
// Public endpoints need no credentials.
func NewSource(baseURL string, depth int) *Source {
	client := futures.NewClient("", "")
	if baseURL != "" {
		client.SetApiEndpoint(baseURL)
	}
	if depth <= 0 {
		depth = 1000
	}
	return &Source{
		client: client,
		depth:  depth,
		log:    logger.GetLogger(),
	}
}

func symbol(base, quote string) string {
	return strings.ToUpper(base + quote)
}

// GetSnapshot fetches a full depth snapshot over REST.
func (s *Source) GetSnapshot(ctx context.Context, base, quote string) (models.RawSnapshot, error) {
	res, err := s.client.NewDepthService().
		Symbol(symbol(base, quote)).
		Limit(s.depth).
		Do(ctx)
	if err != nil {
		return models.RawSnapshot{}, &models.GatewayTransportError{Err: err}
	}

	snap := models.RawSnapshot{
		Sequence: res.LastUpdateID,
		Bids:     make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:     make([]models.PriceLevel, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		lvl, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return models.RawSnapshot{}, fmt.Errorf("parse bid level: %w", err)
		}
		snap.Bids = append(snap.Bids, lvl)
	}
	for _, a := range res.Asks {
		lvl, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return models.RawSnapshot{}, fmt.Errorf("parse ask level: %w", err)
		}
		snap.Asks = append(snap.Asks, lvl)
	}
	return snap, nil
}

// SubscribeDiffs opens the diff depth websocket stream and forwards each
// event to handler. The returned stop function closes the stream.
func (s *Source) SubscribeDiffs(ctx context.Context, base, quote string, handler func(models.Diff)) (func(), error) {
	sym := symbol(base, quote)
	log := s.log.WithComponent("binance_source").WithFields(logger.Fields{"symbol": sym})

	wsHandler := func(event *futures.WsDepthEvent) {
		d, err := diffFromDepthEvent(event)
		if err != nil {
			log.WithError(err).Warn("failed to parse depth event")
			return
		}
		handler(d)
	}
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	doneC, stopC, err := futures.WsDiffDepthServe(sym, wsHandler, errHandler)
	if err != nil {
		return nil, &models.GatewayTransportError{Err: err}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopC) })
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
			<-doneC
		case <-doneC:
		}
	}()

	log.Info("subscribed to diff depth stream")
	return stop, nil
}

func diffFromDepthEvent(event *futures.WsDepthEvent) (models.Diff, error) {
	d := models.Diff{
		StartSeq:  event.FirstUpdateID,
		EndSeq:    event.LastUpdateID,
		EventTime: event.Time,
		Bids:      make([]models.PriceLevel, 0, len(event.Bids)),
		Asks:      make([]models.PriceLevel, 0, len(event.Asks)),
	}
	for _, b := range event.Bids {
		lvl, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return models.Diff{}, err
		}
		d.Bids = append(d.Bids, lvl)
	}
	for _, a := range event.Asks {
		lvl, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return models.Diff{}, err
		}
		d.Asks = append(d.Asks, lvl)
	}
	return d, nil
}

func parseLevel(price, qty string) (models.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return models.PriceLevel{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	return models.PriceLevel{Price: p, Quantity: q}, nil
}
