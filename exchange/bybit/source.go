package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"tradeflow/logger"
	"tradeflow/models"
)

const defaultWsURL = "wss://stream.bybit.com/v5/public/spot"

// Source serves order book snapshots and diff streams from Bybit. The v5
// orderbook stream carries one update id per message, so each diff covers a
// single sequence number.
type Source struct {
	client *bybit.Client
	wsURL  string
	depth  int
	log    *logger.Log
}

// NewSource creates a market data source for Bybit public endpoints.
func NewSource(baseURL, wsURL string, depth int) *Source {
	opts := []bybit.ClientOption{}
	if baseURL != "" {
		opts = append(opts, bybit.WithBaseURL(baseURL))
	}
	if wsURL == "" {
		wsURL = defaultWsURL
	}
	if depth <= 0 {
		depth = 50
	}
	return &Source{
		client: bybit.NewBybitHttpClient("", "", opts...),
		wsURL:  wsURL,
		depth:  depth,
		log:    logger.GetLogger(),
	}
}

// GetSnapshot fetches a full depth snapshot over REST.
func (s *Source) GetSnapshot(ctx context.Context, base, quote string) (models.RawSnapshot, error) {
	params := map[string]interface{}{
		"category": categorySpot,
		"symbol":   symbol(base, quote),
		"limit":    s.depth,
	}

	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return models.RawSnapshot{}, &models.GatewayTransportError{Err: err}
	}
	if err := checkRet(resp); err != nil {
		return models.RawSnapshot{}, err
	}

	var result struct {
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
	}
	if err := decodeResult(resp, &result); err != nil {
		return models.RawSnapshot{}, fmt.Errorf("decode orderbook result: %w", err)
	}

	snap := models.RawSnapshot{Sequence: result.UpdateID}
	if snap.Bids, err = parseRows(result.Bids); err != nil {
		return models.RawSnapshot{}, fmt.Errorf("parse bids: %w", err)
	}
	if snap.Asks, err = parseRows(result.Asks); err != nil {
		return models.RawSnapshot{}, fmt.Errorf("parse asks: %w", err)
	}
	return snap, nil
}

type orderbookMessage struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	Data  struct {
		Symbol   string     `json:"s"`
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
	} `json:"data"`
}

// SubscribeDiffs opens the public orderbook stream and forwards each update
// to handler.
func (s *Source) SubscribeDiffs(ctx context.Context, base, quote string, handler func(models.Diff)) (func(), error) {
	topic := fmt.Sprintf("orderbook.%d.%s", s.depth, symbol(base, quote))
	log := s.log.WithComponent("bybit_source").WithFields(logger.Fields{"topic": topic})

	msgHandler := func(message string) error {
		var msg orderbookMessage
		if err := json.Unmarshal([]byte(message), &msg); err != nil {
			return nil
		}
		if !strings.HasPrefix(msg.Topic, "orderbook.") {
			return nil
		}

		d := models.Diff{
			StartSeq:  msg.Data.UpdateID,
			EndSeq:    msg.Data.UpdateID,
			EventTime: msg.Ts,
		}
		var err error
		if d.Bids, err = parseRows(msg.Data.Bids); err != nil {
			log.WithError(err).Warn("failed to parse bid rows")
			return nil
		}
		if d.Asks, err = parseRows(msg.Data.Asks); err != nil {
			log.WithError(err).Warn("failed to parse ask rows")
			return nil
		}
		handler(d)
		return nil
	}

	ws := bybit.NewBybitPublicWebSocket(s.wsURL, msgHandler)
	if ws.Connect() == nil {
		return nil, &models.GatewayTransportError{Err: fmt.Errorf("failed to connect bybit websocket")}
	}
	if _, err := ws.SendSubscription([]string{topic}); err != nil {
		ws.Disconnect()
		return nil, &models.GatewayTransportError{Err: err}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() { ws.Disconnect() })
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	log.Info("subscribed to orderbook stream")
	return stop, nil
}

func parseRows(rows [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
