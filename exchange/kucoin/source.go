// Package kucoin adapts the KuCoin spot REST and websocket APIs to the
// canonical adapter interfaces. KuCoin level2 messages carry an explicit
// sequence range per update, which maps directly onto the diff model.
package kucoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradeflow/logger"
	"tradeflow/models"
)

const defaultBaseURL = "https://api.kucoin.com"

// Source serves order book snapshots and level2 diff streams from KuCoin.
type Source struct {
	baseURL string
	http    *http.Client
	log     *logger.Log
}

// NewSource creates a market data source for KuCoin public endpoints.
func NewSource(baseURL string) *Source {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logger.GetLogger(),
	}
}

func symbol(base, quote string) string {
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote)
}

type restEnvelope struct {
	Code string          `json:"code"`
	Data json.RawMessage `json:"data"`
}

// GetSnapshot fetches the full level2 book over REST.
func (s *Source) GetSnapshot(ctx context.Context, base, quote string) (models.RawSnapshot, error) {
	reqURL := fmt.Sprintf("%s/api/v1/market/orderbook/level2_100?symbol=%s", s.baseURL, symbol(base, quote))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return models.RawSnapshot{}, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return models.RawSnapshot{}, &models.GatewayTransportError{Err: err}
	}
	defer resp.Body.Close()

	var env restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return models.RawSnapshot{}, &models.GatewayTransportError{Err: err}
	}
	if env.Code != "200000" {
		return models.RawSnapshot{}, &models.GatewayTransportError{Err: fmt.Errorf("kucoin rest code %s", env.Code)}
	}

	var body struct {
		Sequence string     `json:"sequence"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		return models.RawSnapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	seq, err := strconv.ParseInt(body.Sequence, 10, 64)
	if err != nil {
		return models.RawSnapshot{}, fmt.Errorf("parse snapshot sequence %q: %w", body.Sequence, err)
	}

	snap := models.RawSnapshot{Sequence: seq}
	if snap.Bids, err = parseLevels(body.Bids); err != nil {
		return models.RawSnapshot{}, fmt.Errorf("parse bids: %w", err)
	}
	if snap.Asks, err = parseLevels(body.Asks); err != nil {
		return models.RawSnapshot{}, fmt.Errorf("parse asks: %w", err)
	}
	return snap, nil
}

func parseLevels(rows [][]string) ([]models.PriceLevel, error) {
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

// bulletToken bootstraps websocket access. KuCoin requires a short lived
// token and tells the client which endpoint to dial and how often to ping.
func (s *Source) bulletToken(ctx context.Context) (endpoint string, pingInterval time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/bullet-public", bytes.NewReader(nil))
	if err != nil {
		return "", 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var env restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", 0, err
	}
	var body struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		return "", 0, err
	}
	if len(body.InstanceServers) == 0 {
		return "", 0, fmt.Errorf("no instance servers in bullet response")
	}
	srv := body.InstanceServers[0]
	endpoint = fmt.Sprintf("%s?token=%s&connectId=%s", srv.Endpoint, body.Token, uuid.NewString())
	pingInterval = time.Duration(srv.PingInterval) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = 18 * time.Second
	}
	return endpoint, pingInterval, nil
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type level2Data struct {
	SequenceStart int64  `json:"sequenceStart"`
	SequenceEnd   int64  `json:"sequenceEnd"`
	Symbol        string `json:"symbol"`
	Time          int64  `json:"time"`
	Changes       struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"changes"`
}

// SubscribeDiffs opens the level2 websocket stream and forwards each update
// to handler. The connection is re-established on failure until the context
// is canceled or stop is called.
func (s *Source) SubscribeDiffs(ctx context.Context, base, quote string, handler func(models.Diff)) (func(), error) {
	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go s.stream(sctx, &wg, symbol(base, quote), handler)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	return stop, nil
}

func (s *Source) stream(ctx context.Context, wg *sync.WaitGroup, sym string, handler func(models.Diff)) {
	defer wg.Done()

	log := s.log.WithComponent("kucoin_source").WithFields(logger.Fields{"symbol": sym})
	topic := "/market/level2:" + sym
	reconnectDelay := 5 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		endpoint, pingInterval, err := s.bulletToken(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to get websocket token")
			sleepCtx(ctx, reconnectDelay)
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket")
			sleepCtx(ctx, reconnectDelay)
			continue
		}

		sub := wsMessage{ID: uuid.NewString(), Type: "subscribe", Topic: topic}
		if err := conn.WriteJSON(sub); err != nil {
			log.WithError(err).Warn("failed to subscribe")
			conn.Close()
			sleepCtx(ctx, reconnectDelay)
			continue
		}
		log.Info("subscribed to level2 stream")

		s.readLoop(ctx, conn, topic, pingInterval, handler, log)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn("kucoin websocket disconnected, reconnecting")
		sleepCtx(ctx, reconnectDelay)
	}
}

// readLoop pumps messages until the connection fails or the context ends.
// A separate goroutine answers the server's ping requirement.
func (s *Source) readLoop(ctx context.Context, conn *websocket.Conn, topic string, pingInterval time.Duration, handler func(models.Diff), log *logger.Entry) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblocks the read below.
				conn.Close()
				return
			case <-ticker.C:
				ping := wsMessage{ID: uuid.NewString(), Type: "ping"}
				if err := conn.WriteJSON(ping); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("websocket read error")
			}
			return
		}
		if msg.Type != "message" || msg.Topic != topic {
			continue
		}

		var data level2Data
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.WithError(err).Warn("failed to parse level2 data")
			continue
		}

		d := models.Diff{
			StartSeq:  data.SequenceStart,
			EndSeq:    data.SequenceEnd,
			EventTime: data.Time,
		}
		var err error
		if d.Bids, err = parseChangeRows(data.Changes.Bids); err != nil {
			log.WithError(err).Warn("failed to parse bid changes")
			continue
		}
		if d.Asks, err = parseChangeRows(data.Changes.Asks); err != nil {
			log.WithError(err).Warn("failed to parse ask changes")
			continue
		}
		handler(d)
	}
}

// parseChangeRows reads level2 change rows, which are [price, size, sequence]
// triples. A zero size removes the level.
func parseChangeRows(rows [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, err
		}
		// KuCoin signals a market order match with price zero; there is no
		// resting level to update.
		if price.IsZero() {
			continue
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
