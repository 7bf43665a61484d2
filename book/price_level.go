// Package book holds the live order book for one market and the
// reconciliation state machine that keeps it consistent with an exchange's
// snapshot and diff streams.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/models"
)

// PriceLevelBook is a mutable bid/ask price-level container for one market.
// A price with quantity zero is removed, never stored. The book is not safe
// for concurrent use; the owning Reconciler serializes access.
type PriceLevelBook struct {
	exchange string
	base     string
	quote    string
	bids     map[string]models.PriceLevel
	asks     map[string]models.PriceLevel
}

func NewPriceLevelBook(exchange, base, quote string) *PriceLevelBook {
	return &PriceLevelBook{
		exchange: exchange,
		base:     base,
		quote:    quote,
		bids:     make(map[string]models.PriceLevel),
		asks:     make(map[string]models.PriceLevel),
	}
}

// Upsert sets the quantity at a price level. Quantity zero removes the
// level, quantity greater than zero replaces it.
func (b *PriceLevelBook) Upsert(side models.BookSide, price, quantity decimal.Decimal) {
	levels := b.bids
	if side == models.BookSideAsk {
		levels = b.asks
	}

	key := price.String()
	if quantity.IsZero() {
		delete(levels, key)
		return
	}
	levels[key] = models.PriceLevel{Price: price, Quantity: quantity}
}

// Replace discards the current book and installs the snapshot contents.
// Zero-quantity snapshot rows are dropped.
func (b *PriceLevelBook) Replace(snapshot models.RawSnapshot) {
	b.bids = make(map[string]models.PriceLevel, len(snapshot.Bids))
	b.asks = make(map[string]models.PriceLevel, len(snapshot.Asks))
	for _, bid := range snapshot.Bids {
		b.Upsert(models.BookSideBid, bid.Price, bid.Quantity)
	}
	for _, ask := range snapshot.Asks {
		b.Upsert(models.BookSideAsk, ask.Price, ask.Quantity)
	}
}

// Depth returns the number of levels on a side.
func (b *PriceLevelBook) Depth(side models.BookSide) int {
	if side == models.BookSideAsk {
		return len(b.asks)
	}
	return len(b.bids)
}

// Snapshot produces an immutable sorted view of the book: bids descending,
// asks ascending, tagged with the market identity.
func (b *PriceLevelBook) Snapshot(lastUpdateID int64) models.BookSnapshot {
	bids := make([]models.PriceLevel, 0, len(b.bids))
	for _, lvl := range b.bids {
		bids = append(bids, lvl)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })

	asks := make([]models.PriceLevel, 0, len(b.asks))
	for _, lvl := range b.asks {
		asks = append(asks, lvl)
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	return models.BookSnapshot{
		Exchange:     b.exchange,
		Base:         b.base,
		Quote:        b.quote,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: lastUpdateID,
		Timestamp:    time.Now().UTC(),
	}
}
