package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookSide identifies the side of the order book a price level belongs to.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// PriceLevel is a single price level. A zero quantity in a diff means the
// level has been removed from the book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// RawSnapshot represents a complete point-in-time order book as returned by
// an exchange REST endpoint, before it is merged into the live book.
type RawSnapshot struct {
	Sequence int64        `json:"sequence"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
}

// Diff is an incremental order book update covering the sequence range
// [StartSeq, EndSeq]. Bid and ask entries with quantity zero remove levels.
type Diff struct {
	StartSeq  int64        `json:"start_seq"`
	EndSeq    int64        `json:"end_seq"`
	Bids      []PriceLevel `json:"bid_updates"`
	Asks      []PriceLevel `json:"ask_updates"`
	EventTime int64        `json:"event_time"`
}

// BookSnapshot is the normalized order book event published on the
// order_book topic. Bids are sorted descending, asks ascending.
type BookSnapshot struct {
	Exchange     string       `json:"exchange"`
	Base         string       `json:"base"`
	Quote        string       `json:"quote"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
	Timestamp    time.Time    `json:"timestamp"`
}
