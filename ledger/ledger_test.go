package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"tradeflow/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testOrder(internal, exchange string) models.Order {
	return models.Order{
		InternalID: internal,
		ExchangeID: exchange,
		Exchange:   "binance",
		Base:       "BTC",
		Quote:      "USDT",
		Side:       models.OrderSideBuy,
		Price:      dec("100"),
		Quantity:   dec("10"),
	}
}

func TestRecordNewRejectsDuplicates(t *testing.T) {
	l := New("binance")

	if err := l.RecordNew(testOrder("int-1", "ex-1")); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}

	if err := l.RecordNew(testOrder("int-1", "ex-2")); !errors.Is(err, models.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder for internal id, got %v", err)
	}
	if err := l.RecordNew(testOrder("int-2", "ex-1")); !errors.Is(err, models.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder for exchange id, got %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 tracked order, got %d", l.Len())
	}
}

func TestRecordNewDefaultsStatus(t *testing.T) {
	l := New("binance")
	o := testOrder("int-1", "")
	o.Status = ""
	if err := l.RecordNew(o); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}
	got, ok := l.Get("int-1")
	if !ok || got.Status != models.OrderStatusOpen {
		t.Fatalf("expected OPEN status, got %+v", got)
	}
}

func TestBindExchangeID(t *testing.T) {
	l := New("binance")
	if err := l.RecordNew(testOrder("int-1", "")); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}

	if err := l.BindExchangeID("int-1", "ex-1"); err != nil {
		t.Fatalf("BindExchangeID failed: %v", err)
	}
	// Rebinding the same id is a no-op.
	if err := l.BindExchangeID("int-1", "ex-1"); err != nil {
		t.Fatalf("rebind should be a no-op, got %v", err)
	}

	if o, ok := l.Get("ex-1"); !ok || o.InternalID != "int-1" {
		t.Fatalf("exchange id lookup failed: %+v ok=%v", o, ok)
	}
	if err := l.BindExchangeID("missing", "ex-2"); !errors.Is(err, models.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestRecordFillMonotonic(t *testing.T) {
	l := New("binance")
	if err := l.RecordNew(testOrder("int-1", "ex-1")); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}

	o, delta, err := l.RecordFill("ex-1", dec("4"))
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if !delta.Equal(dec("4")) {
		t.Fatalf("expected delta 4, got %s", delta)
	}
	if o.Status != models.OrderStatusPartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", o.Status)
	}

	// A stale report with a lower cumulative must not move the ledger.
	if _, _, err := l.RecordFill("int-1", dec("2")); !errors.Is(err, models.ErrOutOfOrderFill) {
		t.Fatalf("expected ErrOutOfOrderFill, got %v", err)
	}
	got, _ := l.Get("int-1")
	if !got.CumQuantityFilled.Equal(dec("4")) {
		t.Fatalf("out-of-order fill mutated the ledger: %s", got.CumQuantityFilled)
	}

	// A duplicate (equal cumulative) yields a zero delta without error.
	if _, delta, err := l.RecordFill("int-1", dec("4")); err != nil || !delta.IsZero() {
		t.Fatalf("expected zero delta, got %s err=%v", delta, err)
	}

	o, delta, err = l.RecordFill("int-1", dec("10"))
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if !delta.Equal(dec("6")) || o.Status != models.OrderStatusFilled {
		t.Fatalf("expected delta 6 and FILLED, got %s %s", delta, o.Status)
	}
}

func TestRecordFillUnknownOrder(t *testing.T) {
	l := New("binance")
	if _, _, err := l.RecordFill("missing", dec("1")); !errors.Is(err, models.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPendingCancelFlag(t *testing.T) {
	l := New("binance")
	if err := l.RecordNew(testOrder("int-1", "ex-1")); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}

	if err := l.MarkPendingCancel("int-1"); err != nil {
		t.Fatalf("MarkPendingCancel failed: %v", err)
	}
	if err := l.MarkPendingCancel("int-1"); err != nil {
		t.Fatalf("MarkPendingCancel must be idempotent: %v", err)
	}
	if o, _ := l.Get("int-1"); !o.PendingCancel {
		t.Fatal("expected pending cancel flag set")
	}

	l.ClearPendingCancel("int-1")
	if o, _ := l.Get("int-1"); o.PendingCancel {
		t.Fatal("expected pending cancel flag cleared")
	}

	// Unknown ids: error on mark, silent on clear.
	if err := l.MarkPendingCancel("missing"); !errors.Is(err, models.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	l.ClearPendingCancel("missing")
}

func TestRemoveTerminalPurgesBothIDs(t *testing.T) {
	l := New("binance")
	if err := l.RecordNew(testOrder("int-1", "ex-1")); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}

	l.RemoveTerminal("ex-1")
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d", l.Len())
	}
	if _, ok := l.Get("int-1"); ok {
		t.Fatal("internal id still resolvable after removal")
	}
	// Repeat removal is a silent no-op.
	l.RemoveTerminal("int-1")

	// Both ids are reusable afterwards.
	if err := l.RecordNew(testOrder("int-1", "ex-1")); err != nil {
		t.Fatalf("expected ids reusable after removal, got %v", err)
	}
}

func TestOpenForMarket(t *testing.T) {
	l := New("binance")
	if err := l.RecordNew(testOrder("int-1", "ex-1")); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}
	other := testOrder("int-2", "ex-2")
	other.Base, other.Quote = "ETH", "USDT"
	if err := l.RecordNew(other); err != nil {
		t.Fatalf("RecordNew failed: %v", err)
	}

	btc := l.OpenForMarket("BTC", "USDT")
	if len(btc) != 1 || btc[0].InternalID != "int-1" {
		t.Fatalf("unexpected market filter result: %+v", btc)
	}
	if len(l.Open()) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(l.Open()))
	}
}
