package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"tradeflow/models"
)

func polled(exchangeID, internalID, cum string, status models.OrderStatus) models.OrderState {
	return models.OrderState{
		ExchangeOrderID:   exchangeID,
		InternalOrderID:   internalID,
		CumQuantityFilled: dec(cum),
		Status:            status,
	}
}

// Scenario: a poll shows more filled than the ledger recorded. One
// EXECUTION with the delta is emitted.
func TestPollDetectsFillDelta(t *testing.T) {
	r, led, s := newTestReconciler()
	r.HandleCreateAck(submitted(), models.SubmitAck{ExchangeOrderID: "ex-1"})

	r.ReconcilePoll("BTC", "USDT", []models.OrderState{
		polled("ex-1", "int-1", "4", models.OrderStatusPartiallyFilled),
	})

	execs := s.byAction(models.ActionExecution)
	if len(execs) != 1 {
		t.Fatalf("expected 1 EXECUTION event, got %d", len(execs))
	}
	if !execs[0].LastExecutedQuantity.Equal(dec("4")) {
		t.Fatalf("expected delta 4, got %s", execs[0].LastExecutedQuantity)
	}

	// A second identical poll observes nothing new.
	r.ReconcilePoll("BTC", "USDT", []models.OrderState{
		polled("ex-1", "int-1", "4", models.OrderStatusPartiallyFilled),
	})
	if got := len(s.byAction(models.ActionExecution)); got != 1 {
		t.Fatalf("repeated poll must not re-emit, got %d events", got)
	}

	if o, _ := led.Get("int-1"); !o.CumQuantityFilled.Equal(dec("4")) {
		t.Fatalf("ledger cumulative mismatch: %s", o.CumQuantityFilled)
	}
}

// Scenario: push and poll race on the same fill. Whoever advances the
// cumulative first wins, the other observes no delta.
func TestPushAndPollConverge(t *testing.T) {
	r, _, s := newTestReconciler()
	r.HandleCreateAck(submitted(), models.SubmitAck{ExchangeOrderID: "ex-1"})

	r.HandleExecutionReport(tradeReport("4", "4", "100"))
	r.ReconcilePoll("BTC", "USDT", []models.OrderState{
		polled("ex-1", "int-1", "4", models.OrderStatusPartiallyFilled),
	})

	execs := s.byAction(models.ActionExecution)
	if len(execs) != 1 {
		t.Fatalf("expected 1 EXECUTION event for one real fill, got %d", len(execs))
	}
	total := decimal.Zero
	for _, e := range execs {
		total = total.Add(e.LastExecutedQuantity)
	}
	if !total.Equal(dec("4")) {
		t.Fatalf("executed total must match the fill once, got %s", total)
	}
}

// Scenario: a poll completes the order. The order is purged and the final
// event carries FILLED.
func TestPollCompletesOrder(t *testing.T) {
	r, led, s := newTestReconciler()
	r.HandleCreateAck(submitted(), models.SubmitAck{ExchangeOrderID: "ex-1"})

	r.ReconcilePoll("BTC", "USDT", []models.OrderState{
		polled("ex-1", "int-1", "10", models.OrderStatusFilled),
	})

	execs := s.byAction(models.ActionExecution)
	if len(execs) != 1 || execs[0].Status != models.OrderStatusFilled {
		t.Fatalf("unexpected events: %+v", execs)
	}
	if led.Len() != 0 {
		t.Fatal("filled order must be purged")
	}
}

// Scenario: a tracked order vanishes from the open list with no cancel in
// flight. The only way off the book is a fill, so a full fill is
// synthesized.
func TestPollAbsentOrderSynthesizesFullFill(t *testing.T) {
	r, led, s := newTestReconciler()
	r.HandleCreateAck(submitted(), models.SubmitAck{ExchangeOrderID: "ex-1"})
	r.HandleExecutionReport(tradeReport("4", "4", "100"))

	r.ReconcilePoll("BTC", "USDT", nil)

	execs := s.byAction(models.ActionExecution)
	if len(execs) != 2 {
		t.Fatalf("expected partial fill plus synthesized remainder, got %d", len(execs))
	}
	if !execs[1].LastExecutedQuantity.Equal(dec("6")) {
		t.Fatalf("expected synthesized delta 6, got %s", execs[1].LastExecutedQuantity)
	}
	if execs[1].Status != models.OrderStatusFilled {
		t.Fatalf("expected FILLED, got %s", execs[1].Status)
	}
	if led.Len() != 0 {
		t.Fatal("synthesized fill must purge the order")
	}
}

// Scenario: an order vanishes while a cancel is in flight. Its fate is
// ambiguous until the cancel response lands, so the poll leaves it alone.
func TestPollAbsentPendingCancelDeferred(t *testing.T) {
	r, led, s := newTestReconciler()
	r.HandleCreateAck(submitted(), models.SubmitAck{ExchangeOrderID: "ex-1"})
	if err := led.MarkPendingCancel("int-1"); err != nil {
		t.Fatalf("MarkPendingCancel failed: %v", err)
	}

	r.ReconcilePoll("BTC", "USDT", nil)

	if len(s.byAction(models.ActionExecution)) != 0 {
		t.Fatal("pending-cancel absence must not synthesize a fill")
	}
	if led.Len() != 1 {
		t.Fatal("order must stay tracked until the cancel resolves")
	}

	// The cancel confirmation then resolves it as CANCELED.
	evt := r.HandleCancelAck("int-1")
	if evt.Action != models.ActionCanceled {
		t.Fatalf("expected CANCELED, got %s", evt.Action)
	}
	if led.Len() != 0 {
		t.Fatal("canceled order must be purged")
	}
}

// Scenario: the poll never reports fully filled quantities already known
// and never emits for an order it does not improve on.
func TestPollStaleCumulativeIgnored(t *testing.T) {
	r, led, s := newTestReconciler()
	r.HandleCreateAck(submitted(), models.SubmitAck{ExchangeOrderID: "ex-1"})
	r.HandleExecutionReport(tradeReport("7", "7", "100"))

	r.ReconcilePoll("BTC", "USDT", []models.OrderState{
		polled("ex-1", "int-1", "3", models.OrderStatusPartiallyFilled),
	})

	if got := len(s.byAction(models.ActionExecution)); got != 1 {
		t.Fatalf("stale poll must not emit, got %d events", got)
	}
	if o, _ := led.Get("int-1"); !o.CumQuantityFilled.Equal(dec("7")) {
		t.Fatalf("stale poll mutated ledger: %s", o.CumQuantityFilled)
	}
}

// Polled orders for other markets are untouched.
func TestPollScopedToMarket(t *testing.T) {
	r, led, s := newTestReconciler()
	r.HandleCreateAck(submitted(), models.SubmitAck{ExchangeOrderID: "ex-1"})

	eth := submitted()
	eth.InternalID = "int-eth"
	eth.Base = "ETH"
	r.HandleCreateAck(eth, models.SubmitAck{ExchangeOrderID: "ex-eth"})

	// Empty open list for BTC only; the ETH order must survive.
	r.ReconcilePoll("BTC", "USDT", nil)

	if _, ok := led.Get("int-eth"); !ok {
		t.Fatal("poll for one market must not touch another")
	}
	if _, ok := led.Get("int-1"); ok {
		t.Fatal("absent BTC order should have been resolved")
	}
	if got := len(s.byAction(models.ActionExecution)); got != 1 {
		t.Fatalf("expected only the synthesized BTC fill, got %d", got)
	}
}
