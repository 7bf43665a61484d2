// Package execution reconciles raw exchange fill, cancel and reject reports
// against the order ledger and emits normalized trade lifecycle events,
// exactly once per real fill.
package execution

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/ledger"
	"tradeflow/logger"
	"tradeflow/models"
)

// Reconciler turns raw execution reports (push) and polled order states
// (poll) into lifecycle events. All ledger mutation funnels through here;
// the emit callback is invoked without any reconciler lock held.
type Reconciler struct {
	exchange string
	ledger   *ledger.Ledger
	emit     func(models.LifecycleEvent)
	log      *logger.Entry
}

func NewReconciler(exchange string, led *ledger.Ledger, emit func(models.LifecycleEvent)) *Reconciler {
	if emit == nil {
		emit = func(models.LifecycleEvent) {}
	}
	return &Reconciler{
		exchange: exchange,
		ledger:   led,
		emit:     emit,
		log: logger.GetLogger().WithComponent("execution_reconciler").WithFields(logger.Fields{
			"exchange": exchange,
		}),
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// eventFor builds the common lifecycle event fields from a ledger order.
// serverMS falls back to the receipt time when the exchange did not report
// its own timestamp.
func (r *Reconciler) eventFor(o models.Order, action models.LifecycleAction, serverMS int64) models.LifecycleEvent {
	received := nowMS()
	if serverMS <= 0 {
		serverMS = received
	}
	return models.LifecycleEvent{
		Action:            action,
		Exchange:          r.exchange,
		Base:              o.Base,
		Quote:             o.Quote,
		ExchangeOrderID:   o.ExchangeID,
		InternalOrderID:   o.InternalID,
		Side:              o.Side,
		Quantity:          o.Quantity,
		CumQuantityFilled: o.CumQuantityFilled,
		Price:             o.Price,
		Status:            o.Status,
		ServerMS:          serverMS,
		ReceivedMS:        received,
	}
}

// HandleCreateAck records a freshly acknowledged order and emits CREATED.
// The emitted event is returned so synchronous callers can hand it back.
func (r *Reconciler) HandleCreateAck(o models.Order, ack models.SubmitAck) models.LifecycleEvent {
	o.ExchangeID = ack.ExchangeOrderID
	o.Status = models.OrderStatusOpen
	if err := r.ledger.RecordNew(o); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{
			"internal_order_id": o.InternalID,
		}).Warn("failed to record acknowledged order")
		return models.LifecycleEvent{}
	}
	evt := r.eventFor(o, models.ActionCreated, ack.ServerMS)
	r.emit(evt)
	return evt
}

// HandleCreateReject emits CREATE_FAILED for a definitively rejected
// submission. The order never enters the ledger.
func (r *Reconciler) HandleCreateReject(o models.Order, reason string) models.LifecycleEvent {
	o.Status = models.OrderStatusUnknown
	evt := r.eventFor(o, models.ActionCreateFailed, 0)
	evt.Reason = reason
	r.emit(evt)
	return evt
}

// HandleCancelAck resolves a confirmed cancel: emits CANCELED, clears the
// pending flag and purges the order.
func (r *Reconciler) HandleCancelAck(internalID string) models.LifecycleEvent {
	o, ok := r.ledger.Get(internalID)
	if !ok {
		// Already purged, e.g. a push CANCELED beat the REST response.
		return models.LifecycleEvent{}
	}
	o.Status = models.OrderStatusCanceled
	r.ledger.ClearPendingCancel(o.InternalID)
	r.ledger.RemoveTerminal(o.InternalID)
	evt := r.eventFor(o, models.ActionCanceled, 0)
	r.emit(evt)
	return evt
}

// HandleCancelReject emits CANCEL_FAILED and clears the pending flag so the
// next poll can reconcile whatever actually happened to the order.
func (r *Reconciler) HandleCancelReject(internalID, exchangeOrderID, reason string) models.LifecycleEvent {
	o, ok := r.ledger.Get(internalID)
	if !ok {
		o = models.Order{InternalID: internalID, ExchangeID: exchangeOrderID}
	}
	r.ledger.ClearPendingCancel(internalID)
	o.Status = models.OrderStatusUnknown
	evt := r.eventFor(o, models.ActionCancelFailed, 0)
	evt.Reason = reason
	r.emit(evt)
	return evt
}

// HandleExecutionReport consumes one push notification from an exchange
// execution stream. Fill events are keyed by the per-event executed
// quantity; the reported cumulative total is used to detect duplicates and
// out-of-order delivery.
func (r *Reconciler) HandleExecutionReport(rep models.ExecutionReport) {
	id := rep.InternalOrderID
	if id == "" {
		id = rep.ExchangeOrderID
	}

	switch rep.Type {
	case "NEW":
		r.handleNew(rep)

	case "TRADE":
		r.handleTrade(id, rep)

	case "CANCELED":
		o, ok := r.ledger.Get(id)
		if !ok {
			o = orderFromReport(rep)
		}
		o.Status = models.OrderStatusCanceled
		r.ledger.ClearPendingCancel(o.InternalID)
		r.ledger.RemoveTerminal(o.InternalID)
		r.emit(r.eventFor(o, models.ActionCanceled, rep.ServerMS))

	case "REJECTED":
		o, ok := r.ledger.Get(id)
		if !ok {
			o = orderFromReport(rep)
		}
		o.Status = models.OrderStatusRejected
		r.ledger.RemoveTerminal(o.InternalID)
		evt := r.eventFor(o, models.ActionRejected, rep.ServerMS)
		evt.Reason = rep.Reason
		r.emit(evt)

	case "EXPIRED":
		o, ok := r.ledger.Get(id)
		if !ok {
			o = orderFromReport(rep)
		}
		o.Status = models.OrderStatusExpired
		r.ledger.RemoveTerminal(o.InternalID)
		r.emit(r.eventFor(o, models.ActionExpired, rep.ServerMS))

	default:
		r.log.WithFields(logger.Fields{"type": rep.Type}).Debug("ignoring execution report type")
	}
}

func (r *Reconciler) handleNew(rep models.ExecutionReport) {
	o, ok := r.ledger.Get(rep.InternalOrderID)
	if ok {
		if rep.ExchangeOrderID != "" && o.ExchangeID != rep.ExchangeOrderID {
			if err := r.ledger.BindExchangeID(o.InternalID, rep.ExchangeOrderID); err != nil {
				r.log.WithError(err).Warn("failed to bind exchange order id")
				return
			}
			o.ExchangeID = rep.ExchangeOrderID
		}
		// Already announced through the submission acknowledgment.
		return
	}

	o = orderFromReport(rep)
	if err := r.ledger.RecordNew(o); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{
			"internal_order_id": o.InternalID,
		}).Warn("failed to record pushed order")
		return
	}
	r.emit(r.eventFor(o, models.ActionCreated, rep.ServerMS))
}

func (r *Reconciler) handleTrade(id string, rep models.ExecutionReport) {
	cumulative := rep.CumQuantityFilled
	if cumulative.IsZero() && rep.LastExecutedQuantity.IsPositive() {
		// Exchange reports only per-event quantities; derive the total.
		if o, ok := r.ledger.Get(id); ok {
			cumulative = o.CumQuantityFilled.Add(rep.LastExecutedQuantity)
		}
	}

	o, delta, err := r.ledger.RecordFill(id, cumulative)
	if err != nil {
		if errors.Is(err, models.ErrOutOfOrderFill) {
			// Already warned by the ledger; the report is discarded.
			return
		}
		r.log.WithError(err).WithFields(logger.Fields{
			"exchange_order_id": rep.ExchangeOrderID,
		}).Warn("fill report for unknown order")
		return
	}

	if !delta.IsPositive() {
		// Duplicate delivery of a fill already accounted for.
		if o.Status == models.OrderStatusFilled {
			r.ledger.RemoveTerminal(o.InternalID)
		}
		return
	}
	executed := rep.LastExecutedQuantity
	if !executed.IsPositive() {
		executed = delta
	}

	evt := r.eventFor(o, models.ActionExecution, rep.ServerMS)
	evt.LastExecutedQuantity = executed
	evt.LastExecutedPrice = rep.LastExecutedPrice
	if evt.LastExecutedPrice.IsZero() {
		evt.LastExecutedPrice = o.Price
	}
	evt.TradeID = rep.TradeID
	evt.FeeBase, evt.FeeQuote = r.attributeFee(o, rep.CommissionAsset, rep.CommissionAmount)

	if o.Status == models.OrderStatusFilled {
		r.ledger.ClearPendingCancel(o.InternalID)
		r.ledger.RemoveTerminal(o.InternalID)
	}
	r.emit(evt)
}

// attributeFee maps a reported commission onto the fill's base or quote
// side. A commission in any other currency is an unmappable fee: reported,
// omitted from the event, never fatal.
func (r *Reconciler) attributeFee(o models.Order, asset string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if asset == "" || amount.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	switch asset {
	case o.Base:
		return amount, decimal.Zero
	case o.Quote:
		return decimal.Zero, amount
	}
	r.log.WithFields(logger.Fields{
		"internal_order_id": o.InternalID,
		"commission_asset":  asset,
		"base":              o.Base,
		"quote":             o.Quote,
	}).Warn(models.ErrUnmappableFee.Error())
	return decimal.Zero, decimal.Zero
}

func orderFromReport(rep models.ExecutionReport) models.Order {
	internal := rep.InternalOrderID
	if internal == "" {
		internal = rep.ExchangeOrderID
	}
	return models.Order{
		InternalID:        internal,
		ExchangeID:        rep.ExchangeOrderID,
		Exchange:          rep.Exchange,
		Base:              rep.Base,
		Quote:             rep.Quote,
		Side:              rep.Side,
		Price:             rep.Price,
		Quantity:          rep.Quantity,
		CumQuantityFilled: rep.CumQuantityFilled,
		Status:            rep.Status,
		CreatedAt:         time.Now().UTC(),
	}
}
