package execution

import (
	"errors"

	"tradeflow/logger"
	"tradeflow/models"
)

// ReconcilePoll diffs one round of polled open-order states against the
// ledger for a single market. It emits exactly one EXECUTION per detected
// positive fill delta, and synthesizes a full fill when a tracked order has
// disappeared from the exchange's open list without a cancel in flight. An
// absent order that is pending cancel is ambiguous and left untouched until
// the cancel response resolves it.
func (r *Reconciler) ReconcilePoll(base, quote string, states []models.OrderState) {
	byID := make(map[string]models.OrderState, len(states))
	for _, st := range states {
		if st.ExchangeOrderID != "" {
			byID[st.ExchangeOrderID] = st
		}
		if st.InternalOrderID != "" {
			byID[st.InternalOrderID] = st
		}
	}

	for _, o := range r.ledger.OpenForMarket(base, quote) {
		st, present := byID[o.ExchangeID]
		if !present {
			st, present = byID[o.InternalID]
		}

		if present {
			r.applyPolledState(o, st)
			continue
		}

		if o.PendingCancel {
			// The order may be gone because our cancel landed, or it
			// may have filled just before. Either way the cancel
			// response disambiguates; synthesizing a terminal event
			// now could produce a spurious filled+canceled pair.
			continue
		}

		// Not on the exchange's book and no cancel in flight: the only
		// way off the book is a fill. Treat as fully filled. Exchanges
		// that silently expire orders are indistinguishable here; the
		// full fill is a documented approximation.
		r.synthesizeFullFill(o)
	}
}

func (r *Reconciler) applyPolledState(o models.Order, st models.OrderState) {
	if !st.CumQuantityFilled.GreaterThan(o.CumQuantityFilled) {
		return
	}

	updated, delta, err := r.ledger.RecordFill(o.InternalID, st.CumQuantityFilled)
	if err != nil {
		if !errors.Is(err, models.ErrOutOfOrderFill) {
			r.log.WithError(err).WithFields(logger.Fields{
				"internal_order_id": o.InternalID,
			}).Warn("failed to apply polled fill")
		}
		return
	}
	if !delta.IsPositive() {
		return
	}

	evt := r.eventFor(updated, models.ActionExecution, 0)
	evt.LastExecutedQuantity = delta
	evt.LastExecutedPrice = updated.Price

	if updated.Status == models.OrderStatusFilled {
		r.ledger.ClearPendingCancel(updated.InternalID)
		r.ledger.RemoveTerminal(updated.InternalID)
	}
	r.emit(evt)
}

func (r *Reconciler) synthesizeFullFill(o models.Order) {
	updated, delta, err := r.ledger.RecordFill(o.InternalID, o.Quantity)
	if err != nil {
		r.log.WithError(err).WithFields(logger.Fields{
			"internal_order_id": o.InternalID,
		}).Warn("failed to synthesize full fill")
		return
	}

	r.ledger.RemoveTerminal(updated.InternalID)

	if !delta.IsPositive() {
		// Every fill was already reported; nothing left to emit.
		return
	}

	r.log.WithFields(logger.Fields{
		"internal_order_id": updated.InternalID,
		"delta":             delta.String(),
	}).Info("order absent from open list, synthesizing full fill")

	evt := r.eventFor(updated, models.ActionExecution, 0)
	evt.LastExecutedQuantity = delta
	evt.LastExecutedPrice = updated.Price
	r.emit(evt)
}
