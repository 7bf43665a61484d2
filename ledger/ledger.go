// Package ledger is the authoritative local record of orders submitted
// through an adapter. It tracks the internal/exchange id mapping and
// cumulative fills for every non-terminal order.
package ledger

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"tradeflow/logger"
	"tradeflow/models"
)

// Ledger holds only non-terminal orders. The two id maps are kept in
// lockstep: an exchange id is never present without its internal order, and
// both are purged together when an order reaches a terminal state.
type Ledger struct {
	mu         sync.Mutex
	byInternal map[string]*models.Order
	byExchange map[string]string // exchange id -> internal id
	log        *logger.Entry
}

func New(exchange string) *Ledger {
	return &Ledger{
		byInternal: make(map[string]*models.Order),
		byExchange: make(map[string]string),
		log: logger.GetLogger().WithComponent("order_ledger").WithFields(logger.Fields{
			"exchange": exchange,
		}),
	}
}

// RecordNew starts tracking an order after a successful submission
// acknowledgment. The exchange id may still be empty if the exchange has
// not assigned one yet.
func (l *Ledger) RecordNew(o models.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byInternal[o.InternalID]; ok {
		return fmt.Errorf("internal id %s: %w", o.InternalID, models.ErrDuplicateOrder)
	}
	if o.ExchangeID != "" {
		if _, ok := l.byExchange[o.ExchangeID]; ok {
			return fmt.Errorf("exchange id %s: %w", o.ExchangeID, models.ErrDuplicateOrder)
		}
	}

	if o.Status == "" {
		o.Status = models.OrderStatusOpen
	}
	stored := o
	l.byInternal[o.InternalID] = &stored
	if o.ExchangeID != "" {
		l.byExchange[o.ExchangeID] = o.InternalID
	}
	return nil
}

// BindExchangeID attaches the exchange-assigned id to an order recorded
// before acknowledgment. Rebinding the same id is a no-op.
func (l *Ledger) BindExchangeID(internalID, exchangeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.byInternal[internalID]
	if !ok {
		return fmt.Errorf("internal id %s: %w", internalID, models.ErrOrderNotFound)
	}
	if o.ExchangeID == exchangeID {
		return nil
	}
	if o.ExchangeID != "" {
		delete(l.byExchange, o.ExchangeID)
	}
	if existing, ok := l.byExchange[exchangeID]; ok && existing != internalID {
		return fmt.Errorf("exchange id %s: %w", exchangeID, models.ErrDuplicateOrder)
	}
	o.ExchangeID = exchangeID
	l.byExchange[exchangeID] = internalID
	return nil
}

// RecordFill updates an order's cumulative filled quantity and returns the
// updated order alongside the fill delta. The identifier may be either the
// internal or the exchange id. A negative delta means the report is out of
// order or duplicated; the ledger is left untouched and ErrOutOfOrderFill
// is returned.
func (l *Ledger) RecordFill(id string, newCumulative decimal.Decimal) (models.Order, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := l.resolveLocked(id)
	if o == nil {
		return models.Order{}, decimal.Zero, fmt.Errorf("id %s: %w", id, models.ErrOrderNotFound)
	}

	delta := newCumulative.Sub(o.CumQuantityFilled)
	if delta.IsNegative() {
		l.log.WithFields(logger.Fields{
			"internal_order_id": o.InternalID,
			"recorded":          o.CumQuantityFilled.String(),
			"reported":          newCumulative.String(),
		}).Warn(models.ErrOutOfOrderFill.Error())
		return *o, decimal.Zero, models.ErrOutOfOrderFill
	}

	o.CumQuantityFilled = newCumulative
	switch {
	case o.CumQuantityFilled.GreaterThanOrEqual(o.Quantity):
		o.Status = models.OrderStatusFilled
	case o.CumQuantityFilled.IsPositive():
		o.Status = models.OrderStatusPartiallyFilled
	}
	return *o, delta, nil
}

// MarkPendingCancel flags an order as having a cancel request in flight.
// Idempotent; unknown ids return ErrOrderNotFound.
func (l *Ledger) MarkPendingCancel(internalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.byInternal[internalID]
	if !ok {
		return fmt.Errorf("internal id %s: %w", internalID, models.ErrOrderNotFound)
	}
	o.PendingCancel = true
	return nil
}

// ClearPendingCancel removes the pending-cancel flag. Idempotent; clearing
// an unknown id is a no-op.
func (l *Ledger) ClearPendingCancel(internalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o, ok := l.byInternal[internalID]; ok {
		o.PendingCancel = false
	}
}

// RemoveTerminal purges both id mappings for an order that has reached a
// terminal state. The identifier may be either id. Removing an order that
// is already gone is a no-op so terminal notifications can be delivered
// at-least-once.
func (l *Ledger) RemoveTerminal(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := l.resolveLocked(id)
	if o == nil {
		return
	}
	delete(l.byInternal, o.InternalID)
	if o.ExchangeID != "" {
		delete(l.byExchange, o.ExchangeID)
	}
}

// Get returns a copy of a tracked order by either id.
func (l *Ledger) Get(id string) (models.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o := l.resolveLocked(id); o != nil {
		return *o, true
	}
	return models.Order{}, false
}

// Open returns copies of all tracked orders.
func (l *Ledger) Open() []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Order, 0, len(l.byInternal))
	for _, o := range l.byInternal {
		out = append(out, *o)
	}
	return out
}

// OpenForMarket returns copies of tracked orders for one market.
func (l *Ledger) OpenForMarket(base, quote string) []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Order, 0, len(l.byInternal))
	for _, o := range l.byInternal {
		if o.Base == base && o.Quote == quote {
			out = append(out, *o)
		}
	}
	return out
}

// Len returns the number of tracked orders.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byInternal)
}

// resolveLocked looks an order up by internal id first, then exchange id.
// Caller holds mu.
func (l *Ledger) resolveLocked(id string) *models.Order {
	if o, ok := l.byInternal[id]; ok {
		return o
	}
	if internal, ok := l.byExchange[id]; ok {
		return l.byInternal[internal]
	}
	return nil
}
