// Package bus fans normalized events out to registered subscribers.
package bus

import (
	"sync"

	"tradeflow/logger"
	"tradeflow/models"
)

// Topic names published on the bus.
type Topic string

const (
	TopicOrderBook      Topic = "order_book"
	TopicTradeLifecycle Topic = "trade_lifecycle"
	TopicAccount        Topic = "account"
)

// Callback receives every published event. The payload is a
// models.BookSnapshot, models.LifecycleEvent or AccountEvent depending on
// the topic.
type Callback func(topic Topic, data interface{})

// Bus is a named-callback fan-out. Callbacks are invoked without holding the
// bus lock so a slow subscriber never stalls a publisher or another
// subscriber registration.
type Bus struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
	log       *logger.Log
}

func New() *Bus {
	return &Bus{
		callbacks: make(map[string]Callback),
		log:       logger.GetLogger(),
	}
}

// AddCallback registers a subscriber under name, replacing any previous
// callback with the same name.
func (b *Bus) AddCallback(name string, cb Callback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	b.callbacks[name] = cb
	b.mu.Unlock()
}

// RemoveCallback unregisters a subscriber. Unknown names are a no-op.
func (b *Bus) RemoveCallback(name string) {
	b.mu.Lock()
	delete(b.callbacks, name)
	b.mu.Unlock()
}

// RemoveAllCallbacks unregisters every subscriber.
func (b *Bus) RemoveAllCallbacks() {
	b.mu.Lock()
	b.callbacks = make(map[string]Callback)
	b.mu.Unlock()
}

func (b *Bus) snapshotCallbacks() []Callback {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cbs := make([]Callback, 0, len(b.callbacks))
	for _, cb := range b.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (b *Bus) publish(topic Topic, data interface{}) {
	for _, cb := range b.snapshotCallbacks() {
		cb(topic, data)
	}
}

// PublishOrderBook publishes a full sorted book snapshot.
func (b *Bus) PublishOrderBook(s models.BookSnapshot) {
	b.publish(TopicOrderBook, s)
}

// PublishLifecycle publishes a trade lifecycle event.
func (b *Bus) PublishLifecycle(e models.LifecycleEvent) {
	b.publish(TopicTradeLifecycle, e)
}

// PublishBalances publishes a normalized balance list.
func (b *Bus) PublishBalances(exchange string, balances []models.Balance) {
	b.publish(TopicAccount, AccountEvent{Exchange: exchange, Balances: balances})
}

// AccountEvent is the payload published on the account topic.
type AccountEvent struct {
	Exchange string           `json:"exchange"`
	Balances []models.Balance `json:"balances"`
}
