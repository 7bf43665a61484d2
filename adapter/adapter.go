package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradeflow/book"
	"tradeflow/bus"
	appconfig "tradeflow/config"
	"tradeflow/execution"
	"tradeflow/ledger"
	"tradeflow/logger"
	"tradeflow/models"
)

// Adapter normalizes one exchange behind the canonical capability surface.
// Each followed market owns its own book reconciler, ledger and execution
// reconciler, so reconciliation on one market never blocks another.
type Adapter struct {
	config  *appconfig.Config
	name    string
	source  MarketDataSource
	gateway OrderGateway
	bus     *bus.Bus
	limiter *rate.Limiter

	mu      sync.RWMutex
	markets map[string]*marketState
	wg      sync.WaitGroup
	log     *logger.Log

	closed      chan struct{}
	closeOnce   sync.Once
	metricsOnce sync.Once

	booksPublished atomic.Int64
	eventsEmitted  atomic.Int64
	pollRounds     atomic.Int64
}

// marketState bundles the per-market reconciliation stack. stopped is
// flipped before teardown so tick and callback work already in flight never
// mutates the ledger after an unfollow.
type marketState struct {
	key     string
	base    string
	quote   string
	recon   *book.Reconciler
	led     *ledger.Ledger
	exec    *execution.Reconciler
	cancel  context.CancelFunc
	stops   []func()
	stopped atomic.Bool
}

// New creates an adapter for one exchange.
func New(cfg *appconfig.Config, name string, source MarketDataSource, gateway OrderGateway, b *bus.Bus) *Adapter {
	var limiter *rate.Limiter
	if rps := cfg.Adapter.RateLimit.RequestsPerSecond; rps > 0 {
		burst := cfg.Adapter.RateLimit.BurstSize
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Adapter{
		config:  cfg,
		name:    name,
		source:  source,
		gateway: gateway,
		bus:     b,
		limiter: limiter,
		markets: make(map[string]*marketState),
		closed:  make(chan struct{}),
		log:     logger.GetLogger(),
	}
}

// Name returns the exchange name this adapter fronts.
func (a *Adapter) Name() string { return a.name }

// AddCallback registers a subscriber for all normalized events.
func (a *Adapter) AddCallback(name string, cb bus.Callback) { a.bus.AddCallback(name, cb) }

// RemoveCallback unregisters a subscriber.
func (a *Adapter) RemoveCallback(name string) { a.bus.RemoveCallback(name) }

func marketKey(base, quote string) string { return base + quote }

// FollowMarket subscribes to a market's diff stream, starts book recovery
// and launches the periodic order poll task. Following a market twice is a
// warning, not an error.
func (a *Adapter) FollowMarket(ctx context.Context, base, quote string) error {
	key := marketKey(base, quote)
	log := a.log.WithComponent("exchange_adapter").WithFields(logger.Fields{
		"exchange": a.name,
		"base":     base,
		"quote":    quote,
	})

	a.mu.Lock()
	if _, ok := a.markets[key]; ok {
		a.mu.Unlock()
		log.Warn("already following market")
		return nil
	}
	a.mu.Unlock()

	mctx, cancel := context.WithCancel(ctx)

	led := ledger.New(a.name)
	exec := execution.NewReconciler(a.name, led, func(e models.LifecycleEvent) {
		a.eventsEmitted.Add(1)
		a.bus.PublishLifecycle(e)
	})
	recon := book.NewReconciler(a.name, base, quote,
		func(c context.Context) (models.RawSnapshot, error) {
			if a.limiter != nil {
				if err := a.limiter.Wait(c); err != nil {
					return models.RawSnapshot{}, err
				}
			}
			return a.source.GetSnapshot(c, base, quote)
		},
		func(s models.BookSnapshot) {
			a.booksPublished.Add(1)
			a.bus.PublishOrderBook(s)
		},
		book.Config{
			MaxPending: a.config.Adapter.PendingBuffer,
			RetryDelay: a.config.Adapter.SnapshotRetryDelay,
		})

	ms := &marketState{
		key:    key,
		base:   base,
		quote:  quote,
		recon:  recon,
		led:    led,
		exec:   exec,
		cancel: cancel,
	}

	stopStream, err := a.source.SubscribeDiffs(mctx, base, quote, func(d models.Diff) {
		if ms.stopped.Load() {
			return
		}
		recon.ApplyDiff(mctx, d)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe diffs for %s: %w", key, err)
	}
	ms.stops = append(ms.stops, stopStream)

	if streamer, ok := a.gateway.(ExecutionStreamer); ok {
		stopExec, err := streamer.SubscribeExecutions(mctx, func(rep models.ExecutionReport) {
			if ms.stopped.Load() {
				return
			}
			exec.HandleExecutionReport(rep)
		})
		if err != nil {
			// Polling still reconciles fills; push is an optimization.
			log.WithError(err).Warn("execution stream unavailable, relying on polling")
		} else {
			ms.stops = append(ms.stops, stopExec)
		}
	}

	a.mu.Lock()
	a.markets[key] = ms
	a.mu.Unlock()

	if a.gateway != nil {
		a.wg.Add(1)
		go a.pollLoop(mctx, ms)
	}

	a.metricsOnce.Do(func() {
		a.wg.Add(1)
		go a.metricsReporter()
	})

	log.Info("following market")
	return nil
}

// UnfollowMarket tears a market down: the diff stream is stopped, the poll
// task canceled and no further ledger mutation happens for it.
func (a *Adapter) UnfollowMarket(base, quote string) error {
	key := marketKey(base, quote)

	a.mu.Lock()
	ms, ok := a.markets[key]
	if ok {
		delete(a.markets, key)
	}
	a.mu.Unlock()

	if !ok {
		a.log.WithComponent("exchange_adapter").WithFields(logger.Fields{
			"exchange": a.name,
			"market":   key,
		}).Warn("not following market")
		return models.ErrNotFollowing
	}

	ms.stopped.Store(true)
	ms.cancel()
	for _, stop := range ms.stops {
		stop()
	}
	return nil
}

// UnfollowAll unfollows every followed market.
func (a *Adapter) UnfollowAll() {
	a.mu.RLock()
	keys := make([][2]string, 0, len(a.markets))
	for _, ms := range a.markets {
		keys = append(keys, [2]string{ms.base, ms.quote})
	}
	a.mu.RUnlock()

	for _, k := range keys {
		_ = a.UnfollowMarket(k[0], k[1])
	}
}

// Close unfollows all markets and waits for background tasks to drain.
func (a *Adapter) Close() {
	a.UnfollowAll()
	a.closeOnce.Do(func() { close(a.closed) })
	a.wg.Wait()
}

func (a *Adapter) metricsReporter() {
	defer a.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.closed:
			return
		case <-ticker.C:
			a.reportMetrics()
		}
	}
}

func (a *Adapter) reportMetrics() {
	a.mu.RLock()
	followed := len(a.markets)
	a.mu.RUnlock()

	fields := logger.Fields{"exchange": a.name}
	a.log.LogMetric("exchange_adapter", "books_published", a.booksPublished.Load(), fields)
	a.log.LogMetric("exchange_adapter", "lifecycle_events_emitted", a.eventsEmitted.Load(), fields)
	a.log.LogMetric("exchange_adapter", "poll_rounds", a.pollRounds.Load(), fields)
	a.log.LogMetric("exchange_adapter", "followed_markets", followed, fields)
}

func (a *Adapter) market(base, quote string) (*marketState, error) {
	a.mu.RLock()
	ms, ok := a.markets[marketKey(base, quote)]
	a.mu.RUnlock()
	if !ok {
		return nil, models.ErrNotFollowing
	}
	return ms, nil
}

// GetOrderBook returns the current sorted book for a followed market. While
// the book is resynchronizing it is not authoritative and ErrNotSynced is
// returned.
func (a *Adapter) GetOrderBook(base, quote string) (models.BookSnapshot, error) {
	ms, err := a.market(base, quote)
	if err != nil {
		return models.BookSnapshot{}, err
	}
	return ms.recon.Book()
}

// CreateOrder submits a limit order. Definitive rejections and exhausted
// transport retries are surfaced as a CREATE_FAILED lifecycle event, not an
// error; the error return covers local usage mistakes only.
func (a *Adapter) CreateOrder(ctx context.Context, base, quote string, side models.OrderSide, price, quantity decimal.Decimal, internalID string) (models.LifecycleEvent, error) {
	if a.gateway == nil {
		return models.LifecycleEvent{}, models.ErrNoGateway
	}
	ms, err := a.market(base, quote)
	if err != nil {
		return models.LifecycleEvent{}, err
	}
	if internalID == "" {
		internalID = uuid.NewString()
	}

	o := models.Order{
		InternalID: internalID,
		Exchange:   a.name,
		Base:       base,
		Quote:      quote,
		Side:       side,
		Price:      price,
		Quantity:   quantity,
		Status:     models.OrderStatusOpen,
		CreatedAt:  time.Now().UTC(),
	}

	var ack models.SubmitAck
	err = a.withRetry(ctx, "submit_order", func() error {
		var serr error
		ack, serr = a.gateway.Submit(ctx, o)
		return serr
	})
	if err != nil {
		reason := models.ReasonTransportError
		if models.IsDefinitiveRejection(err) {
			reason = models.RejectionReason(err)
		}
		return ms.exec.HandleCreateReject(o, reason), nil
	}

	return ms.exec.HandleCreateAck(o, ack), nil
}

// CancelOrder requests cancellation by internal or exchange id. The order
// is flagged pending-cancel for the duration of the round trip so the poll
// reconciler does not misread its disappearance as a fill.
func (a *Adapter) CancelOrder(ctx context.Context, base, quote, internalID, exchangeID string) (models.LifecycleEvent, error) {
	if a.gateway == nil {
		return models.LifecycleEvent{}, models.ErrNoGateway
	}
	ms, err := a.market(base, quote)
	if err != nil {
		return models.LifecycleEvent{}, err
	}

	if internalID == "" && exchangeID != "" {
		if o, ok := ms.led.Get(exchangeID); ok {
			internalID = o.InternalID
		}
	}
	if o, ok := ms.led.Get(internalID); ok && exchangeID == "" {
		exchangeID = o.ExchangeID
	}

	if merr := ms.led.MarkPendingCancel(internalID); merr != nil {
		a.log.WithComponent("exchange_adapter").WithFields(logger.Fields{
			"exchange":          a.name,
			"internal_order_id": internalID,
		}).Warn("cancel requested for untracked order")
	}

	err = a.withRetry(ctx, "cancel_order", func() error {
		return a.gateway.Cancel(ctx, base, quote, exchangeID, internalID)
	})
	if err != nil {
		reason := models.ReasonTransportError
		if models.IsDefinitiveRejection(err) {
			reason = models.RejectionReason(err)
		}
		return ms.exec.HandleCancelReject(internalID, exchangeID, reason), nil
	}

	return ms.exec.HandleCancelAck(internalID), nil
}

// CancelAll cancels every open order on the market as reported by the
// exchange, resolving internal ids through the ledger where known.
func (a *Adapter) CancelAll(ctx context.Context, base, quote string) error {
	if a.gateway == nil {
		return models.ErrNoGateway
	}
	ms, err := a.market(base, quote)
	if err != nil {
		return err
	}

	var states []models.OrderState
	err = a.withRetry(ctx, "poll_open_orders", func() error {
		var perr error
		states, perr = a.gateway.OpenOrders(ctx, base, quote)
		return perr
	})
	if err != nil {
		return fmt.Errorf("list open orders for cancel_all: %w", err)
	}

	for _, st := range states {
		internalID := st.InternalOrderID
		if internalID == "" {
			if o, ok := ms.led.Get(st.ExchangeOrderID); ok {
				internalID = o.InternalID
			}
		}
		if _, cerr := a.CancelOrder(ctx, base, quote, internalID, st.ExchangeOrderID); cerr != nil {
			return cerr
		}
	}
	return nil
}

// GetBalances fetches account balances and publishes them on the account
// topic.
func (a *Adapter) GetBalances(ctx context.Context) ([]models.Balance, error) {
	if a.gateway == nil {
		return nil, models.ErrNoGateway
	}
	var balances []models.Balance
	err := a.withRetry(ctx, "get_balances", func() error {
		var berr error
		balances, berr = a.gateway.Balances(ctx)
		return berr
	})
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	a.bus.PublishBalances(a.name, balances)
	return balances, nil
}

// pollLoop drives the periodic open-order reconciliation for one market.
// Each tick re-checks that its market state is still the registered one, so
// a ticker firing concurrently with an unfollow never touches the ledger.
func (a *Adapter) pollLoop(ctx context.Context, ms *marketState) {
	defer a.wg.Done()

	interval := a.config.Adapter.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.RLock()
			current := a.markets[ms.key] == ms
			a.mu.RUnlock()
			if !current || ms.stopped.Load() {
				return
			}
			a.pollOnce(ctx, ms)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context, ms *marketState) {
	a.pollRounds.Add(1)
	var states []models.OrderState
	err := a.withRetry(ctx, "poll_open_orders", func() error {
		var perr error
		states, perr = a.gateway.OpenOrders(ctx, ms.base, ms.quote)
		return perr
	})
	if err != nil {
		a.log.WithComponent("exchange_adapter").WithError(err).WithFields(logger.Fields{
			"exchange": a.name,
			"market":   ms.key,
		}).Warn("open order poll failed")
		return
	}
	if ms.stopped.Load() {
		return
	}
	ms.exec.ReconcilePoll(ms.base, ms.quote, states)
}
