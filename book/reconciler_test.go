package book

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeflow/models"
)

// fakeFetcher hands out queued snapshots in order, repeating the last one.
// When gate is set, fetches block until it is closed.
type fakeFetcher struct {
	mu        sync.Mutex
	snapshots []models.RawSnapshot
	errs      []error
	calls     int
	gate      chan struct{}
}

func (f *fakeFetcher) fetch(ctx context.Context) (models.RawSnapshot, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.RawSnapshot{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return models.RawSnapshot{}, f.errs[i]
	}
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	return f.snapshots[i], nil
}

func (f *fakeFetcher) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// collector records notified snapshots.
type collector struct {
	mu    sync.Mutex
	snaps []models.BookSnapshot
}

func (c *collector) notify(s models.BookSnapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func (c *collector) last() models.BookSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[len(c.snaps)-1]
}

func level(price, qty string) models.PriceLevel {
	return models.PriceLevel{Price: dec(price), Quantity: dec(qty)}
}

func diff(start, end int64, bids, asks []models.PriceLevel) models.Diff {
	return models.Diff{StartSeq: start, EndSeq: end, Bids: bids, Asks: asks}
}

func waitForState(t *testing.T, r *Reconciler, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, still %v", want, r.State())
}

func newTestReconciler(fetch SnapshotFetcher, notify func(models.BookSnapshot)) *Reconciler {
	return NewReconciler("binance", "BTC", "USDT", fetch, notify, Config{
		MaxPending: 8,
		RetryDelay: 10 * time.Millisecond,
	})
}

func TestColdStartMergesBufferedDiffs(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &fakeFetcher{
		snapshots: []models.RawSnapshot{{
			Sequence: 100,
			Bids:     []models.PriceLevel{level("100", "1")},
			Asks:     []models.PriceLevel{level("101", "1")},
		}},
		gate: gate,
	}
	out := &collector{}
	r := newTestReconciler(fetcher.fetch, out.notify)
	ctx := context.Background()

	// Diffs arrive before any snapshot. The first one anchors recovery;
	// the gate holds the snapshot back until all three are buffered.
	r.ApplyDiff(ctx, diff(99, 100, []models.PriceLevel{level("100", "9")}, nil))
	r.ApplyDiff(ctx, diff(101, 101, []models.PriceLevel{level("99", "2")}, nil))
	r.ApplyDiff(ctx, diff(102, 102, nil, []models.PriceLevel{level("101", "0")}))
	close(gate)

	waitForState(t, r, StateSynced)

	snap, err := r.Book()
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if snap.LastUpdateID != 102 {
		t.Fatalf("expected last update id 102, got %d", snap.LastUpdateID)
	}
	// Diff 99-100 is covered by the snapshot and must not be replayed;
	// 101 adds a bid, 102 removes the only ask.
	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bids, got %v", snap.Bids)
	}
	if !snap.Bids[0].Price.Equal(dec("100")) || !snap.Bids[0].Quantity.Equal(dec("1")) {
		t.Fatalf("snapshot bid should win over covered diff: %v", snap.Bids[0])
	}
	if len(snap.Asks) != 0 {
		t.Fatalf("expected ask removed by replayed diff, got %v", snap.Asks)
	}
	if out.count() != 1 {
		t.Fatalf("expected exactly one notification after recovery, got %d", out.count())
	}
}

func TestStaleSnapshotRetried(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []models.RawSnapshot{
		{Sequence: 40}, // older than the anchor, must be rejected
		{Sequence: 60, Bids: []models.PriceLevel{level("100", "1")}},
	}}
	r := newTestReconciler(fetcher.fetch, nil)
	ctx := context.Background()

	r.ApplyDiff(ctx, diff(50, 50, []models.PriceLevel{level("100", "5")}, nil))
	waitForState(t, r, StateSynced)

	if fetcher.callCount() < 2 {
		t.Fatalf("expected stale snapshot to force a refetch, calls=%d", fetcher.callCount())
	}
	snap, err := r.Book()
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if snap.LastUpdateID != 60 {
		t.Fatalf("expected book anchored at 60, got %d", snap.LastUpdateID)
	}
}

func TestFetchErrorRetriedIndefinitely(t *testing.T) {
	fetcher := &fakeFetcher{
		errs:      []error{errors.New("boom"), errors.New("boom")},
		snapshots: []models.RawSnapshot{{}, {}, {Sequence: 10}},
	}
	r := newTestReconciler(fetcher.fetch, nil)

	r.ApplyDiff(context.Background(), diff(10, 10, nil, nil))
	waitForState(t, r, StateSynced)

	if fetcher.callCount() != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", fetcher.callCount())
	}
}

func TestGapTriggersResync(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []models.RawSnapshot{
		{Sequence: 10, Bids: []models.PriceLevel{level("100", "1")}},
		{Sequence: 30, Bids: []models.PriceLevel{level("100", "3")}},
	}}
	out := &collector{}
	r := newTestReconciler(fetcher.fetch, out.notify)
	ctx := context.Background()

	r.ApplyDiff(ctx, diff(10, 10, nil, nil))
	waitForState(t, r, StateSynced)

	r.ApplyDiff(ctx, diff(11, 11, []models.PriceLevel{level("99", "1")}, nil))

	// Hold the recovery snapshot back so the resync window is observable.
	gate := make(chan struct{})
	fetcher.setGate(gate)

	// Sequence jumps from 11 to 20: a gap.
	r.ApplyDiff(ctx, diff(20, 20, nil, nil))
	if _, err := r.Book(); !errors.Is(err, models.ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced during resync, got %v", err)
	}

	close(gate)
	waitForState(t, r, StateSynced)
	snap, err := r.Book()
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if snap.LastUpdateID != 30 {
		t.Fatalf("expected book rebuilt from second snapshot, got %d", snap.LastUpdateID)
	}
	if !snap.Bids[0].Quantity.Equal(dec("3")) {
		t.Fatalf("expected snapshot quantity 3, got %v", snap.Bids[0])
	}
}

func TestDuplicateDiffIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []models.RawSnapshot{{Sequence: 10}}}
	out := &collector{}
	r := newTestReconciler(fetcher.fetch, out.notify)
	ctx := context.Background()

	r.ApplyDiff(ctx, diff(10, 10, nil, nil))
	waitForState(t, r, StateSynced)

	d := diff(11, 11, []models.PriceLevel{level("100", "1")}, nil)
	r.ApplyDiff(ctx, d)
	before := out.count()
	r.ApplyDiff(ctx, d)
	r.ApplyDiff(ctx, d)

	if out.count() != before {
		t.Fatalf("duplicate diffs must not notify, got %d extra", out.count()-before)
	}
	snap, err := r.Book()
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if snap.LastUpdateID != 11 || len(snap.Bids) != 1 {
		t.Fatalf("duplicate diffs changed the book: %+v", snap)
	}
}

func TestOverlappingDiffApplied(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []models.RawSnapshot{{Sequence: 10}}}
	r := newTestReconciler(fetcher.fetch, nil)
	ctx := context.Background()

	r.ApplyDiff(ctx, diff(10, 10, nil, nil))
	waitForState(t, r, StateSynced)

	// Range straddles the cursor: start <= last+1 <= end.
	r.ApplyDiff(ctx, diff(9, 12, []models.PriceLevel{level("100", "1")}, nil))

	snap, err := r.Book()
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if snap.LastUpdateID != 12 {
		t.Fatalf("expected cursor at 12, got %d", snap.LastUpdateID)
	}
}

func TestNotifyPerSyncedApply(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []models.RawSnapshot{{Sequence: 10}}}
	out := &collector{}
	r := newTestReconciler(fetcher.fetch, out.notify)
	ctx := context.Background()

	r.ApplyDiff(ctx, diff(10, 10, nil, nil))
	waitForState(t, r, StateSynced)

	base := out.count()
	r.ApplyDiff(ctx, diff(11, 11, []models.PriceLevel{level("100", "1")}, nil))
	r.ApplyDiff(ctx, diff(12, 12, []models.PriceLevel{level("101", "1")}, nil))

	if got := out.count() - base; got != 2 {
		t.Fatalf("expected one notification per applied diff, got %d", got)
	}
	if out.last().LastUpdateID != 12 {
		t.Fatalf("expected last notification at 12, got %d", out.last().LastUpdateID)
	}
}
