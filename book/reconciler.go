package book

import (
	"context"
	"sync"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
)

// State is the reconciliation state of a market's book.
type State int

const (
	// StateUninitialized means no diff has been seen yet.
	StateUninitialized State = iota
	// StateRecovering means diffs are being buffered while a snapshot
	// anchored at or after the recovery sequence is fetched.
	StateRecovering
	// StateSynced means the book reflects a contiguous, gap-free stream.
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateSynced:
		return "synced"
	default:
		return "uninitialized"
	}
}

// SnapshotFetcher retrieves a full book snapshot from the exchange.
type SnapshotFetcher func(ctx context.Context) (models.RawSnapshot, error)

// Config tunes the reconciler's recovery behaviour.
type Config struct {
	// MaxPending bounds the diff buffer held while recovering. When the
	// buffer fills, recovery restarts anchored at the newest diff.
	MaxPending int
	// RetryDelay is the fixed delay between snapshot fetch attempts when
	// the fetch fails or returns a stale snapshot.
	RetryDelay time.Duration
}

// Reconciler merges an exchange's snapshot and diff streams into a
// PriceLevelBook. Diffs arriving before a snapshot anchors them are
// buffered; gaps in the applied stream force a resynchronization cycle.
type Reconciler struct {
	// mu guards everything below. Callbacks are never invoked under mu.
	mu          sync.Mutex
	book        *PriceLevelBook
	state       State
	lastApplied int64
	anchor      int64
	pending     []models.Diff
	generation  int64

	maxPending int
	retryDelay time.Duration
	fetch      SnapshotFetcher
	notify     func(models.BookSnapshot)
	log        *logger.Entry
}

// NewReconciler creates a reconciler for one market. notify receives one
// sorted book snapshot per successful apply that leaves the book synced.
func NewReconciler(exchange, base, quote string, fetch SnapshotFetcher, notify func(models.BookSnapshot), cfg Config) *Reconciler {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1024
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if notify == nil {
		notify = func(models.BookSnapshot) {}
	}
	return &Reconciler{
		book:       NewPriceLevelBook(exchange, base, quote),
		state:      StateUninitialized,
		maxPending: cfg.MaxPending,
		retryDelay: cfg.RetryDelay,
		fetch:      fetch,
		notify:     notify,
		log: logger.GetLogger().WithComponent("book_reconciler").WithFields(logger.Fields{
			"exchange": exchange,
			"base":     base,
			"quote":    quote,
		}),
	}
}

// State returns the current reconciliation state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Book returns the current sorted book. While the stream is not synced the
// book is not authoritative and ErrNotSynced is returned instead.
func (r *Reconciler) Book() (models.BookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateSynced {
		return models.BookSnapshot{}, models.ErrNotSynced
	}
	return r.book.Snapshot(r.lastApplied), nil
}

// ApplyDiff feeds one diff from the exchange's push channel into the state
// machine. The first diff ever seen triggers an asynchronous snapshot fetch
// anchored at its end sequence.
func (r *Reconciler) ApplyDiff(ctx context.Context, d models.Diff) {
	r.mu.Lock()

	switch r.state {
	case StateUninitialized:
		r.pending = append(r.pending[:0], d)
		r.startRecoveryLocked(ctx, d.EndSeq)

	case StateRecovering:
		if len(r.pending) >= r.maxPending {
			// The snapshot is taking too long to anchor the buffer.
			// Drop it and restart recovery at the newest diff.
			r.log.WithFields(logger.Fields{
				"dropped": len(r.pending),
				"anchor":  d.EndSeq,
			}).Warn("pending diff buffer full, restarting recovery")
			r.pending = append(r.pending[:0], d)
			r.startRecoveryLocked(ctx, d.EndSeq)
			break
		}
		r.pending = append(r.pending, d)

	case StateSynced:
		if d.EndSeq <= r.lastApplied {
			// Duplicate or already-covered diff. Applying it again
			// must not change the book.
			break
		}
		gap := d.StartSeq > r.lastApplied+1
		r.applyLocked(d)
		if gap {
			r.log.WithFields(logger.Fields{
				"last_applied": r.lastApplied,
				"start_seq":    d.StartSeq,
				"end_seq":      d.EndSeq,
			}).Warn(models.ErrGapDetected.Error())
			r.pending = append(r.pending[:0], d)
			r.startRecoveryLocked(ctx, d.EndSeq)
			break
		}
		snap := r.book.Snapshot(r.lastApplied)
		r.mu.Unlock()
		r.notify(snap)
		return
	}

	r.mu.Unlock()
}

// applyLocked merges one diff into the book and advances the sequence
// cursor. Caller holds mu.
func (r *Reconciler) applyLocked(d models.Diff) {
	for _, bid := range d.Bids {
		r.book.Upsert(models.BookSideBid, bid.Price, bid.Quantity)
	}
	for _, ask := range d.Asks {
		r.book.Upsert(models.BookSideAsk, ask.Price, ask.Quantity)
	}
	r.lastApplied = d.EndSeq
}

// startRecoveryLocked transitions to RECOVERING and spawns the snapshot
// fetch loop. A generation counter lets a newer recovery supersede an older
// one whose fetch is still in flight. Caller holds mu.
func (r *Reconciler) startRecoveryLocked(ctx context.Context, anchor int64) {
	r.state = StateRecovering
	r.anchor = anchor
	r.generation++
	gen := r.generation
	r.log.WithFields(logger.Fields{"anchor": anchor}).Info("snapshot recovery triggered")
	go r.recover(ctx, gen, anchor)
}

func (r *Reconciler) recover(ctx context.Context, gen, anchor int64) {
	for {
		snapshot, err := r.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("snapshot fetch failed, retrying")
			if !sleepCtx(ctx, r.retryDelay) {
				return
			}
			continue
		}

		r.mu.Lock()
		if r.generation != gen || r.state != StateRecovering {
			// A newer gap superseded this recovery cycle.
			r.mu.Unlock()
			return
		}

		if snapshot.Sequence < anchor {
			r.mu.Unlock()
			r.log.WithFields(logger.Fields{
				"snapshot_seq": snapshot.Sequence,
				"anchor":       anchor,
			}).Warn(models.ErrStaleSnapshot.Error())
			if !sleepCtx(ctx, r.retryDelay) {
				return
			}
			continue
		}

		r.book.Replace(snapshot)
		r.lastApplied = snapshot.Sequence

		replayed, skipped := 0, 0
		for _, d := range r.pending {
			if d.EndSeq <= r.lastApplied {
				// Entirely covered by the snapshot.
				continue
			}
			if d.StartSeq > r.lastApplied+1 {
				// Hole inside the buffer itself. The next live
				// diff will re-trigger gap recovery.
				skipped++
				continue
			}
			r.applyLocked(d)
			replayed++
		}
		r.pending = nil
		r.state = StateSynced

		out := r.book.Snapshot(r.lastApplied)
		r.mu.Unlock()

		entry := r.log.WithFields(logger.Fields{
			"snapshot_seq": snapshot.Sequence,
			"replayed":     replayed,
		})
		if skipped > 0 {
			entry.WithFields(logger.Fields{"skipped": skipped}).Warn("recovery complete with holes in buffered diffs")
		} else {
			entry.Info("recovery from snapshot complete")
		}
		r.notify(out)
		return
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
