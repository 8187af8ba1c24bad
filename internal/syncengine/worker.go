package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// failureThreshold is how many consecutive failed cycles a worker tolerates at
// its normal cadence before backing off and reporting itself degraded.
const failureThreshold = 3

// Appender is the append-only sink used by backup_only workers. The object
// store's record log implements it.
type Appender interface {
	Append(ctx context.Context, rec *types.Record) error
}

type workerKey struct {
	Type types.DataType
	Dir  types.Direction
}

func (k workerKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.Dir)
}

// worker drives one (type, direction) sync relationship. It owns its cursor
// row; nothing else reads or writes it while the worker is running.
type worker struct {
	key    workerKey
	policy types.Policy

	src  store.Adapter
	dst  store.Adapter // nil for backup_only
	sink Appender      // set for backup_only

	cursors store.CursorStore
	clk     clock.Clock
	sem     *semaphore.Weighted // global cycle parallelism
	extSem  *semaphore.Weighted // external store slot cap, nil when peer is not external
	hot     *HotSet
	board   *board

	trigger  chan chan error
	failures int
	bo       *backoff.ExponentialBackOff
}

func newWorker(key workerKey, p types.Policy, src, dst store.Adapter, sink Appender,
	cursors store.CursorStore, clk clock.Clock, sem, extSem *semaphore.Weighted,
	hot *HotSet, b *board) *worker {

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // never give up; the mode detector handles dead peers
	bo.Reset()

	return &worker{
		key:     key,
		policy:  p,
		src:     src,
		dst:     dst,
		sink:    sink,
		cursors: cursors,
		clk:     clk,
		sem:     sem,
		extSem:  extSem,
		hot:     hot,
		board:   b,
		trigger: make(chan chan error, 1),
		bo:      bo,
	}
}

// run loops until ctx is cancelled. Failed cycles stretch the wait via
// exponential backoff once the failure threshold is crossed; a success snaps
// the cadence back to the policy interval.
func (w *worker) run(ctx context.Context) {
	interval := w.policy.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.afterCycle(w.cycle(ctx), timer, interval)
		case reply := <-w.trigger:
			err := w.cycle(ctx)
			w.afterCycle(err, timer, interval)
			if reply != nil {
				reply <- err
			}
		}
	}
}

func (w *worker) afterCycle(err error, timer *time.Timer, interval time.Duration) {
	next := interval
	if err != nil && !errors.Is(err, context.Canceled) {
		w.failures++
		if w.failures >= failureThreshold {
			next = w.bo.NextBackOff()
			log.Printf("sync: %s degraded after %d failures, next attempt in %s: %v",
				w.key, w.failures, next.Round(time.Second), err)
		}
	} else {
		w.failures = 0
		w.bo.Reset()
	}

	degraded := w.failures >= failureThreshold
	w.board.update(w.key, func(s *WorkerStatus) {
		s.Failures = w.failures
		if degraded {
			s.Health = types.Degraded
		} else {
			s.Health = types.Healthy
		}
	})

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(next)
}

// cycle processes one batch of changes from the source feed. The cursor
// advances to the highest updated_at applied without error and never past one.
func (w *worker) cycle(ctx context.Context) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	if w.extSem != nil {
		if err := w.extSem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer w.extSem.Release(1)
	}

	cur, err := w.cursors.LoadCursor(ctx, w.key.Type, w.key.Dir)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return w.fail(fmt.Errorf("load cursor: %w", err))
	}
	var high int64
	if cur != nil {
		high = cur.HighWater
	}

	limit := w.policy.BatchSize
	if limit <= 0 {
		limit = 50
	}
	recs, _, err := w.src.ListSince(ctx, w.key.Type, high, limit)
	if err != nil {
		return w.fail(fmt.Errorf("list since %d: %w", high, err))
	}

	var applyErr error
	holding := false
	for _, rec := range recs {
		if w.policy.Strategy == types.StrategyOnDemand && !w.hot.Contains(rec.ID) {
			// Cold records stay pending, not dropped: the cursor holds here
			// so the next cycle sees them again, and a Touch lets them
			// through. Later hot records still apply; re-applying them after
			// the cursor catches up is a no-op.
			holding = true
			continue
		}
		outcome, err := w.apply(ctx, rec)
		w.record(outcome, rec)
		if err != nil {
			applyErr = fmt.Errorf("apply %s/%s: %w", rec.Type, rec.ID, err)
			break
		}
		if !holding {
			high = rec.UpdatedAt
		}
	}

	if cur == nil || high > cur.HighWater {
		save := &types.SyncCursor{
			Type:      w.key.Type,
			Direction: w.key.Dir,
			HighWater: high,
			UpdatedAt: w.clk.NowMillis(),
		}
		if err := w.cursors.SaveCursor(ctx, save); err != nil {
			if applyErr == nil {
				applyErr = fmt.Errorf("save cursor: %w", err)
			}
		}
	}

	now := w.clk.NowMillis()
	w.board.update(w.key, func(s *WorkerStatus) {
		s.LastRun = now
		s.Cursor = high
		if applyErr != nil {
			s.LastError = applyErr.Error()
		} else {
			s.LastError = ""
		}
	})
	if applyErr != nil {
		return w.fail(applyErr)
	}
	return nil
}

func (w *worker) fail(err error) error {
	w.board.update(w.key, func(s *WorkerStatus) {
		s.Errors++
		s.LastError = err.Error()
	})
	return err
}

// apply pushes one record to the destination according to the strategy.
func (w *worker) apply(ctx context.Context, rec *types.Record) (Outcome, error) {
	switch w.policy.Strategy {
	case types.StrategyBackupOnly:
		if err := w.sink.Append(ctx, rec); err != nil {
			return OutcomeError, err
		}
		return OutcomeApplied, nil

	case types.StrategyMasterSlave:
		// Destination always accepts the source; no conflict check. The
		// adapter's superseded guard still protects against replaying stale
		// pages after a cursor reset.
		return w.write(ctx, rec, OutcomeApplied)

	default: // full_duplex, on_demand
		existing, err := w.dst.Get(ctx, rec.Type, rec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return OutcomeError, err
		}
		winner, outcome := Resolve(rec, existing)
		if winner != rec {
			if outcome == OutcomeConflictResolved {
				log.Printf("sync: %s conflict on %s/%s kept destination copy", w.key, rec.Type, rec.ID)
			}
			return outcome, nil
		}
		return w.write(ctx, rec, outcome)
	}
}

// write applies the record on the destination, translating a superseded
// rejection (a concurrent newer write won the race) into a skip. Tombstones
// are written through Put like any other record so their origin and version
// survive replication; Delete is for local mutations, which synthesize both.
func (w *worker) write(ctx context.Context, rec *types.Record, outcome Outcome) (Outcome, error) {
	err := w.dst.Put(ctx, rec)
	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, store.ErrSuperseded):
		return OutcomeSkippedSuperseded, nil
	default:
		return OutcomeError, err
	}
}

func (w *worker) record(outcome Outcome, rec *types.Record) {
	w.board.update(w.key, func(s *WorkerStatus) {
		switch outcome {
		case OutcomeApplied:
			s.Applied++
		case OutcomeSkippedSuperseded:
			s.Skipped++
		case OutcomeConflictResolved:
			s.Conflicts++
		case OutcomeError:
			s.Errors++
		}
		if rec.Deleted && outcome == OutcomeApplied {
			s.Tombstones++
		}
	})
}
