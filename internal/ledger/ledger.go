package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"TollLedger/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// SnapshotStore durably holds the single snapshot document.
// ReadSnapshot returns an error wrapping fs.ErrNotExist when nothing has
// been written yet.
type SnapshotStore interface {
	ReadSnapshot(ctx context.Context) ([]byte, error)
	WriteSnapshot(ctx context.Context, data []byte) error
}

// Options configures a Ledger.
type Options struct {
	Policy Policy

	// PersistTimeout bounds every snapshot write.
	PersistTimeout time.Duration

	// DebitRetries is the number of extra write attempts after a failed
	// debit write. RetryInterval is the first backoff delay.
	DebitRetries  uint64
	RetryInterval time.Duration

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// DefaultOptions returns production defaults with a disabled logger.
func DefaultOptions() Options {
	return Options{
		Policy:         DefaultPolicy(),
		PersistTimeout: 5 * time.Second,
		DebitRetries:   3,
		RetryInterval:  100 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

// DebitResult is the outcome of a debit. Insufficient funds is reported
// with Granted=false and is not an error.
type DebitResult struct {
	Granted  bool
	Balance  int64
	Deducted int64
}

// Ledger owns the balance map and its snapshot. A mutation holds the write
// slot and the state lock end to end, including the durable write, so no
// two mutations interleave their read and write steps. Waiting for the slot
// honours the caller's context.
type Ledger struct {
	writeSlot chan struct{}
	mu        sync.RWMutex
	tracker   *BalanceTracker
	validator *InvariantValidator
	store     SnapshotStore
	opts      Options
	logger    zerolog.Logger
	metrics   *observability.Metrics

	initialized bool
	dirty       bool
	closed      bool
}

func New(store SnapshotStore, opts Options) *Ledger {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}

	tracker := NewBalanceTracker()
	return &Ledger{
		writeSlot: make(chan struct{}, 1),
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Load reads the snapshot. An absent or unparseable snapshot starts an
// empty ledger and persists it immediately. Malformed entries are repaired
// with a warning and never fail the load. A read error other than "absent"
// fails the load rather than overwriting balances it could not read.
func (l *Ledger) Load(ctx context.Context) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.unlock()

	if l.closed {
		return ErrClosed
	}

	data, err := l.readSnapshot(ctx)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Info().Msg("no snapshot found, starting with an empty ledger")
		return l.resetAndPersist(ctx)
	case err != nil:
		return fmt.Errorf("%w: read snapshot: %v", ErrPersistence, err)
	}

	balances, repairs, err := DecodeSnapshot(data)
	if err != nil {
		l.logger.Warn().Err(err).Msg("snapshot unparseable, starting with an empty ledger")
		return l.resetAndPersist(ctx)
	}

	l.tracker.Restore(balances)
	if err := l.validator.ValidateAll(); err != nil {
		return fmt.Errorf("restored snapshot: %w", err)
	}
	l.initialized = true

	if len(repairs) > 0 {
		for _, r := range repairs {
			l.logger.Warn().Str("key", r.Key).Str("action", r.Action).Msg(r.Detail)
		}
		if err := l.persist(ctx, "load"); err != nil {
			l.dirty = true
			l.logger.Warn().Err(err).Int("repairs", len(repairs)).Msg("could not rewrite repaired snapshot")
		}
	}

	l.recordState()
	l.logger.Info().Int("accounts", l.tracker.Len()).Msg("ledger loaded")
	return nil
}

func (l *Ledger) resetAndPersist(ctx context.Context) error {
	l.tracker.Restore(nil)
	if err := l.persist(ctx, "load"); err != nil {
		return err
	}
	l.initialized = true
	l.recordState()
	return nil
}

// GetBalance returns the balance for a raw identifier. Unknown and invalid
// identifiers read as 0.
func (l *Ledger) GetBalance(raw string) int64 {
	id, err := Normalize(raw)
	if err != nil {
		return 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.GetBalance(id)
}

// Balances returns a copy of the full mapping.
func (l *Ledger) Balances() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.Snapshot()
}

// Policy returns the configured toll and top-up bounds.
func (l *Ledger) Policy() Policy {
	return l.opts.Policy
}

// Dirty reports whether memory holds changes not yet on disk.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// Credit tops up an account. The call succeeds only once the snapshot
// holding the new balance is written; on a write failure the credit is
// undone in memory and ErrPersistence is returned.
func (l *Ledger) Credit(ctx context.Context, raw string, amount int64) (int64, error) {
	id, err := Normalize(raw)
	if err != nil {
		l.recordMutation("credit", "rejected")
		return 0, err
	}
	if amount, err = ValidateTopUp(amount, l.opts.Policy); err != nil {
		l.recordMutation("credit", "rejected")
		return 0, err
	}

	if err := l.lock(ctx); err != nil {
		l.recordMutation("credit", "failed")
		return 0, err
	}
	defer l.unlock()

	if err := l.ready(); err != nil {
		return 0, err
	}

	previous, existed := l.tracker.GetBalance(id), l.tracker.Has(id)
	balance, err := l.tracker.Credit(id, amount)
	if err != nil {
		l.recordMutation("credit", "rejected")
		return 0, err
	}

	if err := l.persist(ctx, "credit"); err != nil {
		if existed {
			l.tracker.SetBalance(id, previous)
		} else {
			l.tracker.Remove(id)
		}
		// The failed write may still land late; the next write must
		// restore the rolled-back state.
		l.dirty = true
		l.recordState()
		l.recordMutation("credit", "failed")
		l.logger.Error().Err(err).Str("uid", id).Int64("amount", amount).Msg("credit rolled back after snapshot write failure")
		return 0, err
	}

	l.dirty = false
	l.recordState()
	l.recordMutation("credit", "ok")
	return balance, nil
}

// Debit deducts amount when the balance covers it. Insufficient funds
// returns Granted=false, leaves the balance unchanged and writes nothing.
//
// A granted debit is written with bounded retries. If every attempt fails
// the deduction stays in memory, the ledger is marked dirty and the granted
// result is returned together with an error wrapping ErrPersistence.
// The caller must not retry the debit.
func (l *Ledger) Debit(ctx context.Context, raw string, amount int64) (DebitResult, error) {
	id, err := Normalize(raw)
	if err != nil {
		l.recordMutation("debit", "rejected")
		return DebitResult{}, err
	}
	if amount, err = ValidateAmount(amount); err != nil {
		l.recordMutation("debit", "rejected")
		return DebitResult{}, err
	}

	if err := l.lock(ctx); err != nil {
		l.recordMutation("debit", "failed")
		return DebitResult{}, err
	}
	defer l.unlock()

	if err := l.ready(); err != nil {
		return DebitResult{}, err
	}

	l.tracker.Materialize(id)
	balance, applied := l.tracker.Debit(id, amount)
	if !applied {
		l.recordMutation("debit", "insufficient")
		return DebitResult{Granted: false, Balance: balance}, nil
	}

	result := DebitResult{Granted: true, Balance: balance, Deducted: amount}

	if err := l.persistWithRetry(ctx); err != nil {
		l.dirty = true
		l.recordState()
		l.recordMutation("debit", "unpersisted")
		l.logger.Error().
			Err(err).
			Bool("inconsistency", true).
			Str("uid", id).
			Int64("balance", balance).
			Int64("deducted", amount).
			Msg("debit applied in memory but snapshot write failed; disk is behind memory")
		return result, err
	}

	l.dirty = false
	l.recordState()
	l.recordMutation("debit", "ok")
	return result, nil
}

// Flush writes the current state when memory is ahead of disk.
func (l *Ledger) Flush(ctx context.Context) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.unlock()

	if !l.initialized || !l.dirty {
		return nil
	}
	if err := l.persist(ctx, "flush"); err != nil {
		return err
	}
	l.dirty = false
	l.recordState()
	l.logger.Info().Msg("dirty ledger state flushed to snapshot")
	return nil
}

// Close writes a final snapshot and rejects further mutations.
func (l *Ledger) Close(ctx context.Context) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if !l.initialized {
		return nil
	}
	if err := l.persist(ctx, "close"); err != nil {
		return err
	}
	l.dirty = false
	l.recordState()
	return nil
}

// lock takes the write slot, giving up with ErrPersistence when ctx ends
// first, then the state lock.
func (l *Ledger) lock(ctx context.Context) error {
	select {
	case l.writeSlot <- struct{}{}:
	default:
		select {
		case l.writeSlot <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for pending write: %v", ErrPersistence, ctx.Err())
		}
	}
	l.mu.Lock()
	return nil
}

func (l *Ledger) unlock() {
	l.mu.Unlock()
	<-l.writeSlot
}

func (l *Ledger) ready() error {
	if l.closed {
		return ErrClosed
	}
	if !l.initialized {
		return ErrNotLoaded
	}
	return nil
}

func (l *Ledger) readSnapshot(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.PersistTimeout)
	defer cancel()
	return l.store.ReadSnapshot(ctx)
}

// persist writes the full mapping. Caller holds the write lock.
func (l *Ledger) persist(ctx context.Context, op string) error {
	snap := l.tracker.Snapshot()
	if err := l.validator.ValidateSnapshot(snap); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	data, err := EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", ErrPersistence, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.PersistTimeout)
	defer cancel()

	start := time.Now()
	if err := l.store.WriteSnapshot(ctx, data); err != nil {
		if l.metrics != nil {
			l.metrics.LedgerPersistErrors.WithLabelValues(op).Inc()
		}
		return fmt.Errorf("%w: write snapshot: %v", ErrPersistence, err)
	}

	if l.metrics != nil {
		l.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		l.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	}
	return nil
}

// persistWithRetry retries a debit write with exponential backoff. The
// retry budget is bounded so a dead disk cannot stall the pipeline.
func (l *Ledger) persistWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.RetryInterval
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithMaxRetries(b, l.opts.DebitRetries)
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := l.persist(ctx, "debit")
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		if l.metrics != nil {
			l.metrics.LedgerPersistRetry.Inc()
		}
		l.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("debit snapshot write failed, retrying")
	})
}

func (l *Ledger) recordMutation(op, result string) {
	if l.metrics != nil {
		l.metrics.LedgerMutations.WithLabelValues(op, result).Inc()
	}
}

func (l *Ledger) recordState() {
	if l.metrics != nil {
		l.metrics.LedgerDirty.Set(observability.BoolGauge(l.dirty))
		l.metrics.LedgerAccounts.Set(float64(l.tracker.Len()))
	}
}
