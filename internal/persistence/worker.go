package persistence

import (
	"context"
	"errors"
	"time"

	"TollLedger/internal/event"
	"TollLedger/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// LogWorkerConfig tunes batching and retries of the log worker.
type LogWorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration

	// WriteTimeout bounds each append attempt.
	WriteTimeout time.Duration

	// MaxRetries bounds extra attempts for a failing batch. After that the
	// batch is dropped and counted; the ledger is never affected.
	MaxRetries    uint64
	RetryInterval time.Duration
}

func DefaultLogWorkerConfig() LogWorkerConfig {
	return LogWorkerConfig{
		BatchSize:     32,
		FlushTimeout:  250 * time.Millisecond,
		WriteTimeout:  3 * time.Second,
		MaxRetries:    3,
		RetryInterval: 200 * time.Millisecond,
	}
}

// LogWorker drains the decision queue and batch-writes to the event log.
// The pipeline hands records over with non-blocking sends, so a slow or
// failing store costs dropped log records and never stalls scans.
type LogWorker struct {
	store     DecisionLog
	inputChan <-chan event.Decision
	cfg       LogWorkerConfig
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewLogWorker(
	store DecisionLog,
	inputChan <-chan event.Decision,
	cfg LogWorkerConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *LogWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 250 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	return &LogWorker{
		store:     store,
		inputChan: inputChan,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run batches incoming decisions and flushes when the batch is full or the
// flush timeout expires. On ctx cancellation it drains whatever is already
// queued, writes it once without retries and returns. A closed input
// channel also ends the loop after a final flush.
func (w *LogWorker) Run(ctx context.Context) error {
	batch := make([]event.Decision, 0, w.cfg.BatchSize)

	timer := time.NewTimer(w.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			batch = w.drain(batch)
			w.finalFlush(batch)
			return nil

		case d, ok := <-w.inputChan:
			if !ok {
				w.finalFlush(batch)
				return nil
			}

			batch = append(batch, d)
			if len(batch) >= w.cfg.BatchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				resetTimer(timer, w.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.cfg.FlushTimeout)
		}
	}
}

func (w *LogWorker) drain(batch []event.Decision) []event.Decision {
	for {
		select {
		case d, ok := <-w.inputChan:
			if !ok {
				return batch
			}
			batch = append(batch, d)
		default:
			return batch
		}
	}
}

func (w *LogWorker) finalFlush(batch []event.Decision) {
	if len(batch) == 0 {
		return
	}
	if err := w.flush(context.Background(), batch); err != nil {
		w.recordDropped(len(batch), "shutdown")
		w.logger.Error().Err(err).Int("decisions", len(batch)).Msg("final log flush failed; decisions dropped")
	}
}

// flushWithRetry writes a batch with bounded exponential backoff.
func (w *LogWorker) flushWithRetry(ctx context.Context, batch []event.Decision) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInterval
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return w.flush(ctx, batch)
	}, backoff.WithContext(backoff.WithMaxRetries(b, w.cfg.MaxRetries), ctx), func(err error, wait time.Duration) {
		w.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Int("decisions", len(batch)).Msg("log write failed, retrying")
	})
	if err == nil {
		if attempt > 1 {
			w.logger.Info().Int("attempts", attempt).Msg("log write succeeded after retries")
		}
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutting down: one last attempt outside the cancelled context.
		w.finalFlush(batch)
		return
	}

	w.recordDropped(len(batch), "retries_exhausted")
	w.logger.Error().Err(err).Str("reason", ReasonLogWriteFailure).Int("decisions", len(batch)).Msg("log write failed after retries; decisions dropped")
}

func (w *LogWorker) flush(ctx context.Context, batch []event.Decision) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	if err := w.store.AppendBatch(ctx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.LogWriteFailures.WithLabelValues("append").Inc()
		}
		if !errors.Is(err, ErrLogWrite) {
			err = errors.Join(ErrLogWrite, err)
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.LogBatchSize.Observe(float64(len(batch)))
		w.metrics.LogRecordsWritten.Add(float64(len(batch)))
	}
	return nil
}

func (w *LogWorker) recordDropped(n int, stage string) {
	if w.metrics != nil {
		w.metrics.LogWriteFailures.WithLabelValues(stage).Add(float64(n))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
