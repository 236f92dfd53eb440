package persistence

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"SwapGate/internal/pipeline"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// record is one unit on the persist channel: an outcome or a journal batch.
type record struct {
	outcome *OutcomeRow
	journal []JournalRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// Record and Append block when the channel is full, so a slow database
// stalls the pipeline instead of losing rows.
type Worker struct {
	db           *sql.DB
	input        chan record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	buffer int,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		db:           db,
		input:        make(chan record, buffer),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Record queues a terminal pipeline outcome.
func (w *Worker) Record(o pipeline.Outcome) {
	row, err := OutcomeToRow(o)
	if err != nil {
		w.logger.Error().Err(err).Msg("dropping unencodable outcome")
		return
	}
	w.input <- record{outcome: &row}
}

// Append queues a journal batch applied to the balance sheet.
func (w *Worker) Append(batch *ledger.Batch) {
	w.input <- record{journal: BatchToRows(batch)}
}

// Run batches incoming records and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	outcomes := make([]OutcomeRow, 0, w.batchSize)
	journals := make([]JournalRow, 0, w.batchSize*2)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	add := func(r record) {
		if r.outcome != nil {
			outcomes = append(outcomes, *r.outcome)
		}
		journals = append(journals, r.journal...)
	}
	reset := func() {
		outcomes = outcomes[:0]
		journals = journals[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: take whatever is still queued, then flush
			for drained := false; !drained; {
				select {
				case r := <-w.input:
					add(r)
				default:
					drained = true
				}
			}
			if len(outcomes)+len(journals) > 0 {
				if err := w.flush(context.Background(), outcomes, journals); err != nil {
					w.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case r := <-w.input:
			add(r)
			if len(outcomes)+len(journals) >= w.batchSize {
				if err := w.flushWithRetry(ctx, outcomes, journals); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(outcomes)+len(journals) > 0 {
				if err := w.flushWithRetry(ctx, outcomes, journals); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (w *Worker) flushWithRetry(ctx context.Context, outcomes []OutcomeRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("outcomes", len(outcomes)).
				Int("journals", len(journals)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), outcomes, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := w.flush(ctx, outcomes, journals)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes outcomes and journals in a single transaction.
func (w *Worker) flush(ctx context.Context, outcomes []OutcomeRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := WriteJournalBatch(ctx, tx, journals); err != nil {
		w.countError("write_journals")
		return err
	}
	if err := WriteOutcomeBatch(ctx, tx, outcomes); err != nil {
		w.countError("write_outcomes")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(outcomes)))
		w.metrics.PersistOutcomesWritten.Add(float64(len(outcomes)))
		w.metrics.PersistJournalsWritten.Add(float64(len(journals)))
	}
	return nil
}

func (w *Worker) countError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
