package projection

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// BalanceProjector keeps swapgate.balances in step with the journal.
// Offers never block the settlement path: when the channel is full the
// batch is dropped and the projection can be rebuilt from the journal.
type BalanceProjector struct {
	db      *sql.DB
	input   chan *ledger.Batch
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBalanceProjector(db *sql.DB, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *BalanceProjector {
	return &BalanceProjector{
		db:      db,
		input:   make(chan *ledger.Batch, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// Append offers a batch without blocking.
func (p *BalanceProjector) Append(batch *ledger.Batch) {
	select {
	case p.input <- batch:
	default:
		if p.metrics != nil {
			p.metrics.ProjectionDrops.Inc()
		}
	}
}

// Run applies offered batches until ctx is cancelled.
func (p *BalanceProjector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case batch := <-p.input:
			if err := p.apply(ctx, batch); err != nil {
				// Eventually consistent; RebuildBalances repairs drift.
				p.logger.Warn().Err(err).Str("batch_id", batch.BatchID.String()).Msg("projection update failed")
				if p.metrics != nil {
					p.metrics.ProjectionErrors.Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.ProjectionApplied.Inc()
			}
		}
	}
}

func (p *BalanceProjector) apply(ctx context.Context, batch *ledger.Batch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range batch.Journals {
		if err := upsertBalance(ctx, tx, j.DebitAccount.AccountPath(), string(j.Token), j.Amount); err != nil {
			return fmt.Errorf("debit %s: %w", j.DebitAccount.AccountPath(), err)
		}
		if err := upsertBalance(ctx, tx, j.CreditAccount.AccountPath(), string(j.Token), -j.Amount); err != nil {
			return fmt.Errorf("credit %s: %w", j.CreditAccount.AccountPath(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO swapgate.projection_watermark (worker_id, last_batch_id, updated_at)
		VALUES ('balances', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_batch_id = $1, updated_at = NOW()
	`, batch.BatchID.String()); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertBalance(ctx context.Context, tx *sql.Tx, accountPath, token string, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO swapgate.balances (account_path, token, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path) DO UPDATE SET balance = swapgate.balances.balance + $3
	`, accountPath, token, delta)
	return err
}

// RebuildBalances recomputes swapgate.balances from the journal.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE swapgate.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO swapgate.balances (account_path, token, balance)
		SELECT account_path, token, SUM(delta) FROM (
			SELECT debit_account AS account_path, token, amount AS delta FROM swapgate.journal
			UNION ALL
			SELECT credit_account AS account_path, token, -amount AS delta FROM swapgate.journal
		) moves
		GROUP BY account_path, token
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM swapgate.projection_watermark WHERE worker_id = 'balances'
	`); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}

	return tx.Commit()
}
