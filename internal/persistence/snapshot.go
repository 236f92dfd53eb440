package persistence

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"SwapGate/internal/settlement"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSnapshotDigest is returned when a restored snapshot does not hash to
// the digest it was saved with.
var ErrSnapshotDigest = errors.New("snapshot digest mismatch")

// SnapshotManager saves balance sheet snapshots and replays the journal
// written after them on restart.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// SnapshotData is the balance sheet at a point in the journal.
type SnapshotData struct {
	JournalCount int64            `json:"journal_count"`
	Balances     map[string]int64 `json:"balances"` // AccountPath -> balance
	Digest       string           `json:"digest,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics, logger: logger}
}

// Capture builds a snapshot from the router's current state.
func Capture(r *settlement.Router) *SnapshotData {
	balances, count := r.SnapshotState()
	paths := ledger.PathBalances(balances)
	digest := ledger.StateDigest(paths, count)
	return &SnapshotData{
		JournalCount: count,
		Balances:     paths,
		Digest:       hex.EncodeToString(digest[:]),
		CreatedAt:    time.Now().UTC(),
	}
}

// Save persists a snapshot. A second snapshot at the same journal count
// replaces the first.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO swapgate.balance_snapshots
			(snapshot_id, journal_count, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (journal_count) DO UPDATE SET data = $3, size_bytes = $4
	`, uuid.New(), snap.JournalCount, data, len(data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot at %d: %w", snap.JournalCount, err)
	}
	return nil
}

// LoadLatest returns the newest snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM swapgate.balance_snapshots
		ORDER BY journal_count DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadJournalsFrom returns up to limit journal rows in write order,
// skipping the first offset rows.
func (sm *SnapshotManager) LoadJournalsFrom(ctx context.Context, offset int64, limit int) ([]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, debit_account, credit_account,
		       token, amount, journal_type, timestamp
		FROM swapgate.journal
		ORDER BY seq ASC
		OFFSET $1
		LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []JournalRow
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.DebitAccount, &j.CreditAccount,
			&j.Token, &j.Amount, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

// Recover restores the router from the latest snapshot and replays the
// journal written after it. Returns the number of journals replayed.
func (sm *SnapshotManager) Recover(ctx context.Context, r *settlement.Router, pageSize int) (int64, error) {
	snap, err := sm.LoadLatest(ctx)
	if err != nil {
		return 0, err
	}

	var offset int64
	if snap != nil {
		balances := make(map[ledger.AccountKey]int64, len(snap.Balances))
		for path, bal := range snap.Balances {
			key, err := ledger.ParseAccountPath(path)
			if err != nil {
				return 0, fmt.Errorf("snapshot account %q: %w", path, err)
			}
			balances[key] = bal
		}
		r.Restore(balances, snap.JournalCount)
		offset = snap.JournalCount

		if snap.Digest != "" {
			restored, count := r.SnapshotState()
			digest := ledger.StateDigest(ledger.PathBalances(restored), count)
			if got := hex.EncodeToString(digest[:]); got != snap.Digest {
				return 0, fmt.Errorf("%w at journal %d: got %s, want %s", ErrSnapshotDigest, snap.JournalCount, got, snap.Digest)
			}
		}
	}

	var (
		replayed int64
		pending  *ledger.Batch
	)
	apply := func() error {
		if pending == nil {
			return nil
		}
		if err := r.Replay(pending); err != nil {
			return fmt.Errorf("replay batch %s: %w", pending.BatchID, err)
		}
		replayed += int64(len(pending.Journals))
		pending = nil
		return nil
	}

	for {
		rows, err := sm.LoadJournalsFrom(ctx, offset, pageSize)
		if err != nil {
			return replayed, fmt.Errorf("load journals from %d: %w", offset, err)
		}
		for _, row := range rows {
			j, err := row.toJournal()
			if err != nil {
				return replayed, err
			}
			// Batches may straddle a page boundary; rows of one batch are contiguous.
			if pending != nil && pending.BatchID != j.BatchID {
				if err := apply(); err != nil {
					return replayed, err
				}
			}
			if pending == nil {
				pending = &ledger.Batch{BatchID: j.BatchID, EventRef: j.EventRef, Timestamp: j.Timestamp}
			}
			pending.Journals = append(pending.Journals, j)
		}
		offset += int64(len(rows))
		if len(rows) < pageSize {
			break
		}
	}
	if err := apply(); err != nil {
		return replayed, err
	}

	sm.logger.Info().
		Bool("from_snapshot", snap != nil).
		Int64("journal_count", offset).
		Int64("replayed", replayed).
		Msg("balance sheet recovered")
	return replayed, nil
}

// Run takes a snapshot every interval until ctx is cancelled, plus one on
// shutdown.
func (sm *SnapshotManager) Run(ctx context.Context, r *settlement.Router, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64 = -1
	take := func(ctx context.Context) {
		start := time.Now()
		snap := Capture(r)
		if snap.JournalCount == last {
			return
		}
		if err := sm.Save(ctx, snap); err != nil {
			sm.logger.Error().Err(err).Msg("snapshot failed")
			return
		}
		last = snap.JournalCount
		if sm.metrics != nil {
			sm.metrics.SnapshotTaken.Inc()
			sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		}
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			take(shutdownCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			take(ctx)
		}
	}
}

func (row JournalRow) toJournal() (ledger.Journal, error) {
	journalID, err := uuid.Parse(row.JournalID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal id %q: %w", row.JournalID, err)
	}
	batchID, err := uuid.Parse(row.BatchID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("batch id %q: %w", row.BatchID, err)
	}
	debit, err := ledger.ParseAccountPath(row.DebitAccount)
	if err != nil {
		return ledger.Journal{}, err
	}
	credit, err := ledger.ParseAccountPath(row.CreditAccount)
	if err != nil {
		return ledger.Journal{}, err
	}
	return ledger.Journal{
		JournalID:     journalID,
		BatchID:       batchID,
		EventRef:      row.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         ledger.TokenID(row.Token),
		Amount:        row.Amount,
		JournalType:   ledger.JournalType(row.JournalType),
		Timestamp:     row.Timestamp,
	}, nil
}
