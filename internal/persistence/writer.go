package persistence

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/pipeline"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// OutcomeRow represents a row in swapgate.outcomes
type OutcomeRow struct {
	RunID          string
	NotificationID string
	Depositor      string
	Token          string
	Amount         int64
	State          string
	RiskCategory   *string
	RiskScore      *int16
	Retained       int64
	Error          *string
	Payload        []byte // JSON-encoded pipeline.Outcome
	ReceivedAt     time.Time
	CompletedAt    time.Time
}

// JournalRow represents a row in swapgate.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// OutcomeToRow flattens an outcome for storage.
func OutcomeToRow(o pipeline.Outcome) (OutcomeRow, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return OutcomeRow{}, fmt.Errorf("marshal outcome %s: %w", o.RunID, err)
	}

	row := OutcomeRow{
		RunID:          o.RunID.String(),
		NotificationID: o.NotificationID,
		Depositor:      string(o.Depositor),
		Token:          string(o.Token),
		Amount:         o.Amount,
		State:          o.State.String(),
		Retained:       o.Retained,
		Payload:        payload,
		ReceivedAt:     o.ReceivedAt,
		CompletedAt:    o.CompletedAt,
	}
	if o.Risk != nil {
		category := string(o.Risk.Category)
		score := int16(o.Risk.Risk)
		row.RiskCategory = &category
		row.RiskScore = &score
	}
	if o.Error != "" {
		msg := o.Error
		row.Error = &msg
	}
	return row, nil
}

// BatchToRows flattens a journal batch for storage.
func BatchToRows(b *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Token:         string(j.Token),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteOutcomeBatch writes outcomes using one multi-row INSERT.
// Rewrites of the same run are ignored.
func WriteOutcomeBatch(ctx context.Context, db execer, outcomes []OutcomeRow) error {
	if len(outcomes) == 0 {
		return nil
	}

	const cols = 13
	query := `INSERT INTO swapgate.outcomes
		(run_id, notification_id, depositor, token, amount, state, risk_category, risk_score, retained, error, payload, received_at, completed_at)
		VALUES `

	values := make([]string, 0, len(outcomes))
	args := make([]interface{}, 0, len(outcomes)*cols)

	for i, o := range outcomes {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			o.RunID, o.NotificationID, o.Depositor, o.Token, o.Amount, o.State,
			o.RiskCategory, o.RiskScore, o.Retained, o.Error, o.Payload,
			o.ReceivedAt, o.CompletedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (run_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries using one multi-row INSERT.
func WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO swapgate.journal
		(journal_id, batch_id, event_ref, debit_account, credit_account, token, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef,
			j.DebitAccount, j.CreditAccount, j.Token, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders ($base+1, ..., $base+n).
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
