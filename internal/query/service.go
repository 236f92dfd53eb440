package query

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/pipeline"
	"SwapGate/internal/projection"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Service answers read-only queries. Balances come from the live balance
// sheet; outcome and journal history come from Postgres when configured,
// otherwise from the in-memory outcome history.
type Service struct {
	sheet   *ledger.BalanceSheet
	history *projection.OutcomeHistory
	db      *sql.DB
}

func NewService(sheet *ledger.BalanceSheet, history *projection.OutcomeHistory, db *sql.DB) *Service {
	return &Service{sheet: sheet, history: history, db: db}
}

// GetBalances returns every persistent balance of owner.
func (s *Service) GetBalances(owner ledger.AccountID) BalancesResponse {
	return BalancesResponse{
		Owner:    owner,
		Balances: s.sheet.GetUserBalances(owner),
		AsOf:     time.Now().UTC(),
	}
}

// GetBalance returns owner's persistent balance of one token.
func (s *Service) GetBalance(owner ledger.AccountID, token ledger.TokenID) int64 {
	return s.sheet.GetUserBalance(owner, token)
}

// GetRetained returns the retained amount of token.
func (s *Service) GetRetained(token ledger.TokenID) RetainedResponse {
	return RetainedResponse{Token: token, Amount: s.sheet.GetRetained(token)}
}

// GetOutcome returns the terminal outcome of a run.
func (s *Service) GetOutcome(ctx context.Context, runID uuid.UUID) (pipeline.Outcome, error) {
	if s.history != nil {
		if o, ok := s.history.Get(runID); ok {
			return o, nil
		}
	}
	if s.db == nil {
		return pipeline.Outcome{}, fmt.Errorf("outcome %s: %w", runID, ErrNotFound)
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM swapgate.outcomes WHERE run_id = $1
	`, runID.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Outcome{}, fmt.Errorf("outcome %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return pipeline.Outcome{}, err
	}

	var o pipeline.Outcome
	if err := json.Unmarshal(payload, &o); err != nil {
		return pipeline.Outcome{}, fmt.Errorf("decode outcome %s: %w", runID, err)
	}
	return o, nil
}

// ListOutcomes returns a depositor's outcomes, newest first. before, when
// set, is the completed_at cursor of the previous page.
func (s *Service) ListOutcomes(
	ctx context.Context,
	depositor ledger.AccountID,
	limit int,
	before *time.Time,
) ([]pipeline.Outcome, error) {
	if s.db == nil {
		if s.history == nil {
			return nil, nil
		}
		held := s.history.QueryByDepositor(depositor, s.history.Len())
		return trimBefore(held, before, limit), nil
	}

	query := `
		SELECT payload FROM swapgate.outcomes
		WHERE depositor = $1
	`
	args := []interface{}{string(depositor)}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND completed_at < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY completed_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []pipeline.Outcome
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o pipeline.Outcome
		if err := json.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func trimBefore(outcomes []pipeline.Outcome, before *time.Time, limit int) []pipeline.Outcome {
	out := make([]pipeline.Outcome, 0, limit)
	for _, o := range outcomes {
		if before != nil && !o.CompletedAt.Before(*before) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, o)
	}
	return out
}

// GetJournalHistory returns journal entries touching owner's accounts,
// newest first. beforeSeq, when set, is the seq cursor of the previous page.
func (s *Service) GetJournalHistory(
	ctx context.Context,
	owner ledger.AccountID,
	limit int,
	beforeSeq *int64,
) ([]JournalHistoryEntry, error) {
	if s.db == nil {
		return nil, nil
	}
	accountPrefix := "user:" + escapeLike(string(owner)) + ":%"

	query := `
		SELECT seq, journal_id, batch_id, event_ref,
		       debit_account, credit_account, token, amount, journal_type, timestamp
		FROM swapgate.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND seq < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY seq DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.Seq, &e.JournalID, &e.BatchID, &e.EventRef,
			&e.DebitAccount, &e.CreditAccount, &e.Token, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks that every token nets to zero on the live sheet
// and, when a database is configured, that the balance projection matches it.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	for token, total := range s.sheet.ComputeGlobalBalance() {
		if total != 0 {
			report.UnbalancedTokens = append(report.UnbalancedTokens, UnbalancedToken{
				Token:     token,
				Imbalance: total,
			})
		}
	}
	sort.Slice(report.UnbalancedTokens, func(i, j int) bool {
		return report.UnbalancedTokens[i].Token < report.UnbalancedTokens[j].Token
	})

	if err := ledger.NewInvariantValidator(s.sheet).ValidateUsersNonNegative(); err != nil {
		report.NegativeUsers = err.Error()
	}

	if s.db != nil {
		drift, err := s.projectionDrift(ctx)
		if err != nil {
			return nil, fmt.Errorf("projection drift: %w", err)
		}
		report.ProjectionDrift = drift
	}

	report.IsHealthy = len(report.UnbalancedTokens) == 0 && report.NegativeUsers == "" && len(report.ProjectionDrift) == 0
	return report, nil
}

func (s *Service) projectionDrift(ctx context.Context) ([]ProjectionDrift, error) {
	live := make(map[string]int64)
	for key, bal := range s.sheet.Snapshot() {
		if bal != 0 {
			live[key.AccountPath()] = bal
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_path, balance FROM swapgate.balances WHERE balance != 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drift []ProjectionDrift
	for rows.Next() {
		var path string
		var projected int64
		if err := rows.Scan(&path, &projected); err != nil {
			return nil, err
		}
		if live[path] != projected {
			drift = append(drift, ProjectionDrift{AccountPath: path, Live: live[path], Projected: projected})
		}
		delete(live, path)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for path, bal := range live {
		drift = append(drift, ProjectionDrift{AccountPath: path, Live: bal})
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].AccountPath < drift[j].AccountPath })
	return drift, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
