// Package settlement owns every write to the persistent balance sheet and
// every outbound token transfer.
package settlement

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrTransferFailed is returned (or recorded) when an outbound transfer did not land.
var ErrTransferFailed = errors.New("transfer failed")

// Transferer sends tokens held by the exchange to an account.
type Transferer interface {
	Transfer(ctx context.Context, token ledger.TokenID, receiver ledger.AccountID, amount int64) error
}

// JournalSink receives every batch applied to the balance sheet, in order.
type JournalSink interface {
	Append(batch *ledger.Batch)
}

// Sinks fans a batch out to several sinks in order.
type Sinks []JournalSink

func (s Sinks) Append(batch *ledger.Batch) {
	for _, sink := range s {
		sink.Append(batch)
	}
}

// Retention reasons recorded with retained deposits.
const (
	ReasonRiskRejected    = "risk_rejected"
	ReasonRiskQueryFailed = "risk_query_failed"
	ReasonActionFailed    = "action_failed"
	ReasonTransferFailed  = "transfer_failed"
)

// Disbursement is the fate of one drained balance.
type Disbursement struct {
	Token  ledger.TokenID `json:"token"`
	Amount int64          `json:"amount"`
	// Credited is true for share claims booked to the persistent balance.
	Credited bool   `json:"credited,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Withdrawal describes one outbound transfer from a persistent balance.
type Withdrawal struct {
	ID       uuid.UUID        `json:"id"`
	Owner    ledger.AccountID `json:"owner"`
	Token    ledger.TokenID   `json:"token"`
	Amount   int64            `json:"amount"`
	Refunded bool             `json:"refunded"`
}

// Router routes balances out of the exchange and records the movements.
type Router struct {
	transferer Transferer
	sheet      *ledger.BalanceSheet
	journals   *ledger.JournalGenerator
	sink       JournalSink
	metrics    *observability.Metrics
	logger     zerolog.Logger

	// postMu orders balance sheet writes with their sink appends.
	postMu sync.Mutex
	posted int64 // journals applied to the sheet

	refundMu sync.Mutex
	refunded map[uuid.UUID]struct{}

	now func() time.Time
}

func NewRouter(
	transferer Transferer,
	sheet *ledger.BalanceSheet,
	sink JournalSink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Router {
	return &Router{
		transferer: transferer,
		sheet:      sheet,
		journals:   ledger.NewJournalGenerator(sheet),
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		refunded:   make(map[uuid.UUID]struct{}),
		now:        time.Now,
	}
}

// Sheet exposes the balance sheet for read-only queries.
func (r *Router) Sheet() *ledger.BalanceSheet { return r.sheet }

func (r *Router) post(batch *ledger.Batch) error {
	r.postMu.Lock()
	defer r.postMu.Unlock()

	if err := r.sheet.ApplyBatch(batch); err != nil {
		return err
	}
	r.posted += int64(len(batch.Journals))
	if r.sink != nil {
		r.sink.Append(batch)
	}
	return nil
}

// SnapshotState returns the balance sheet and the number of journals it
// reflects, taken atomically with respect to new postings.
func (r *Router) SnapshotState() (map[ledger.AccountKey]int64, int64) {
	r.postMu.Lock()
	defer r.postMu.Unlock()
	return r.sheet.Snapshot(), r.posted
}

// Restore replaces the balance sheet with a snapshot.
func (r *Router) Restore(balances map[ledger.AccountKey]int64, journalCount int64) {
	r.postMu.Lock()
	defer r.postMu.Unlock()
	r.sheet.Restore(balances)
	r.posted = journalCount
}

// Replay applies a persisted batch during recovery without re-emitting it.
func (r *Router) Replay(batch *ledger.Batch) error {
	r.postMu.Lock()
	defer r.postMu.Unlock()
	if err := r.sheet.ApplyBatch(batch); err != nil {
		return err
	}
	r.posted += int64(len(batch.Journals))
	return nil
}

// CreditDeposit books a plain deposit to the sender's persistent balance.
func (r *Router) CreditDeposit(ref string, owner ledger.AccountID, token ledger.TokenID, amount int64) error {
	batch, err := r.journals.GenerateDeposit(ref, owner, token, amount, r.now())
	if err != nil {
		return err
	}
	return r.post(batch)
}

// Retain records a deposit the exchange keeps. Retained funds are not
// credited to anyone and are not returned automatically.
func (r *Router) Retain(ref string, token ledger.TokenID, amount int64, reason string) error {
	if amount == 0 {
		return nil
	}
	batch, err := r.journals.GenerateRetention(ref, token, amount, r.now())
	if err != nil {
		return err
	}
	if err := r.post(batch); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RetainedDeposits.WithLabelValues(reason).Inc()
	}
	r.logger.Info().
		Str("ref", ref).
		Str("token", string(token)).
		Int64("amount", amount).
		Str("reason", reason).
		Msg("deposit retained")
	return nil
}

// Disburse sends drained balances to the depositor. Every pair is handled on
// its own: share claims are credited to the persistent balance, other tokens
// are transferred. A failed transfer is logged and recorded as retained; it is
// not retried and nothing is refunded.
func (r *Router) Disburse(ctx context.Context, ref string, depositor ledger.AccountID, balances []ledger.TokenAmount) []Disbursement {
	out := make([]Disbursement, 0, len(balances))

	for _, b := range balances {
		if b.Amount <= 0 {
			continue
		}
		d := Disbursement{Token: b.Token, Amount: b.Amount}

		if _, ok := ledger.ParseShareToken(b.Token); ok {
			if err := r.creditShares(ref, depositor, b.Token, b.Amount); err != nil {
				d.Error = err.Error()
				r.logger.Error().Err(err).Str("ref", ref).Str("token", string(b.Token)).Msg("share credit failed")
			} else {
				d.Credited = true
			}
			out = append(out, d)
			continue
		}

		if err := r.transferer.Transfer(ctx, b.Token, depositor, b.Amount); err != nil {
			err = fmt.Errorf("%w: %s %d to %s: %v", ErrTransferFailed, b.Token, b.Amount, depositor, err)
			d.Error = err.Error()
			r.countTransfer("disburse", "failed")
			r.logger.Warn().Err(err).Str("ref", ref).Msg("disbursement failed, funds stay with the exchange")
			if rerr := r.Retain(ref, b.Token, b.Amount, ReasonTransferFailed); rerr != nil {
				r.logger.Error().Err(rerr).Str("ref", ref).Msg("record retention failed")
			}
		} else {
			r.countTransfer("disburse", "ok")
		}
		out = append(out, d)
	}

	return out
}

// DebitForOperation moves a caller's persistent balances into an operation
// run. Nothing is debited unless every input is covered.
func (r *Router) DebitForOperation(ref string, owner ledger.AccountID, inputs []ledger.TokenAmount) error {
	batch, err := r.journals.GenerateOperationDebit(ref, owner, inputs, r.now())
	if err != nil {
		return err
	}
	return r.post(batch)
}

// CreditBack books the balances an operation run left behind to the caller's
// persistent balance. Share claims come from the share mint, other tokens
// from the pools account the inputs were debited into.
func (r *Router) CreditBack(ref string, owner ledger.AccountID, balances []ledger.TokenAmount) []Disbursement {
	out := make([]Disbursement, 0, len(balances))

	for _, b := range balances {
		if b.Amount <= 0 {
			continue
		}
		d := Disbursement{Token: b.Token, Amount: b.Amount}

		var err error
		if _, ok := ledger.ParseShareToken(b.Token); ok {
			err = r.creditShares(ref, owner, b.Token, b.Amount)
		} else {
			var batch *ledger.Batch
			batch, err = r.journals.GenerateOperationCredit(ref, owner, b.Token, b.Amount, r.now())
			if err == nil {
				err = r.post(batch)
			}
		}
		if err != nil {
			d.Error = err.Error()
			r.logger.Error().Err(err).Str("ref", ref).Str("token", string(b.Token)).Msg("operation credit failed")
		} else {
			d.Credited = true
		}
		out = append(out, d)
	}

	return out
}

func (r *Router) creditShares(ref string, owner ledger.AccountID, token ledger.TokenID, amount int64) error {
	batch, err := r.journals.GenerateShareCredit(ref, owner, token, amount, r.now())
	if err != nil {
		return err
	}
	return r.post(batch)
}

// Withdraw debits a persistent balance and transfers it out. When the
// transfer fails the debit is reversed by RefundOnFailedTransfer and the
// returned error wraps ErrTransferFailed.
func (r *Router) Withdraw(ctx context.Context, owner ledger.AccountID, token ledger.TokenID, amount int64) (Withdrawal, error) {
	w := Withdrawal{ID: uuid.New(), Owner: owner, Token: token, Amount: amount}
	ref := w.ID.String()

	batch, err := r.journals.GenerateWithdrawal(ref, owner, token, amount, r.now())
	if err != nil {
		return w, err
	}
	if err := r.post(batch); err != nil {
		return w, err
	}

	if err := r.transferer.Transfer(ctx, token, owner, amount); err != nil {
		r.countTransfer("withdraw", "failed")
		terr := fmt.Errorf("%w: %s %d to %s: %v", ErrTransferFailed, token, amount, owner, err)
		refunded, rerr := r.RefundOnFailedTransfer(w.ID, owner, token, amount)
		if rerr != nil {
			r.logger.Error().Err(rerr).Str("withdrawal_id", ref).Msg("refund failed")
			return w, errors.Join(terr, rerr)
		}
		w.Refunded = refunded
		return w, terr
	}

	r.countTransfer("withdraw", "ok")
	return w, nil
}

// RefundOnFailedTransfer re-credits a withdrawal whose transfer failed.
// It acts at most once per withdrawal id and reports whether it did.
func (r *Router) RefundOnFailedTransfer(id uuid.UUID, owner ledger.AccountID, token ledger.TokenID, amount int64) (bool, error) {
	r.refundMu.Lock()
	defer r.refundMu.Unlock()

	if _, done := r.refunded[id]; done {
		return false, nil
	}

	batch, err := r.journals.GenerateWithdrawalRefund(id.String(), owner, token, amount, r.now())
	if err != nil {
		return false, err
	}
	if err := r.post(batch); err != nil {
		return false, err
	}
	r.refunded[id] = struct{}{}

	if r.metrics != nil {
		r.metrics.Refunds.Inc()
	}
	r.logger.Info().
		Str("withdrawal_id", id.String()).
		Str("owner", string(owner)).
		Str("token", string(token)).
		Int64("amount", amount).
		Msg("refunded failed withdrawal")
	return true, nil
}

func (r *Router) countTransfer(path, result string) {
	if r.metrics != nil {
		r.metrics.Transfers.WithLabelValues(path, result).Inc()
	}
}
