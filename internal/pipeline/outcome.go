package pipeline

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/risk"
	"SwapGate/internal/settlement"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal record of one pipeline run.
type Outcome struct {
	RunID          uuid.UUID                 `json:"run_id"`
	NotificationID string                    `json:"notification_id"`
	Source         Source                    `json:"source"`
	Depositor      ledger.AccountID          `json:"depositor"`
	Token          ledger.TokenID            `json:"token"`
	Amount         int64                     `json:"amount"`
	State          State                     `json:"state"`
	Trace          []State                   `json:"trace"`
	Debited        []ledger.TokenAmount      `json:"debited,omitempty"`
	Risk           *risk.CategoryRisk        `json:"risk,omitempty"`
	Result         string                    `json:"result,omitempty"`
	Drained        []ledger.TokenAmount      `json:"drained,omitempty"`
	Disbursements  []settlement.Disbursement `json:"disbursements,omitempty"`
	Retained       int64                     `json:"retained,omitempty"`
	Error          string                    `json:"error,omitempty"`
	ReceivedAt     time.Time                 `json:"received_at"`
	CompletedAt    time.Time                 `json:"completed_at"`

	// Err is the failure behind Error, for errors.Is checks in process.
	Err error `json:"-"`
}

// OutcomeSink receives every terminal outcome.
type OutcomeSink interface {
	Record(o Outcome)
}

// Promise delivers the single outcome of a pipeline run.
type Promise struct {
	ch   chan Outcome
	once sync.Once
}

// NewPromise returns an unresolved promise.
func NewPromise() *Promise {
	return &Promise{ch: make(chan Outcome, 1)}
}

// Resolve delivers o. Later calls are ignored.
func (p *Promise) Resolve(o Outcome) {
	p.once.Do(func() {
		p.ch <- o
		close(p.ch)
	})
}

// Done is closed after the outcome is delivered.
func (p *Promise) Done() <-chan Outcome { return p.ch }

// Wait blocks until the outcome arrives or ctx ends.
func (p *Promise) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o, ok := <-p.ch:
		if !ok {
			return Outcome{}, ErrPromiseConsumed
		}
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Receipt is the synchronous answer to a transfer notification.
type Receipt struct {
	RunID          uuid.UUID `json:"run_id"`
	NotificationID string    `json:"notification_id"`
	State          State     `json:"state"`
	// Unused is the amount handed back to the token contract. The exchange
	// always accepts the full deposit, so it is zero.
	Unused int64 `json:"unused"`

	// Payload is the continuation key of a suspended run.
	Payload []byte   `json:"-"`
	Promise *Promise `json:"-"`
}
