// Package pipeline runs the risk-gated swap pipeline: a deposit notification
// is checked for gas, suspended on a risk query and resumed by a continuation
// that executes the actions and settles the result.
package pipeline

import (
	"SwapGate/internal/action"
	"SwapGate/internal/gas"
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"SwapGate/internal/risk"
	"SwapGate/internal/settlement"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrContractPaused   = errors.New("contract paused")
	ErrNotOwner         = errors.New("caller is not the owner")
	ErrShuttingDown     = errors.New("pipeline shutting down")
	ErrInvalidDeposit   = errors.New("invalid deposit")
	ErrUnknownOperation = errors.New("unknown or already resumed operation")
	ErrPromiseConsumed  = errors.New("outcome already consumed")
	ErrInvalidOperation = errors.New("invalid operation")
)

// Config holds the orchestrator's static settings.
type Config struct {
	Owner    ledger.AccountID
	Schedule gas.Schedule
}

// Orchestrator drives pipeline runs. One mutex serializes every call that
// touches orchestrator state, the way a contract executes one call at a time.
// It is never held while a risk query is outstanding.
type Orchestrator struct {
	cfg     Config
	gate    *risk.Gate
	engine  *action.Engine
	router  *settlement.Router
	sinks   []OutcomeSink
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	paused   bool
	draining bool
	inflight map[uuid.UUID]*Promise

	wg  sync.WaitGroup
	now func() time.Time
}

func NewOrchestrator(
	cfg Config,
	gate *risk.Gate,
	engine *action.Engine,
	router *settlement.Router,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	sinks ...OutcomeSink,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		gate:     gate,
		engine:   engine,
		router:   router,
		sinks:    sinks,
		metrics:  metrics,
		logger:   logger,
		inflight: make(map[uuid.UUID]*Promise),
		now:      time.Now,
	}
}

// OnTransfer handles a token transfer notification.
//
// An empty message credits the sender's persistent balance and returns a
// receipt in state Deposited. Otherwise the message is parsed and the gas
// budget checked; any failure there rejects the call with nothing mutated.
// On success the risk query is issued and the receipt is in state
// RiskPending; its Promise delivers the outcome once the continuation ran.
func (o *Orchestrator) OnTransfer(ctx context.Context, n Notification) (Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused {
		o.reject("paused")
		return Receipt{}, ErrContractPaused
	}
	if n.Amount <= 0 {
		o.reject("invalid_deposit")
		return Receipt{}, fmt.Errorf("%w: amount %d", ErrInvalidDeposit, n.Amount)
	}
	if n.Token == "" || n.Sender == "" {
		o.reject("invalid_deposit")
		return Receipt{}, fmt.Errorf("%w: token and sender are required", ErrInvalidDeposit)
	}
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}

	if n.Msg == "" {
		return o.deposit(n)
	}
	if o.draining {
		o.reject("shutting_down")
		return Receipt{}, ErrShuttingDown
	}

	receivedAt := o.now()

	msg, err := ParseMessage(n.Msg)
	if err != nil {
		o.reject("wrong_message_format")
		return Receipt{}, err
	}

	meter := gas.NewMeter(n.PrepaidGas)
	if err := meter.Charge(o.cfg.Schedule.BaseCallGas); err != nil {
		o.reject("insufficient_gas")
		return Receipt{}, fmt.Errorf("%w: base call: %v", gas.ErrInsufficientGas, err)
	}
	if err := meter.Charge(o.cfg.Schedule.MessageByteGas * gas.Gas(len(n.Msg))); err != nil {
		o.reject("insufficient_gas")
		return Receipt{}, fmt.Errorf("%w: message: %v", gas.ErrInsufficientGas, err)
	}
	continuation, err := o.cfg.Schedule.Reserve(meter)
	if err != nil {
		o.reject("insufficient_gas")
		return Receipt{}, err
	}

	op := &PendingOperation{
		RunID:           uuid.New(),
		NotificationID:  n.NotificationID,
		Source:          SourceDeposit,
		Depositor:       n.Sender,
		Token:           n.Token,
		Amount:          n.Amount,
		ReferralID:      msg.ReferralID,
		Actions:         msg.Actions,
		ContinuationGas: continuation,
		ReceivedAt:      receivedAt,
	}
	payload, err := op.Encode()
	if err != nil {
		return Receipt{}, err
	}

	return o.suspend(ctx, op, payload, "instant_swap", meter), nil
}

// OperationRequest asks for one action to run on the caller's persistent
// balance once the caller passes the risk gate.
type OperationRequest struct {
	// OperationID identifies the request in outcomes; generated when empty.
	OperationID string
	Caller      ledger.AccountID
	Action      action.Action
	ReferralID  *ledger.AccountID
	PrepaidGas  gas.Gas
}

// ExecuteOperation is the balance-funded path. The request is validated and
// the gas budget checked with nothing mutated on failure; then the risk query
// is issued. On approval the continuation debits the action's inputs from the
// caller's balance, runs the action and credits everything left back. A
// rejected or failed query leaves the balance untouched.
func (o *Orchestrator) ExecuteOperation(ctx context.Context, req OperationRequest) (Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused {
		o.reject("paused")
		return Receipt{}, ErrContractPaused
	}
	if o.draining {
		o.reject("shutting_down")
		return Receipt{}, ErrShuttingDown
	}
	if req.Caller == "" || req.Action == nil {
		o.reject("invalid_operation")
		return Receipt{}, fmt.Errorf("%w: caller and action are required", ErrInvalidOperation)
	}
	if req.ReferralID != nil && *req.ReferralID == "" {
		o.reject("invalid_operation")
		return Receipt{}, fmt.Errorf("%w: empty referral_id", ErrInvalidOperation)
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}
	receivedAt := o.now()

	inputs, err := o.engine.Inputs(req.Action)
	if err != nil {
		o.reject("invalid_operation")
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	for _, in := range inputs {
		if err := o.router.Sheet().ValidateSufficient(req.Caller, in.Token, in.Amount); err != nil {
			o.reject("insufficient_balance")
			return Receipt{}, fmt.Errorf("%s: %w", in.Token, err)
		}
	}

	meter := gas.NewMeter(req.PrepaidGas)
	if err := meter.Charge(o.cfg.Schedule.BaseCallGas); err != nil {
		o.reject("insufficient_gas")
		return Receipt{}, fmt.Errorf("%w: base call: %v", gas.ErrInsufficientGas, err)
	}
	continuation, err := o.cfg.Schedule.Reserve(meter)
	if err != nil {
		o.reject("insufficient_gas")
		return Receipt{}, err
	}

	op := &PendingOperation{
		RunID:           uuid.New(),
		NotificationID:  req.OperationID,
		Source:          SourceBalance,
		Depositor:       req.Caller,
		Inputs:          inputs,
		ReferralID:      req.ReferralID,
		Actions:         action.List{req.Action},
		ContinuationGas: continuation,
		ReceivedAt:      receivedAt,
	}
	payload, err := op.Encode()
	if err != nil {
		return Receipt{}, err
	}
	return o.suspend(ctx, op, payload, "operation", meter), nil
}

// suspend registers the run and issues its risk query. Caller holds o.mu.
func (o *Orchestrator) suspend(ctx context.Context, op *PendingOperation, payload []byte, call string, meter *gas.Meter) Receipt {
	promise := NewPromise()
	o.inflight[op.RunID] = promise
	o.wg.Add(1)
	go o.awaitRisk(context.WithoutCancel(ctx), payload, op.Depositor)

	if o.metrics != nil {
		o.metrics.PipelineCalls.WithLabelValues(call).Inc()
		o.metrics.PendingOperations.Inc()
		o.metrics.GasUsed.Observe(float64(meter.Used()))
		o.metrics.ContinuationGas.Observe(float64(op.ContinuationGas))
	}
	o.logger.Debug().
		Str("run_id", op.RunID.String()).
		Str("source", string(op.Source)).
		Str("depositor", string(op.Depositor)).
		Str("token", string(op.Token)).
		Int64("amount", op.Amount).
		Int("actions", len(op.Actions)).
		Uint64("continuation_gas", uint64(op.ContinuationGas)).
		Msg("risk query issued")

	return Receipt{
		RunID:          op.RunID,
		NotificationID: op.NotificationID,
		State:          StateRiskPending,
		Payload:        payload,
		Promise:        promise,
	}
}

// deposit is the plain deposit path. Caller holds o.mu.
func (o *Orchestrator) deposit(n Notification) (Receipt, error) {
	runID := uuid.New()
	receivedAt := o.now()

	if err := o.router.CreditDeposit(n.NotificationID, n.Sender, n.Token, n.Amount); err != nil {
		o.reject("deposit_failed")
		return Receipt{}, fmt.Errorf("credit deposit: %w", err)
	}

	outcome := Outcome{
		RunID:          runID,
		NotificationID: n.NotificationID,
		Source:         SourceDeposit,
		Depositor:      n.Sender,
		Token:          n.Token,
		Amount:         n.Amount,
		State:          StateDeposited,
		Trace:          []State{StateReceived, StateDeposited},
		ReceivedAt:     receivedAt,
		CompletedAt:    o.now(),
	}
	if o.metrics != nil {
		o.metrics.PipelineCalls.WithLabelValues("deposit").Inc()
	}
	o.finish(outcome)

	promise := NewPromise()
	promise.Resolve(outcome)
	return Receipt{
		RunID:          runID,
		NotificationID: n.NotificationID,
		State:          StateDeposited,
		Promise:        promise,
	}, nil
}

// awaitRisk is the suspended half of a run: it waits for the risk query
// without holding any lock, then fires the continuation exactly once.
func (o *Orchestrator) awaitRisk(ctx context.Context, payload []byte, depositor ledger.AccountID) {
	defer o.wg.Done()

	cr, err := o.gate.Query(ctx, depositor)
	if _, rerr := o.Resume(ctx, payload, cr, err); rerr != nil {
		o.logger.Error().Err(rerr).Str("depositor", string(depositor)).Msg("continuation failed")
	}
}

// Resume is the continuation of a run, keyed only by its payload. queryErr is
// the risk query's failure, if any. Each payload resumes at most once.
//
// Ledger and pool changes happen under the orchestrator lock; outbound
// transfers of a settled run are made after it is released.
func (o *Orchestrator) Resume(ctx context.Context, payload []byte, cr risk.CategoryRisk, queryErr error) (Outcome, error) {
	op, err := DecodePending(payload)
	if err != nil {
		return Outcome{}, err
	}

	o.mu.Lock()
	promise, ok := o.inflight[op.RunID]
	if !ok {
		o.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOperation, op.RunID)
	}
	delete(o.inflight, op.RunID)
	if o.metrics != nil {
		o.metrics.PendingOperations.Dec()
	}

	outcome := Outcome{
		RunID:          op.RunID,
		NotificationID: op.NotificationID,
		Source:         op.Source,
		Depositor:      op.Depositor,
		Token:          op.Token,
		Amount:         op.Amount,
		Trace:          []State{StateReceived, StateGasChecked, StateRiskPending},
		ReceivedAt:     op.ReceivedAt,
	}
	settle := o.continueRun(op, cr, queryErr, &outcome)
	o.mu.Unlock()

	if settle {
		o.settle(ctx, op, &outcome)
	}

	outcome.CompletedAt = o.now()
	o.finish(outcome)
	promise.Resolve(outcome)
	return outcome, nil
}

// continueRun applies the risk decision and the actions. It reports whether
// the drained balances still need settling. Caller holds o.mu.
func (o *Orchestrator) continueRun(op *PendingOperation, cr risk.CategoryRisk, queryErr error, out *Outcome) bool {
	ref := op.RunID.String()

	if queryErr != nil {
		if !errors.Is(queryErr, risk.ErrRiskQueryFailed) {
			queryErr = fmt.Errorf("%w: %v", risk.ErrRiskQueryFailed, queryErr)
		}
		o.fail(out, StateFailed, queryErr)
		o.retain(ref, op, settlement.ReasonRiskQueryFailed, out)
		return false
	}

	out.Risk = &cr
	if err := o.gate.AssertAcceptable(cr); err != nil {
		o.fail(out, StateRiskRejected, err)
		o.retain(ref, op, settlement.ReasonRiskRejected, out)
		return false
	}
	out.Trace = append(out.Trace, StateRiskApproved, StateExecuting)
	out.State = StateExecuting

	account := ledger.NewVirtualAccount()
	initial, err := o.fund(ref, op, account, out)
	if err != nil {
		o.fail(out, StateFailed, err)
		o.retain(ref, op, settlement.ReasonActionFailed, out)
		return false
	}

	meter := gas.NewMeter(op.ContinuationGas)
	result, err := o.engine.Execute(account, meter, op.ReferralID, op.Actions, initial)
	if err != nil {
		o.fail(out, StateFailed, err)
		if op.Source == SourceBalance {
			// The caller's own funds: whatever the account holds goes back.
			out.Drained = account.Drain()
			return true
		}
		o.retain(ref, op, settlement.ReasonActionFailed, out)
		return false
	}

	out.Result = result.String()
	out.Drained = account.Drain()
	return true
}

// fund loads the virtual account from the deposit or the caller's balance.
func (o *Orchestrator) fund(ref string, op *PendingOperation, account *ledger.VirtualAccount, out *Outcome) (action.Result, error) {
	if op.Source != SourceBalance {
		if err := account.Deposit(op.Token, op.Amount); err != nil {
			return action.Result{}, err
		}
		return action.AmountResult(op.Amount), nil
	}

	if err := o.router.DebitForOperation(ref, op.Depositor, op.Inputs); err != nil {
		return action.Result{}, fmt.Errorf("debit caller: %w", err)
	}
	out.Debited = op.Inputs
	inputs := make(map[ledger.TokenID]int64, len(op.Inputs))
	for _, in := range op.Inputs {
		if err := account.Deposit(in.Token, in.Amount); err != nil {
			return action.Result{}, err
		}
		inputs[in.Token] = in.Amount
	}
	return action.BalancesResult(inputs), nil
}

// settle hands drained balances out: transfers to the depositor for a
// deposit-funded run, credits to the caller's balance for a balance-funded one.
func (o *Orchestrator) settle(ctx context.Context, op *PendingOperation, out *Outcome) {
	ref := op.RunID.String()
	if op.Source == SourceBalance {
		out.Disbursements = o.router.CreditBack(ref, op.Depositor, out.Drained)
	} else {
		out.Disbursements = o.router.Disburse(ctx, ref, op.Depositor, out.Drained)
	}
	if out.State == StateExecuting {
		out.State = StateSettled
		out.Trace = append(out.Trace, StateSettled)
	}
}

func (o *Orchestrator) fail(out *Outcome, state State, err error) {
	out.State = state
	out.Trace = append(out.Trace, state)
	out.Err = err
	out.Error = err.Error()
}

// retain keeps the whole deposit. Nothing is refunded on the swap path.
// A balance-funded run has no deposit to keep.
func (o *Orchestrator) retain(ref string, op *PendingOperation, reason string, out *Outcome) {
	if op.Source == SourceBalance {
		return
	}
	if err := o.router.Retain(ref, op.Token, op.Amount, reason); err != nil {
		o.logger.Error().Err(err).Str("run_id", ref).Msg("record retention failed")
		return
	}
	out.Retained = op.Amount
}

func (o *Orchestrator) finish(out Outcome) {
	if o.metrics != nil {
		o.metrics.PipelineOutcomes.WithLabelValues(out.State.String()).Inc()
		o.metrics.PipelineDuration.WithLabelValues(out.State.String()).
			Observe(out.CompletedAt.Sub(out.ReceivedAt).Seconds())
	}

	evt := o.logger.Info()
	if out.Err != nil {
		evt = o.logger.Warn().Err(out.Err)
	}
	evt.Str("run_id", out.RunID.String()).
		Str("notification_id", out.NotificationID).
		Str("depositor", string(out.Depositor)).
		Str("state", out.State.String()).
		Int64("amount", out.Amount).
		Int64("retained", out.Retained).
		Msg("pipeline finished")

	for _, s := range o.sinks {
		s.Record(out)
	}
}

func (o *Orchestrator) reject(reason string) {
	if o.metrics != nil {
		o.metrics.PipelineRejected.WithLabelValues(reason).Inc()
	}
}

// Pause stops accepting notifications. Runs already suspended still complete.
func (o *Orchestrator) Pause(caller ledger.AccountID) error {
	return o.setPaused(caller, true)
}

// Unpause resumes accepting notifications.
func (o *Orchestrator) Unpause(caller ledger.AccountID) error {
	return o.setPaused(caller, false)
}

func (o *Orchestrator) setPaused(caller ledger.AccountID, paused bool) error {
	if caller != o.cfg.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = paused
	o.logger.Info().Bool("paused", paused).Str("caller", string(caller)).Msg("contract state changed")
	return nil
}

// Paused reports whether the contract is paused.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Pending returns the number of runs waiting on a risk query.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Drain refuses new swap runs and waits for suspended ones to finish.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain: %d runs still pending: %w", o.Pending(), ctx.Err())
	}
}
