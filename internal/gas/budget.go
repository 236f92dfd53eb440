// Package gas models the compute budget attached to a call.
//
// A call carries a prepaid allowance. Work already done in the call is charged
// to a Meter, and before the asynchronous risk query is issued the remaining
// allowance must cover the query, the scheduling of its continuation and a
// floor for executing the actions. Nothing is reclaimed across the suspension.
package gas

import (
	"errors"
	"fmt"
)

// Gas is a compute allowance in NEAR gas units.
type Gas uint64

const (
	Ggas Gas = 1_000_000_000
	Tgas Gas = 1_000 * Ggas
)

var (
	// ErrInsufficientGas rejects a call up front, before any asynchronous work.
	ErrInsufficientGas = errors.New("ERR_NOT_ENOUGH_GAS")

	// ErrGasExhausted is returned when a meter is charged past its allowance.
	ErrGasExhausted = errors.New("gas exhausted")
)

// Schedule holds the statically known costs of the pipeline stages.
type Schedule struct {
	AMLCheckGas          Gas // allotted to the external risk query
	PromiseSchedulingGas Gas // scheduling the query and its continuation
	MinExecutionGas      Gas // floor left for the continuation
	BaseCallGas          Gas // fixed cost of accepting a notification
	MessageByteGas       Gas // per byte of action message parsed
	ActionGas            Gas // per swap hop or liquidity action
}

// DefaultSchedule returns the stock cost table.
func DefaultSchedule() Schedule {
	return Schedule{
		AMLCheckGas:          10 * Tgas,
		PromiseSchedulingGas: 5 * Tgas,
		MinExecutionGas:      50 * Tgas,
		BaseCallGas:          2 * Tgas,
		MessageByteGas:       2 * Ggas,
		ActionGas:            5 * Tgas,
	}
}

// AssertSufficient fails with ErrInsufficientGas unless
// prepaid - alreadyConsumed >= queryCost + schedulingCost + floor.
func AssertSufficient(prepaid, alreadyConsumed, queryCost, schedulingCost, floor Gas) error {
	need, ok := sum(queryCost, schedulingCost, floor)
	if !ok || alreadyConsumed > prepaid || prepaid-alreadyConsumed < need {
		return fmt.Errorf("%w: prepaid=%d used=%d required=%d",
			ErrInsufficientGas, prepaid, alreadyConsumed, alreadyConsumed+need)
	}
	return nil
}

func sum(values ...Gas) (Gas, bool) {
	var total Gas
	for _, v := range values {
		if total+v < total {
			return 0, false
		}
		total += v
	}
	return total, true
}

// Meter tracks gas used against a prepaid allowance within one call.
// Not thread-safe; a meter belongs to a single call.
type Meter struct {
	prepaid Gas
	used    Gas
}

func NewMeter(prepaid Gas) *Meter {
	return &Meter{prepaid: prepaid}
}

// Charge records g as used, failing without recording if the allowance would be exceeded.
func (m *Meter) Charge(g Gas) error {
	if g > m.prepaid-m.used {
		return fmt.Errorf("%w: charge=%d remaining=%d", ErrGasExhausted, g, m.prepaid-m.used)
	}
	m.used += g
	return nil
}

func (m *Meter) Prepaid() Gas { return m.prepaid }

func (m *Meter) Used() Gas { return m.used }

func (m *Meter) Remaining() Gas { return m.prepaid - m.used }

// Reserve checks the meter can still afford the asynchronous stages and returns
// the allowance handed to the continuation: prepaid - (used + query + scheduling).
// The query allowance itself is returned separately so the caller can bound the call.
func (s Schedule) Reserve(m *Meter) (continuation Gas, err error) {
	if err := AssertSufficient(m.prepaid, m.used, s.AMLCheckGas, s.PromiseSchedulingGas, s.MinExecutionGas); err != nil {
		return 0, err
	}
	return m.prepaid - m.used - s.AMLCheckGas - s.PromiseSchedulingGas, nil
}
