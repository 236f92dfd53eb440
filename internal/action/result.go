package action

import (
	"SwapGate/internal/ledger"
	"fmt"
)

// Result is the value threaded from one action to the next: either the amount
// of the token currently in flight, or a set of balances after a multi-output action.
type Result struct {
	balances map[ledger.TokenID]int64 // nil for an amount result
	amount   int64
}

// AmountResult wraps a single in-flight amount
func AmountResult(n int64) Result {
	return Result{amount: n}
}

// BalancesResult wraps the outputs of a multi-output action
func BalancesResult(balances map[ledger.TokenID]int64) Result {
	cp := make(map[ledger.TokenID]int64, len(balances))
	for k, v := range balances {
		cp[k] = v
	}
	return Result{balances: cp}
}

func (r Result) IsAmount() bool { return r.balances == nil }

// Amount returns the in-flight amount, false for a balances result.
func (r Result) Amount() (int64, bool) {
	if r.balances != nil {
		return 0, false
	}
	return r.amount, true
}

// Balances returns a copy of the balances, false for an amount result.
func (r Result) Balances() (map[ledger.TokenID]int64, bool) {
	if r.balances == nil {
		return nil, false
	}
	cp := make(map[ledger.TokenID]int64, len(r.balances))
	for k, v := range r.balances {
		cp[k] = v
	}
	return cp, true
}

// amountOf resolves how much of token the result carries into the next action.
func (r Result) amountOf(token ledger.TokenID) (int64, error) {
	if r.balances == nil {
		return r.amount, nil
	}
	n, ok := r.balances[token]
	if !ok {
		return 0, fmt.Errorf("previous result carries no %s", token)
	}
	return n, nil
}

func (r Result) String() string {
	if r.balances == nil {
		return fmt.Sprintf("Amount(%d)", r.amount)
	}
	return fmt.Sprintf("Balances(%v)", r.balances)
}
