package ledger

import (
	fpmath "SwapGate/internal/math"
	"fmt"
	"sync"
)

// BalanceSheet holds the exchange's persistent balances.
// The swap pipeline only touches it at settlement; the plain deposit and
// withdrawal paths write it directly.
type BalanceSheet struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceSheet() *BalanceSheet {
	return &BalanceSheet{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch validates and applies all journals in a batch.
// User balances may never go negative; the batch is rejected as a whole if
// any entry would overdraw one.
func (bs *BalanceSheet) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	pending := make(map[AccountKey]int64)
	for _, j := range batch.Journals {
		debit, err := fpmath.Add(pending[j.DebitAccount], j.Amount)
		if err != nil {
			return fmt.Errorf("account %s: %w", j.DebitAccount.AccountPath(), ErrAmountOverflow)
		}
		pending[j.DebitAccount] = debit
		credit, err := fpmath.Add(pending[j.CreditAccount], -j.Amount)
		if err != nil {
			return fmt.Errorf("account %s: %w", j.CreditAccount.AccountPath(), ErrAmountOverflow)
		}
		pending[j.CreditAccount] = credit
	}

	next := make(map[AccountKey]int64, len(pending))
	for key, delta := range pending {
		balance, err := fpmath.Add(bs.balances[key], delta)
		if err != nil {
			return fmt.Errorf("account %s: %w: have=%d, delta=%d",
				key.AccountPath(), ErrAmountOverflow, bs.balances[key], delta)
		}
		if key.Scope == AccountScopeUser && balance < 0 {
			return fmt.Errorf("account %s would go negative: have=%d, delta=%d",
				key.AccountPath(), bs.balances[key], delta)
		}
		next[key] = balance
	}

	for key, balance := range next {
		bs.balances[key] = balance
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bs *BalanceSheet) GetBalance(key AccountKey) int64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.balances[key]
}

// GetUserBalance returns a depositor's balance of token
func (bs *BalanceSheet) GetUserBalance(owner AccountID, token TokenID) int64 {
	return bs.GetBalance(NewUserAccountKey(owner, token))
}

// GetUserBalances returns every non-zero balance of a depositor
func (bs *BalanceSheet) GetUserBalances(owner AccountID) map[TokenID]int64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	out := make(map[TokenID]int64)
	for key, balance := range bs.balances {
		if key.Scope == AccountScopeUser && key.Owner == owner && balance != 0 {
			out[key.Token] = balance
		}
	}
	return out
}

// GetRetained returns the amount of token held back by failed or rejected pipelines
func (bs *BalanceSheet) GetRetained(token TokenID) int64 {
	return bs.GetBalance(NewSystemAccountKey(SystemRetained, token))
}

// ValidateSufficient checks that a user can be debited amount
func (bs *BalanceSheet) ValidateSufficient(owner AccountID, token TokenID, amount int64) error {
	have := bs.GetUserBalance(owner, token)
	if have < amount {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientBalance, have, amount)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per token (zero for a balanced ledger)
func (bs *BalanceSheet) ComputeGlobalBalance() map[TokenID]int64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	totals := make(map[TokenID]int64)
	for key, balance := range bs.balances {
		totals[key.Token] += balance
	}
	return totals
}

// Snapshot returns a copy of all balances
func (bs *BalanceSheet) Snapshot() map[AccountKey]int64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	snapshot := make(map[AccountKey]int64, len(bs.balances))
	for k, v := range bs.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances, used on startup from a snapshot
func (bs *BalanceSheet) Restore(balances map[AccountKey]int64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bs.balances[k] = v
	}
}
