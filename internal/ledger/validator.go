package ledger

import "fmt"

// InvariantValidator checks balance sheet invariants
type InvariantValidator struct {
	sheet *BalanceSheet
}

func NewInvariantValidator(sheet *BalanceSheet) *InvariantValidator {
	return &InvariantValidator{
		sheet: sheet,
	}
}

// ValidateGlobalBalance verifies every token sums to zero across all accounts
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for token, total := range v.sheet.ComputeGlobalBalance() {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", token, total)
		}
	}
	return nil
}

// ValidateUsersNonNegative verifies no user balance is negative
func (v *InvariantValidator) ValidateUsersNonNegative() error {
	for key, balance := range v.sheet.Snapshot() {
		if key.Scope == AccountScopeUser && balance < 0 {
			return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
		}
	}
	return nil
}
