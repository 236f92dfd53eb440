package ledger

import (
	fpmath "SwapGate/internal/math"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInsufficientBalance is returned when a virtual account withdrawal would go negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAmountOverflow is returned when an amount or balance would exceed the int64 range.
	ErrAmountOverflow = errors.New("amount exceeds int64 range")
)

// TokenAmount is a (token, amount) pair.
type TokenAmount struct {
	Token  TokenID `json:"token"`
	Amount int64   `json:"amount"`
}

// VirtualAccount is the scratch balance sheet of a single pipeline run.
// It is never persisted and not safe for concurrent use.
type VirtualAccount struct {
	id     AccountID
	tokens map[TokenID]int64
}

// NewVirtualAccount creates an empty account owned by VirtualAccountID.
func NewVirtualAccount() *VirtualAccount {
	return &VirtualAccount{
		id:     VirtualAccountID,
		tokens: make(map[TokenID]int64),
	}
}

// ID returns the sentinel identity of the account.
func (va *VirtualAccount) ID() AccountID {
	return va.id
}

// Deposit increments the balance of token.
func (va *VirtualAccount) Deposit(token TokenID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("deposit %s: negative amount %d", token, amount)
	}
	sum, err := fpmath.Add(va.tokens[token], amount)
	if err != nil {
		return fmt.Errorf("deposit %s: %w: have=%d, add=%d", token, ErrAmountOverflow, va.tokens[token], amount)
	}
	va.tokens[token] = sum
	return nil
}

// Withdraw decrements the balance of token.
func (va *VirtualAccount) Withdraw(token TokenID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("withdraw %s: negative amount %d", token, amount)
	}
	have := va.tokens[token]
	if have < amount {
		return fmt.Errorf("withdraw %s: have=%d, need=%d: %w", token, have, amount, ErrInsufficientBalance)
	}
	va.tokens[token] = have - amount
	return nil
}

// Balance returns the current balance of token.
func (va *VirtualAccount) Balance(token TokenID) int64 {
	return va.tokens[token]
}

// Drain returns all non-zero balances sorted by token and clears the account.
func (va *VirtualAccount) Drain() []TokenAmount {
	out := make([]TokenAmount, 0, len(va.tokens))
	for token, amount := range va.tokens {
		if amount > 0 {
			out = append(out, TokenAmount{Token: token, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Token < out[j].Token
	})
	clear(va.tokens)
	return out
}
