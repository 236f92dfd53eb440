package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// AccountID is an account identity on the exchange (depositor, referrer, token contract).
type AccountID string

// TokenID identifies a fungible token by its contract account.
type TokenID string

// VirtualAccountID is the sentinel owner of the per-call scratch account.
// It can never collide with a real account id.
const VirtualAccountID AccountID = "@"

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// System and external account names
const (
	SystemRetained  = "retained"
	SystemShareMint = "share_mint"
	SystemPools     = "pools"

	ExternalDeposits    = "deposits"
	ExternalWithdrawals = "withdrawals"
)

const shareTokenPrefix = "shares:"

// ShareToken returns the claim token minted by adding liquidity to a pool.
// Share claims live only on the exchange's own books.
func ShareToken(poolID uint64) TokenID {
	return TokenID(shareTokenPrefix + strconv.FormatUint(poolID, 10))
}

// ParseShareToken reports whether token is a pool share claim and for which pool.
func ParseShareToken(token TokenID) (uint64, bool) {
	s := string(token)
	if !strings.HasPrefix(s, shareTokenPrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(s, shareTokenPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// AccountKey is the key for persistent balance tracking
type AccountKey struct {
	Scope AccountScope
	Owner AccountID // account id for users, name for system/external accounts
	Token TokenID
}

// NewUserAccountKey creates a key for a depositor's balance
func NewUserAccountKey(owner AccountID, token TokenID) AccountKey {
	return AccountKey{
		Scope: AccountScopeUser,
		Owner: owner,
		Token: token,
	}
}

// NewSystemAccountKey creates a key for exchange-owned accounts
func NewSystemAccountKey(name string, token TokenID) AccountKey {
	return AccountKey{
		Scope: AccountScopeSystem,
		Owner: AccountID(name),
		Token: token,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(name string, token TokenID) AccountKey {
	return AccountKey{
		Scope: AccountScopeExternal,
		Owner: AccountID(name),
		Token: token,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner, k.Token)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.Owner, k.Token)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.Owner, k.Token)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 3)
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	var scope AccountScope
	switch parts[0] {
	case "user":
		scope = AccountScopeUser
	case "system":
		scope = AccountScopeSystem
	case "external":
		scope = AccountScopeExternal
	default:
		return AccountKey{}, fmt.Errorf("unknown account scope %q", parts[0])
	}
	return AccountKey{Scope: scope, Owner: AccountID(parts[1]), Token: TokenID(parts[2])}, nil
}
