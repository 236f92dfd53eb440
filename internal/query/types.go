package query

import (
	"SwapGate/internal/ledger"
	"time"
)

// BalancesResponse is a depositor's persistent balances.
type BalancesResponse struct {
	Owner    ledger.AccountID         `json:"owner"`
	Balances map[ledger.TokenID]int64 `json:"balances"`
	AsOf     time.Time                `json:"as_of"`
}

// RetainedResponse is the amount of a token held back from failed runs.
type RetainedResponse struct {
	Token  ledger.TokenID `json:"token"`
	Amount int64          `json:"amount"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	Seq           int64  `json:"seq"`
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Token         string `json:"token"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	UnbalancedTokens []UnbalancedToken `json:"unbalanced_tokens,omitempty"`
	NegativeUsers    string            `json:"negative_users,omitempty"`
	ProjectionDrift  []ProjectionDrift `json:"projection_drift,omitempty"`
}

// UnbalancedToken is a token whose balances do not sum to zero.
type UnbalancedToken struct {
	Token     ledger.TokenID `json:"token"`
	Imbalance int64          `json:"imbalance"`
}

// ProjectionDrift is an account whose projected balance differs from the
// live balance sheet.
type ProjectionDrift struct {
	AccountPath string `json:"account_path"`
	Live        int64  `json:"live"`
	Projected   int64  `json:"projected"`
}
