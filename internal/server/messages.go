package server

import (
	"SwapGate/internal/action"
	"SwapGate/internal/pipeline"
	"SwapGate/internal/query"
	"encoding/json"
)

type OnTransferRequest struct {
	NotificationID string          `json:"notification_id,omitempty"`
	TokenID        string          `json:"token_id"`
	SenderID       string          `json:"sender_id"`
	Amount         action.Amount   `json:"amount"`
	Msg            string          `json:"msg"`
	PrepaidGas     json.RawMessage `json:"prepaid_gas"`
	// Wait blocks until a suspended run reaches its outcome.
	Wait bool `json:"wait,omitempty"`
}

type OnTransferResponse struct {
	RunID          string            `json:"run_id"`
	NotificationID string            `json:"notification_id"`
	State          string            `json:"state"`
	Unused         action.Amount     `json:"unused"`
	Outcome        *pipeline.Outcome `json:"outcome,omitempty"`
}

// ExecuteOperationRequest runs one action on the caller's persistent balance.
type ExecuteOperationRequest struct {
	OperationID string `json:"operation_id,omitempty"`
	// Operation is one externally tagged action, {"Swap":{...}}.
	Operation  json.RawMessage `json:"operation"`
	PrepaidGas json.RawMessage `json:"prepaid_gas"`
	Wait       bool            `json:"wait,omitempty"`
}

type ExecuteOperationResponse struct {
	RunID       string            `json:"run_id"`
	OperationID string            `json:"operation_id"`
	State       string            `json:"state"`
	Outcome     *pipeline.Outcome `json:"outcome,omitempty"`
}

// WithdrawRequest withdraws from the caller's balance. Owner may be left
// empty; when set it must be the caller.
type WithdrawRequest struct {
	Owner  string        `json:"owner,omitempty"`
	Token  string        `json:"token"`
	Amount action.Amount `json:"amount"`
}

type WithdrawResponse struct {
	WithdrawalID string        `json:"withdrawal_id"`
	Amount       action.Amount `json:"amount"`
}

type GetBalanceRequest struct {
	Owner string `json:"owner"`
	Token string `json:"token,omitempty"`
}

type GetRetainedRequest struct {
	Token string `json:"token"`
}

type GetOutcomeRequest struct {
	RunID string `json:"run_id"`
}

type ListOutcomesRequest struct {
	Depositor string `json:"depositor"`
	PageSize  int    `json:"page_size,omitempty"`
	// Before is the RFC 3339 completed_at cursor from the previous page.
	Before string `json:"before,omitempty"`
}

type ListOutcomesResponse struct {
	Outcomes   []pipeline.Outcome `json:"outcomes"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type ListJournalsRequest struct {
	Owner     string `json:"owner"`
	PageSize  int    `json:"page_size,omitempty"`
	BeforeSeq int64  `json:"before_seq,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// PauseRequest carries nothing: the caller is the authenticated account.
type PauseRequest struct{}

type PauseResponse struct {
	Paused bool `json:"paused"`
}

type RegisterRiskAddressRequest struct {
	Address  string `json:"address"`
	Category string `json:"category"`
	Risk     uint8  `json:"risk"`
}

type RegisterRiskAddressResponse struct {
	Registered int `json:"registered"`
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	JournalCount int64 `json:"journal_count"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

type VerifyIntegrityRequest struct{}
