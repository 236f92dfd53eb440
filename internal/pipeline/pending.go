package pipeline

import (
	"SwapGate/internal/action"
	"SwapGate/internal/gas"
	"SwapGate/internal/ledger"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const payloadDigestSeed = "SwapGate:pending:v1"

// ErrCorruptPayload is returned when a continuation payload fails to decode
// or its digest does not match.
var ErrCorruptPayload = errors.New("corrupt pending operation payload")

// Source says what funds a run.
type Source string

const (
	// SourceDeposit runs on the transferred deposit.
	SourceDeposit Source = "deposit"
	// SourceBalance runs on the caller's persistent balance.
	SourceBalance Source = "balance"
)

// PendingOperation is everything the continuation needs. It is encoded once
// before the risk query and replayed verbatim on resume.
type PendingOperation struct {
	RunID          uuid.UUID        `json:"run_id"`
	NotificationID string           `json:"notification_id"`
	Source         Source           `json:"source"`
	Depositor      ledger.AccountID `json:"depositor"`
	Token          ledger.TokenID   `json:"token,omitempty"`
	Amount         int64            `json:"amount,omitempty"`
	// Inputs are debited from the depositor's balance when Source is SourceBalance.
	Inputs          []ledger.TokenAmount `json:"inputs,omitempty"`
	ReferralID      *ledger.AccountID    `json:"referral_id,omitempty"`
	Actions         action.List          `json:"actions"`
	ContinuationGas gas.Gas              `json:"continuation_gas"`
	ReceivedAt      time.Time            `json:"received_at"`
}

type envelope struct {
	Operation json.RawMessage `json:"operation"`
	Digest    string          `json:"digest"`
}

func digest(op []byte) string {
	h := sha256.New()
	h.Write([]byte(payloadDigestSeed))
	h.Write(op)
	return hex.EncodeToString(h.Sum(nil))
}

// Encode serializes the operation with a SHA-256 digest.
func (op *PendingOperation) Encode() ([]byte, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal pending operation: %w", err)
	}
	return json.Marshal(envelope{Operation: body, Digest: digest(body)})
}

// DecodePending restores an operation from its payload.
func DecodePending(payload []byte) (*PendingOperation, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	// Digest the compacted body so whitespace changes from re-marshaling do not matter.
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Operation); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if digest(compact.Bytes()) != env.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorruptPayload)
	}

	var op PendingOperation
	if err := json.Unmarshal(compact.Bytes(), &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return &op, nil
}
