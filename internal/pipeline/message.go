package pipeline

import (
	"SwapGate/internal/action"
	"SwapGate/internal/gas"
	"SwapGate/internal/ledger"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrWrongMessageFormat is returned for a non-empty message that does not
// decode to {referral_id?, actions}.
var ErrWrongMessageFormat = errors.New("wrong message format")

// Notification is an incoming token transfer addressed to the exchange.
type Notification struct {
	// NotificationID identifies the transfer for deduplication; generated when empty.
	NotificationID string           `json:"notification_id"`
	Token          ledger.TokenID   `json:"token_id"`
	Sender         ledger.AccountID `json:"sender_id"`
	Amount         int64            `json:"amount"`
	// Msg empty means a plain deposit.
	Msg        string  `json:"msg"`
	PrepaidGas gas.Gas `json:"prepaid_gas"`
}

// Message is the decoded transfer message of the swap path.
type Message struct {
	ReferralID *ledger.AccountID `json:"referral_id,omitempty"`
	Actions    action.List       `json:"actions"`
}

// ParseMessage decodes a transfer message. Unknown fields, trailing data and
// an empty action list are rejected.
func ParseMessage(msg string) (*Message, error) {
	dec := json.NewDecoder(strings.NewReader(msg))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongMessageFormat, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrWrongMessageFormat)
	}
	if len(m.Actions) == 0 {
		return nil, fmt.Errorf("%w: no actions", ErrWrongMessageFormat)
	}
	if m.ReferralID != nil && *m.ReferralID == "" {
		return nil, fmt.Errorf("%w: empty referral_id", ErrWrongMessageFormat)
	}

	for i, a := range m.Actions {
		if swap, ok := a.(*action.Swap); ok && len(swap.Hops) == 0 {
			return nil, fmt.Errorf("%w: action %d: swap without hops", ErrWrongMessageFormat, i)
		}
	}
	return &m, nil
}
