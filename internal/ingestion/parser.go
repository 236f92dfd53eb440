package ingestion

import (
	"SwapGate/internal/action"
	"SwapGate/internal/gas"
	"SwapGate/internal/ledger"
	"SwapGate/internal/pipeline"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedNotification is returned for a notification that cannot be parsed.
// The transfer message itself is validated later by the pipeline.
var ErrMalformedNotification = errors.New("malformed notification")

// --- JSON wire format ---
// Field names follow the token contract's transfer call.

type notificationJSON struct {
	NotificationID string          `json:"notification_id"`
	TokenID        string          `json:"token_id"`
	SenderID       string          `json:"sender_id"`
	Amount         action.Amount   `json:"amount"`
	Msg            string          `json:"msg"`
	PrepaidGas     json.RawMessage `json:"prepaid_gas"`
}

// ParseNotification converts a raw NATS payload into a pipeline notification.
func ParseNotification(data []byte) (pipeline.Notification, error) {
	var j notificationJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&j); err != nil {
		return pipeline.Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	if j.NotificationID == "" {
		return pipeline.Notification{}, fmt.Errorf("%w: notification_id is required", ErrMalformedNotification)
	}
	if j.TokenID == "" {
		return pipeline.Notification{}, fmt.Errorf("%w: token_id is required", ErrMalformedNotification)
	}
	if j.SenderID == "" {
		return pipeline.Notification{}, fmt.Errorf("%w: sender_id is required", ErrMalformedNotification)
	}
	if j.Amount <= 0 {
		return pipeline.Notification{}, fmt.Errorf("%w: amount must be positive", ErrMalformedNotification)
	}

	prepaid, err := ParseGas(j.PrepaidGas)
	if err != nil {
		return pipeline.Notification{}, fmt.Errorf("%w: prepaid_gas: %v", ErrMalformedNotification, err)
	}

	return pipeline.Notification{
		NotificationID: j.NotificationID,
		Token:          ledger.TokenID(j.TokenID),
		Sender:         ledger.AccountID(j.SenderID),
		Amount:         int64(j.Amount),
		Msg:            j.Msg,
		PrepaidGas:     prepaid,
	}, nil
}

// ParseGas accepts a JSON number or a decimal string. Missing means zero.
func ParseGas(raw json.RawMessage) (gas.Gas, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return gas.Gas(n), nil
}
