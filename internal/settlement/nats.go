package settlement

import (
	"SwapGate/internal/ledger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// TransferSubjectPrefix is followed by the token id.
const TransferSubjectPrefix = "swapgate.tokens.transfer."

// TransferRequest is sent to the token service.
type TransferRequest struct {
	ReceiverID ledger.AccountID `json:"receiver_id"`
	Amount     string           `json:"amount"`
}

// TransferReply is {"ok":true} or {"error":"..."}.
type TransferReply struct {
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// Requester is the subset of *nats.Conn used by NATSTransferer.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSTransferer asks token services to move funds over NATS request/reply.
// Requests without a deadline are bounded by timeout.
type NATSTransferer struct {
	conn    Requester
	timeout time.Duration
}

func NewNATSTransferer(conn Requester, timeout time.Duration) *NATSTransferer {
	return &NATSTransferer{conn: conn, timeout: timeout}
}

func TransferSubject(token ledger.TokenID) string {
	return TransferSubjectPrefix + string(token)
}

func (t *NATSTransferer) Transfer(ctx context.Context, token ledger.TokenID, receiver ledger.AccountID, amount int64) error {
	data, err := json.Marshal(TransferRequest{
		ReceiverID: receiver,
		Amount:     strconv.FormatInt(amount, 10),
	})
	if err != nil {
		return fmt.Errorf("marshal transfer: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	msg, err := t.conn.RequestWithContext(ctx, TransferSubject(token), data)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}

	var reply TransferReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	if !reply.OK {
		return errors.New("transfer not acknowledged")
	}
	return nil
}
