package risk

import (
	"SwapGate/internal/ledger"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the request/reply subject of the scoring service.
const DefaultSubject = "swapgate.aml.get_address"

// GetAddressRequest is the request body sent to the scoring service.
type GetAddressRequest struct {
	Address ledger.AccountID `json:"address"`
}

// Requester is the subset of *nats.Conn used by NATSClient.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSClient queries the scoring service over NATS request/reply.
type NATSClient struct {
	conn    Requester
	subject string
}

func NewNATSClient(conn Requester, subject string) *NATSClient {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSClient{conn: conn, subject: subject}
}

func (c *NATSClient) GetAddress(ctx context.Context, address ledger.AccountID) (CategoryRisk, error) {
	data, err := json.Marshal(GetAddressRequest{Address: address})
	if err != nil {
		return CategoryRisk{}, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := c.conn.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return CategoryRisk{}, fmt.Errorf("request %s: %w", c.subject, err)
	}
	if len(msg.Data) == 0 {
		return CategoryRisk{}, fmt.Errorf("%w: empty", ErrMalformedReply)
	}

	var cr CategoryRisk
	if err := json.Unmarshal(msg.Data, &cr); err != nil {
		return CategoryRisk{}, err
	}
	return cr, nil
}

// Responder serves a Registry on the scoring subject.
type Responder struct {
	registry *Registry
	sub      *nats.Subscription
}

func NewResponder(registry *Registry) *Responder {
	return &Responder{registry: registry}
}

// Handle answers one request body. Undecodable requests get an empty reply,
// which clients treat as a failed query.
func (r *Responder) Handle(data []byte) []byte {
	var req GetAddressRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Address == "" {
		return nil
	}
	reply, err := json.Marshal(r.registry.Lookup(req.Address))
	if err != nil {
		return nil
	}
	return reply
}

// Start subscribes the responder on a queue group so several instances can share load.
func (r *Responder) Start(nc *nats.Conn, subject string) error {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := nc.QueueSubscribe(subject, "aml", func(msg *nats.Msg) {
		if err := msg.Respond(r.Handle(msg.Data)); err != nil {
			log.Printf("WARN: aml respond failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.sub = sub
	log.Printf("INFO: aml responder listening on %s", subject)
	return nil
}

// Stop drains the subscription.
func (r *Responder) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}
