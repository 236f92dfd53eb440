package ingestion

import (
	"SwapGate/internal/observability"
	"SwapGate/internal/pipeline"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	OutcomesStream        = "SWAPGATE_OUTCOMES"
	OutcomesSubjectPrefix = "swapgate.outcomes."

	// StateRejected labels notifications refused synchronously.
	StateRejected = "Rejected"
)

// PublishableEvent is a pipeline result ready for outbound publishing.
type PublishableEvent struct {
	State          string      `json:"state"`
	NotificationID string      `json:"notification_id"`
	Payload        interface{} `json:"payload"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Rejection is the payload published for a refused notification.
type Rejection struct {
	Notification pipeline.Notification `json:"notification"`
	Error        string                `json:"error"`
}

// Publisher is the subset of jetstream.JetStream used by OutboundPublisher.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes pipeline outcomes and rejections for
// downstream consumers on swapgate.outcomes.{state}.
type OutboundPublisher struct {
	js      Publisher
	events  chan PublishableEvent
	metrics *observability.Metrics
}

func NewOutboundPublisher(js Publisher, buffer int, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		events:  make(chan PublishableEvent, buffer),
		metrics: metrics,
	}
}

// Record queues an outcome. It never blocks the pipeline: when the buffer
// is full the outcome is dropped and counted; Postgres still has it.
func (op *OutboundPublisher) Record(o pipeline.Outcome) {
	op.enqueue(PublishableEvent{
		State:          o.State.String(),
		NotificationID: o.NotificationID,
		Payload:        o,
		Timestamp:      o.CompletedAt,
	})
}

// RecordRejection queues a synchronous rejection.
func (op *OutboundPublisher) RecordRejection(n pipeline.Notification, err error) {
	op.enqueue(PublishableEvent{
		State:          StateRejected,
		NotificationID: n.NotificationID,
		Payload:        Rejection{Notification: n, Error: err.Error()},
		Timestamp:      time.Now(),
	})
}

func (op *OutboundPublisher) enqueue(evt PublishableEvent) {
	select {
	case op.events <- evt:
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		log.Printf("WARN: outbound publish buffer full, dropped %s %s", evt.State, evt.NotificationID)
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.events:
			if err := op.publish(ctx, evt); err != nil {
				log.Printf("WARN: outbound publish failed notification=%s: %v", evt.NotificationID, err)
				// Non-fatal: downstream consumers can query the outcome log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, OutcomesSubjectPrefix+evt.State, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutcomesStream,
		Subjects:  []string{OutcomesSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", OutcomesStream)
	return nil
}
