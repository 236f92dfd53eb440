package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	DepositsStream  = "SWAPGATE_DEPOSITS"
	DepositsSubject = "swapgate.deposits.>"

	maxRedeliveryDelay = 30 * time.Second
)

// RawNotification is an undecoded notification with its ack handles.
type RawNotification struct {
	Subject   string
	Data      []byte
	Delivered uint64 // 1 on first delivery
	Timestamp time.Time
	AckFunc   func() // the run resolved or the notification was finally rejected
	NakFunc   func() // redeliver later
	// ProgressFunc extends the ack deadline while the run is suspended.
	ProgressFunc func()
}

// ConsumerConfig binds a durable JetStream consumer to a subject filter.
type ConsumerConfig struct {
	Stream     string
	Durable    string
	Subject    string
	MaxDeliver int
	AckWait    time.Duration
}

// DefaultConsumers returns the deposit consumer. Token contracts publish
// to swapgate.deposits.<token_id>. A paused pipeline naks, so deliveries
// are allowed to outlast a maintenance window.
func DefaultConsumers() []ConsumerConfig {
	return []ConsumerConfig{{
		Stream:     DepositsStream,
		Durable:    "swapgate-deposits",
		Subject:    DepositsSubject,
		MaxDeliver: 50,
		AckWait:    30 * time.Second,
	}}
}

// NATSSubscriber consumes deposit notifications from JetStream and hands
// them to the dispatcher through rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawNotification
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawNotification, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, rawChan: rawChan, logger: logger}
}

// Subscribe starts one consumer per config. Messages still queued when ctx
// ends are nak'ed.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, configs []ConsumerConfig) error {
	for _, cfg := range configs {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
			Durable:       cfg.Durable,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			MaxDeliver:    cfg.MaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.deliver(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.Durable, err)
		}
		ns.consumers = append(ns.consumers, cc)

		ns.logger.Info().
			Str("stream", cfg.Stream).
			Str("consumer", cfg.Durable).
			Str("subject", cfg.Subject).
			Int("max_deliver", cfg.MaxDeliver).
			Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) deliver(ctx context.Context, msg jetstream.Msg) {
	var delivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	raw := RawNotification{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Delivered: delivered,
		Timestamp: time.Now(),
		AckFunc: func() {
			if err := msg.Ack(); err != nil {
				ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
			}
		},
		NakFunc: func() {
			if err := msg.NakWithDelay(RedeliveryDelay(delivered)); err != nil {
				ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("nak failed")
			}
		},
		ProgressFunc: func() {
			if err := msg.InProgress(); err != nil {
				ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("in-progress failed")
			}
		},
	}

	select {
	case ns.rawChan <- raw:
	case <-ctx.Done():
		msg.Nak()
	}
}

// RedeliveryDelay doubles from one second per delivery, capped at 30s.
func RedeliveryDelay(delivered uint64) time.Duration {
	if delivered == 0 {
		delivered = 1
	}
	if delivered > 6 {
		return maxRedeliveryDelay
	}
	d := time.Second << (delivered - 1)
	if d > maxRedeliveryDelay {
		return maxRedeliveryDelay
	}
	return d
}

// Stop stops every consumer.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Int("consumers", len(ns.consumers)).Msg("subscribers stopped")
}

// EnsureStreams creates the deposit stream if it does not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      DepositsStream,
		Subjects:  []string{DepositsSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", DepositsStream, err)
	}
	return nil
}

// ConnectNATS connects with unlimited reconnects and returns a JetStream handle.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("swapgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
