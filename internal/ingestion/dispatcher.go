package ingestion

import (
	"SwapGate/internal/observability"
	"SwapGate/internal/pipeline"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pipeline accepts transfer notifications.
type Pipeline interface {
	OnTransfer(ctx context.Context, n pipeline.Notification) (pipeline.Receipt, error)
}

// RejectionSink is told about notifications refused synchronously.
type RejectionSink interface {
	RecordRejection(n pipeline.Notification, err error)
}

// DefaultProgressInterval keeps suspended notifications well inside the
// consumer AckWait.
const DefaultProgressInterval = 10 * time.Second

// Dispatcher feeds decoded, deduplicated notifications into the pipeline.
type Dispatcher struct {
	rawChan    <-chan RawNotification
	pipe       Pipeline
	dedup      *Deduplicator
	rejections RejectionSink
	metrics    *observability.Metrics
	logger     zerolog.Logger

	// ProgressInterval is how often a suspended notification reports
	// progress to the broker.
	ProgressInterval time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(
	rawChan <-chan RawNotification,
	pipe Pipeline,
	dedup *Deduplicator,
	rejections RejectionSink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		rawChan:    rawChan,
		pipe:       pipe,
		dedup:      dedup,
		rejections: rejections,
		metrics:    metrics,
		logger:     logger,

		ProgressInterval: DefaultProgressInterval,
		pending:          make(map[string]struct{}),
	}
}

// Run processes notifications until ctx ends or rawChan closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one notification and acks or naks it.
//
// Malformed payloads and synchronous rejections are acked: redelivery would
// fail the same way. Paused or draining pipelines nak so the notification
// is retried later. A run suspended on the risk check is acked only once
// its outcome is delivered; until then the broker is told it is in
// progress, and a redelivery of it is neither run nor acked.
func (d *Dispatcher) Handle(ctx context.Context, raw RawNotification) {
	if d.metrics != nil {
		d.metrics.NotificationsReceived.WithLabelValues("nats").Inc()
	}

	n, err := ParseNotification(raw.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed notification")
		raw.AckFunc()
		return
	}

	if d.isPending(n.NotificationID) {
		d.logger.Debug().Str("notification_id", n.NotificationID).Msg("redelivery of a suspended run")
		if raw.ProgressFunc != nil {
			raw.ProgressFunc()
		}
		return
	}

	if d.dedup != nil && d.dedup.IsDuplicate(ctx, n.NotificationID) {
		d.logger.Debug().Str("notification_id", n.NotificationID).Msg("duplicate notification")
		raw.AckFunc()
		return
	}

	receipt, err := d.pipe.OnTransfer(ctx, n)
	switch {
	case errors.Is(err, pipeline.ErrContractPaused), errors.Is(err, pipeline.ErrShuttingDown):
		raw.NakFunc()
		return
	case err != nil:
		d.logger.Info().Err(err).
			Str("notification_id", n.NotificationID).
			Str("sender", string(n.Sender)).
			Msg("notification rejected")
		if d.rejections != nil {
			d.rejections.RecordRejection(n, err)
		}
	default:
		d.logger.Debug().
			Str("notification_id", n.NotificationID).
			Str("run_id", receipt.RunID.String()).
			Str("state", receipt.State.String()).
			Msg("notification accepted")
	}

	// The run exists from here on; a redelivery must not start another.
	if d.dedup != nil {
		d.dedup.MarkProcessed(n.NotificationID)
	}
	if err == nil && !receipt.State.IsTerminal() && receipt.Promise != nil {
		d.await(n.NotificationID, receipt.Promise, raw)
		return
	}
	raw.AckFunc()
}

func (d *Dispatcher) isPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// await acks raw once promise resolves, reporting progress meanwhile.
func (d *Dispatcher) await(id string, promise *pipeline.Promise, raw RawNotification) {
	d.mu.Lock()
	d.pending[id] = struct{}{}
	d.mu.Unlock()

	interval := d.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case out, ok := <-promise.Done():
				if ok {
					d.logger.Debug().
						Str("notification_id", id).
						Str("state", out.State.String()).
						Msg("suspended run resolved")
				}
				raw.AckFunc()
				d.mu.Lock()
				delete(d.pending, id)
				d.mu.Unlock()
				return
			case <-ticker.C:
				if raw.ProgressFunc != nil {
					raw.ProgressFunc()
				}
			}
		}
	}()
}

// Wait blocks until every suspended notification was acked or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
