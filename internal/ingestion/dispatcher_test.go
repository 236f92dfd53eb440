package ingestion_test

import (
	"SwapGate/internal/ingestion"
	"SwapGate/internal/pipeline"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

type fakePipeline struct {
	err     error
	promise *pipeline.Promise
	calls   []pipeline.Notification
}

func (f *fakePipeline) OnTransfer(ctx context.Context, n pipeline.Notification) (pipeline.Receipt, error) {
	f.calls = append(f.calls, n)
	if f.err != nil {
		return pipeline.Receipt{}, f.err
	}
	return pipeline.Receipt{NotificationID: n.NotificationID, State: pipeline.StateRiskPending, Promise: f.promise}, nil
}

type rejectionRecorder struct {
	rejected []string
}

func (r *rejectionRecorder) RecordRejection(n pipeline.Notification, err error) {
	r.rejected = append(r.rejected, n.NotificationID)
}

type ackTracker struct {
	acks, naks int
}

func (a *ackTracker) raw(data string) ingestion.RawNotification {
	return ingestion.RawNotification{
		Subject:   "swapgate.deposits.x",
		Data:      []byte(data),
		Timestamp: time.Now(),
		AckFunc:   func() { a.acks++ },
		NakFunc:   func() { a.naks++ },
	}
}

type fakeDB struct {
	known map[string]bool
	err   error
}

func (f *fakeDB) IsDuplicate(ctx context.Context, id string) (bool, error) {
	return f.known[id], f.err
}

const validNotification = `{"notification_id":"n-1","token_id":"x","sender_id":"alice","amount":"100","msg":""}`

// ============================================================================
// Test: Dispatcher
// ============================================================================

func TestDispatcher_AcceptsAndAcks(t *testing.T) {
	pipe := &fakePipeline{}
	acks := &ackTracker{}
	d := ingestion.NewDispatcher(nil, pipe, ingestion.NewDeduplicator(16, nil, nil, zerolog.Nop()), nil, nil, zerolog.Nop())

	d.Handle(context.Background(), acks.raw(validNotification))

	if len(pipe.calls) != 1 || pipe.calls[0].Amount != 100 {
		t.Fatalf("pipeline calls: got %+v", pipe.calls)
	}
	if acks.acks != 1 || acks.naks != 0 {
		t.Errorf("acks=%d naks=%d, want 1/0", acks.acks, acks.naks)
	}
}

func TestDispatcher_DropsRedelivery(t *testing.T) {
	pipe := &fakePipeline{}
	acks := &ackTracker{}
	d := ingestion.NewDispatcher(nil, pipe, ingestion.NewDeduplicator(16, nil, nil, zerolog.Nop()), nil, nil, zerolog.Nop())

	d.Handle(context.Background(), acks.raw(validNotification))
	d.Handle(context.Background(), acks.raw(validNotification))

	if len(pipe.calls) != 1 {
		t.Errorf("pipeline calls: got %d, want 1", len(pipe.calls))
	}
	if acks.acks != 2 {
		t.Errorf("acks: got %d, want 2", acks.acks)
	}
}

func TestDispatcher_SynchronousRejectionIsAckedAndPublished(t *testing.T) {
	pipe := &fakePipeline{err: pipeline.ErrWrongMessageFormat}
	rej := &rejectionRecorder{}
	acks := &ackTracker{}
	d := ingestion.NewDispatcher(nil, pipe, nil, rej, nil, zerolog.Nop())

	d.Handle(context.Background(), acks.raw(validNotification))

	if acks.acks != 1 || acks.naks != 0 {
		t.Errorf("acks=%d naks=%d, want 1/0", acks.acks, acks.naks)
	}
	if len(rej.rejected) != 1 || rej.rejected[0] != "n-1" {
		t.Errorf("rejections: got %v", rej.rejected)
	}
}

func TestDispatcher_PausedIsRedelivered(t *testing.T) {
	for _, err := range []error{pipeline.ErrContractPaused, pipeline.ErrShuttingDown} {
		pipe := &fakePipeline{err: err}
		dedup := ingestion.NewDeduplicator(16, nil, nil, zerolog.Nop())
		acks := &ackTracker{}
		d := ingestion.NewDispatcher(nil, pipe, dedup, nil, nil, zerolog.Nop())

		d.Handle(context.Background(), acks.raw(validNotification))

		if acks.naks != 1 || acks.acks != 0 {
			t.Errorf("%v: acks=%d naks=%d, want 0/1", err, acks.acks, acks.naks)
		}
		if dedup.IsDuplicate(context.Background(), "n-1") {
			t.Errorf("%v: a nak'd notification must not be marked processed", err)
		}
	}
}

func TestDispatcher_SuspendedRunAckedAfterOutcome(t *testing.T) {
	promise := pipeline.NewPromise()
	pipe := &fakePipeline{promise: promise}
	d := ingestion.NewDispatcher(nil, pipe, ingestion.NewDeduplicator(16, nil, nil, zerolog.Nop()), nil, nil, zerolog.Nop())
	d.ProgressInterval = 5 * time.Millisecond

	acked := make(chan struct{}, 2)
	progress := make(chan struct{}, 64)
	raw := ingestion.RawNotification{
		Subject: "swapgate.deposits.x",
		Data:    []byte(validNotification),
		AckFunc: func() { acked <- struct{}{} },
		NakFunc: func() { t.Error("unexpected nak") },
		ProgressFunc: func() {
			select {
			case progress <- struct{}{}:
			default:
			}
		},
	}

	d.Handle(context.Background(), raw)

	select {
	case <-progress:
	case <-time.After(2 * time.Second):
		t.Fatal("no progress reported while suspended")
	}
	select {
	case <-acked:
		t.Fatal("acked before the outcome was delivered")
	default:
	}

	// A redelivery while suspended neither reruns nor acks.
	d.Handle(context.Background(), raw)
	if len(pipe.calls) != 1 {
		t.Errorf("pipeline calls: got %d, want 1", len(pipe.calls))
	}

	promise.Resolve(pipeline.Outcome{NotificationID: "n-1", State: pipeline.StateSettled})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := len(acked); got != 1 {
		t.Errorf("acks: got %d, want 1", got)
	}

	// Once resolved, a redelivery is a plain duplicate.
	d.Handle(context.Background(), raw)
	if got := len(acked); got != 2 {
		t.Errorf("acks after redelivery: got %d, want 2", got)
	}
}

func TestDispatcher_MalformedIsAcked(t *testing.T) {
	pipe := &fakePipeline{}
	acks := &ackTracker{}
	d := ingestion.NewDispatcher(nil, pipe, nil, nil, nil, zerolog.Nop())

	d.Handle(context.Background(), acks.raw(`{"token_id":`))

	if len(pipe.calls) != 0 {
		t.Error("malformed notification must not reach the pipeline")
	}
	if acks.acks != 1 {
		t.Errorf("acks: got %d, want 1", acks.acks)
	}
}

func TestDispatcher_RunStopsOnClose(t *testing.T) {
	ch := make(chan ingestion.RawNotification, 1)
	pipe := &fakePipeline{}
	acks := &ackTracker{}
	d := ingestion.NewDispatcher(ch, pipe, nil, nil, nil, zerolog.Nop())

	ch <- acks.raw(validNotification)
	close(ch)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pipe.calls) != 1 {
		t.Errorf("pipeline calls: got %d, want 1", len(pipe.calls))
	}
}

// ============================================================================
// Test: Deduplicator
// ============================================================================

func TestDeduplicator_PostgresTier(t *testing.T) {
	db := &fakeDB{known: map[string]bool{"old": true}}
	d := ingestion.NewDeduplicator(4, db, nil, zerolog.Nop())

	if !d.IsDuplicate(context.Background(), "old") {
		t.Error("id known to Postgres should be a duplicate")
	}
	if d.IsDuplicate(context.Background(), "new") {
		t.Error("unknown id should not be a duplicate")
	}

	db.err = errors.New("connection refused")
	if d.IsDuplicate(context.Background(), "other") {
		t.Error("lookup failure must not report a duplicate")
	}
	db.known = nil
	if !d.IsDuplicate(context.Background(), "old") {
		t.Error("Postgres hit should be cached in the LRU")
	}
}

func TestLRU_Eviction(t *testing.T) {
	l := ingestion.NewLRU(2)
	l.Add("a")
	l.Add("b")
	l.Contains("a") // promote a
	l.Add("c")      // evicts b

	if !l.Contains("a") || !l.Contains("c") {
		t.Error("a and c should remain")
	}
	if l.Contains("b") {
		t.Error("b should be evicted")
	}
	if l.Size() != 2 || l.Evictions() != 1 {
		t.Errorf("size=%d evictions=%d, want 2/1", l.Size(), l.Evictions())
	}
}

// ============================================================================
// Test: OutboundPublisher
// ============================================================================

type fakeJS struct {
	subjects chan string
	bodies   chan []byte
}

func (f *fakeJS) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects <- subject
	f.bodies <- data
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_SubjectPerState(t *testing.T) {
	js := &fakeJS{subjects: make(chan string, 4), bodies: make(chan []byte, 4)}
	pub := ingestion.NewOutboundPublisher(js, 4, nil)

	pub.Record(pipeline.Outcome{NotificationID: "n-1", State: pipeline.StateSettled})
	pub.RecordRejection(pipeline.Notification{NotificationID: "n-2"}, pipeline.ErrWrongMessageFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	want := []string{"swapgate.outcomes.Settled", "swapgate.outcomes.Rejected"}
	for i, w := range want {
		select {
		case got := <-js.subjects:
			if got != w {
				t.Errorf("subject %d: got %s, want %s", i, got, w)
			}
			var evt struct {
				State          string `json:"state"`
				NotificationID string `json:"notification_id"`
			}
			if err := json.Unmarshal(<-js.bodies, &evt); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if evt.NotificationID == "" {
				t.Errorf("event %d: missing notification_id", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	js := &fakeJS{subjects: make(chan string, 4), bodies: make(chan []byte, 4)}
	pub := ingestion.NewOutboundPublisher(js, 1, nil)

	pub.Record(pipeline.Outcome{NotificationID: "n-1", State: pipeline.StateSettled})
	pub.Record(pipeline.Outcome{NotificationID: "n-2", State: pipeline.StateSettled}) // dropped, must not block
}

func TestRedeliveryDelay(t *testing.T) {
	tests := []struct {
		delivered uint64
		want      time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := ingestion.RedeliveryDelay(tt.delivered); got != tt.want {
			t.Errorf("delivered=%d: got %v, want %v", tt.delivered, got, tt.want)
		}
	}
}
