package risk_test

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/risk"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// === CategoryRisk wire format ===

func TestCategoryRisk_TupleRoundTrip(t *testing.T) {
	cr := risk.CategoryRisk{Category: risk.CategoryTest, Risk: 8}
	data, err := json.Marshal(cr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["Test",8]` {
		t.Errorf("got %s, want [\"Test\",8]", data)
	}

	var back risk.CategoryRisk
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != cr {
		t.Errorf("got %v, want %v", back, cr)
	}
}

func TestCategoryRisk_ObjectForm(t *testing.T) {
	var cr risk.CategoryRisk
	if err := json.Unmarshal([]byte(`{"category":"None","risk":2}`), &cr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cr.Category != risk.CategoryNone || cr.Risk != 2 {
		t.Errorf("got %v, want None/2", cr)
	}
}

func TestCategoryRisk_Malformed(t *testing.T) {
	cases := []string{
		`null`,
		`[]`,
		`["None"]`,
		`["None",2,3]`,
		`["",2]`,
		`["None",11]`,
		`["None",-1]`,
		`["None","2"]`,
		`{"category":"None"}`,
		`"None"`,
	}
	for _, c := range cases {
		var cr risk.CategoryRisk
		err := json.Unmarshal([]byte(c), &cr)
		if !errors.Is(err, risk.ErrMalformedReply) {
			t.Errorf("%s: got %v, want ErrMalformedReply", c, err)
		}
	}
}

// === Gate ===

type stubClient struct {
	reply stubReply
	calls int
	delay time.Duration
}

type stubReply struct {
	cr  risk.CategoryRisk
	err error
}

func (s *stubClient) GetAddress(ctx context.Context, address ledger.AccountID) (risk.CategoryRisk, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return risk.CategoryRisk{}, ctx.Err()
		}
	}
	return s.reply.cr, s.reply.err
}

func newGate(c risk.Client, timeout time.Duration) *risk.Gate {
	return risk.NewGate(c, 5, timeout, nil, zerolog.Nop())
}

func TestGate_QueryReturnsScore(t *testing.T) {
	client := &stubClient{reply: stubReply{cr: risk.CategoryRisk{Category: risk.CategoryNone, Risk: 2}}}
	g := newGate(client, time.Second)

	cr, err := g.Query(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if cr.Risk != 2 {
		t.Errorf("risk: got %d, want 2", cr.Risk)
	}
	if client.calls != 1 {
		t.Errorf("calls: got %d, want 1", client.calls)
	}
}

func TestGate_QueryFailureIsNotApproval(t *testing.T) {
	cases := map[string]*stubClient{
		"transport error": {reply: stubReply{err: errors.New("no responders")}},
		"empty reply":     {reply: stubReply{cr: risk.CategoryRisk{}}},
		"out of range":    {reply: stubReply{cr: risk.CategoryRisk{Category: risk.CategoryNone, Risk: 42}}},
		"timeout":         {reply: stubReply{cr: risk.CategoryRisk{Category: risk.CategoryNone}}, delay: time.Second},
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			g := newGate(client, 20*time.Millisecond)
			_, err := g.Query(context.Background(), "alice")
			if !errors.Is(err, risk.ErrRiskQueryFailed) {
				t.Errorf("got %v, want ErrRiskQueryFailed", err)
			}
			if client.calls != 1 {
				t.Errorf("calls: got %d, want exactly 1 (no retry)", client.calls)
			}
		})
	}
}

func TestGate_AssertAcceptable(t *testing.T) {
	g := newGate(&stubClient{}, 0)

	tests := []struct {
		cr      risk.CategoryRisk
		wantErr bool
	}{
		{risk.CategoryRisk{Category: risk.CategoryNone, Risk: 0}, false},
		{risk.CategoryRisk{Category: risk.CategoryNone, Risk: 5}, false},
		{risk.CategoryRisk{Category: risk.CategoryNone, Risk: 6}, true},
		{risk.CategoryRisk{Category: risk.CategoryTest, Risk: 2}, false},
		{risk.CategoryRisk{Category: risk.CategoryTest, Risk: 8}, true},
	}
	for _, tt := range tests {
		err := g.AssertAcceptable(tt.cr)
		if tt.wantErr && !errors.Is(err, risk.ErrRiskRejected) {
			t.Errorf("%v: got %v, want ErrRiskRejected", tt.cr, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%v: unexpected error %v", tt.cr, err)
		}
	}
}

// === Registry ===

func TestRegistry_CreateAndGet(t *testing.T) {
	r := risk.NewRegistry()
	if err := r.CreateAddress("mallory", risk.CategoryTest, 8); err != nil {
		t.Fatalf("CreateAddress: %v", err)
	}

	cr, err := r.GetAddress(context.Background(), "mallory")
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if cr.Category != risk.CategoryTest || cr.Risk != 8 {
		t.Errorf("got %v, want Test/8", cr)
	}
}

func TestRegistry_UnknownAddressScoresZero(t *testing.T) {
	r := risk.NewRegistry()
	cr := r.Lookup("nobody")
	if cr.Category != risk.CategoryNone || cr.Risk != 0 {
		t.Errorf("got %v, want None/0", cr)
	}
}

func TestRegistry_Rejections(t *testing.T) {
	r := risk.NewRegistry()
	if err := r.CreateAddress("a", risk.CategoryNone, 11); !errors.Is(err, risk.ErrInvalidRisk) {
		t.Errorf("risk 11: got %v, want ErrInvalidRisk", err)
	}
	if err := r.CreateAddress("a", risk.CategoryNone, 10); err != nil {
		t.Fatalf("risk 10: %v", err)
	}
	if err := r.CreateAddress("a", risk.CategoryTest, 1); !errors.Is(err, risk.ErrAddressExists) {
		t.Errorf("duplicate: got %v, want ErrAddressExists", err)
	}
	if got := r.Lookup("a"); got.Risk != 10 {
		t.Errorf("duplicate must not overwrite: got %v", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len: got %d, want 1", r.Len())
	}
}

// === NATS transport ===

// loopback answers requests with a Responder without a NATS server.
type loopback struct {
	responder *risk.Responder
	subjects  []string
	err       error
}

func (l *loopback) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	l.subjects = append(l.subjects, subj)
	if l.err != nil {
		return nil, l.err
	}
	return &nats.Msg{Subject: subj, Data: l.responder.Handle(data)}, nil
}

func TestNATSClient_RoundTripThroughResponder(t *testing.T) {
	reg := risk.NewRegistry()
	reg.CreateAddress("bob", risk.CategoryTest, 3)
	conn := &loopback{responder: risk.NewResponder(reg)}
	client := risk.NewNATSClient(conn, "")

	cr, err := client.GetAddress(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if cr.Category != risk.CategoryTest || cr.Risk != 3 {
		t.Errorf("got %v, want Test/3", cr)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != risk.DefaultSubject {
		t.Errorf("subjects: got %v, want [%s]", conn.subjects, risk.DefaultSubject)
	}
}

func TestNATSClient_TransportError(t *testing.T) {
	conn := &loopback{err: nats.ErrNoResponders}
	client := risk.NewNATSClient(conn, "aml.test")

	_, err := client.GetAddress(context.Background(), "bob")
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Errorf("got %v, want ErrNoResponders", err)
	}
}

func TestResponder_BadRequestGetsEmptyReply(t *testing.T) {
	r := risk.NewResponder(risk.NewRegistry())
	if reply := r.Handle([]byte(`not json`)); len(reply) != 0 {
		t.Errorf("got %s, want empty", reply)
	}

	g := newGate(risk.NewNATSClient(&loopback{responder: r}, ""), time.Second)
	if _, err := g.Query(context.Background(), ""); !errors.Is(err, risk.ErrRiskQueryFailed) {
		t.Errorf("got %v, want ErrRiskQueryFailed", err)
	}
}
