package pipeline_test

import (
	"SwapGate/internal/action"
	"SwapGate/internal/gas"
	"SwapGate/internal/ledger"
	"SwapGate/internal/pipeline"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseMessage(t *testing.T) {
	m, err := pipeline.ParseMessage(`{"referral_id":"ref.near","actions":[
		{"Swap":{"hops":[{"pool_id":0,"token_in":"x","amount_in":"100","token_out":"y","min_amount_out":"1"}]}},
		{"AddStableLiquidity":{"pool_id":2,"min_shares":"5"}}
	]}`)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.ReferralID == nil || *m.ReferralID != "ref.near" {
		t.Errorf("referral: got %v", m.ReferralID)
	}
	if len(m.Actions) != 2 {
		t.Fatalf("actions: got %d, want 2", len(m.Actions))
	}
	if m.Actions[0].Kind() != action.KindSwap || m.Actions[1].Kind() != action.KindAddStableLiquidity {
		t.Errorf("kinds: got %s, %s", m.Actions[0].Kind(), m.Actions[1].Kind())
	}
}

func TestParseMessage_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `swap please`,
		"no actions":      `{"referral_id":"r"}`,
		"empty actions":   `{"actions":[]}`,
		"unknown field":   `{"actions":[{"Swap":{"hops":[{"pool_id":0,"token_in":"x","token_out":"y","min_amount_out":"1"}]}}],"deadline":5}`,
		"trailing data":   `{"actions":[{"Swap":{"hops":[{"pool_id":0,"token_in":"x","token_out":"y","min_amount_out":"1"}]}}]} {}`,
		"swap no hops":    `{"actions":[{"Swap":{"hops":[]}}]}`,
		"empty referral":  `{"referral_id":"","actions":[{"Swap":{"hops":[{"pool_id":0,"token_in":"x","token_out":"y","min_amount_out":"1"}]}}]}`,
		"negative amount": `{"actions":[{"Swap":{"hops":[{"pool_id":0,"token_in":"x","token_out":"y","min_amount_out":"-1"}]}}]}`,
	}
	for name, msg := range cases {
		if _, err := pipeline.ParseMessage(msg); !errors.Is(err, pipeline.ErrWrongMessageFormat) {
			t.Errorf("%s: got %v, want ErrWrongMessageFormat", name, err)
		}
	}
}

func TestPendingOperation_RoundTrip(t *testing.T) {
	ref := ledger.AccountID("ref.near")
	in := action.Amount(100)
	op := &pipeline.PendingOperation{
		RunID:          uuid.New(),
		NotificationID: "n-1",
		Depositor:      "alice",
		Token:          "x",
		Amount:         100,
		ReferralID:     &ref,
		Actions: action.List{&action.Swap{Hops: []action.SwapHop{
			{PoolID: 3, TokenIn: "x", AmountIn: &in, TokenOut: "y", MinAmountOut: 7},
		}}},
		ContinuationGas: 200 * gas.Tgas,
		ReceivedAt:      time.UnixMicro(1_700_000_000_000_000).UTC(),
	}

	payload, err := op.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := pipeline.DecodePending(payload)
	if err != nil {
		t.Fatalf("DecodePending: %v", err)
	}

	if back.RunID != op.RunID || back.Depositor != op.Depositor || back.Amount != op.Amount {
		t.Errorf("header: got %+v", back)
	}
	if back.ContinuationGas != op.ContinuationGas {
		t.Errorf("gas: got %d, want %d", back.ContinuationGas, op.ContinuationGas)
	}
	if !back.ReceivedAt.Equal(op.ReceivedAt) {
		t.Errorf("received_at: got %v, want %v", back.ReceivedAt, op.ReceivedAt)
	}
	swap, ok := back.Actions[0].(*action.Swap)
	if !ok || swap.Hops[0].PoolID != 3 || *swap.Hops[0].AmountIn != 100 || swap.Hops[0].MinAmountOut != 7 {
		t.Errorf("actions: got %#v", back.Actions[0])
	}
}

func TestDecodePending_DetectsTampering(t *testing.T) {
	op := &pipeline.PendingOperation{RunID: uuid.New(), Depositor: "alice", Token: "x", Amount: 100,
		Actions: action.List{&action.Swap{Hops: []action.SwapHop{{PoolID: 0, TokenIn: "x", TokenOut: "y"}}}}}
	payload, err := op.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatal(err)
	}
	env["operation"] = json.RawMessage(`{"run_id":"` + op.RunID.String() + `","depositor":"mallory","token":"x","amount":100,"actions":[]}`)
	tampered, _ := json.Marshal(env)

	if _, err := pipeline.DecodePending(tampered); !errors.Is(err, pipeline.ErrCorruptPayload) {
		t.Errorf("got %v, want ErrCorruptPayload", err)
	}
	if _, err := pipeline.DecodePending([]byte(`{}`)); !errors.Is(err, pipeline.ErrCorruptPayload) {
		t.Errorf("empty envelope: got %v, want ErrCorruptPayload", err)
	}
}

func TestState_JSON(t *testing.T) {
	data, err := json.Marshal(pipeline.StateRiskRejected)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"RiskRejected"` {
		t.Errorf("got %s, want \"RiskRejected\"", data)
	}
	var s pipeline.State
	if err := json.Unmarshal([]byte(`"Settled"`), &s); err != nil || s != pipeline.StateSettled {
		t.Errorf("got %s (%v), want Settled", s, err)
	}
	for _, st := range []pipeline.State{pipeline.StateSettled, pipeline.StateFailed, pipeline.StateRiskRejected, pipeline.StateDeposited} {
		if !st.IsTerminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	if pipeline.StateRiskPending.IsTerminal() {
		t.Error("RiskPending is not terminal")
	}
}
