package risk_test

import (
	"SwapGate/internal/risk"
	"SwapGate/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestIntegration_GateOverNATS(t *testing.T) {
	nc := testutil.SetupTestNATS(t)
	subject := "swapgate.test.aml." + uuid.NewString()

	registry := risk.NewRegistry()
	if err := registry.CreateAddress("mallory.near", risk.CategoryTest, 9); err != nil {
		t.Fatal(err)
	}
	responder := risk.NewResponder(registry)
	if err := responder.Start(nc, subject); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer responder.Stop()

	gate := risk.NewGate(risk.NewNATSClient(nc, subject), risk.DefaultThreshold, 2*time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	cr, err := gate.Query(ctx, "mallory.near")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !errors.Is(gate.AssertAcceptable(cr), risk.ErrRiskRejected) {
		t.Errorf("mallory: got %v, want rejection", cr)
	}

	cr, err = gate.Query(ctx, "alice.near")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if cr.Category != risk.CategoryNone || cr.Risk != 0 {
		t.Errorf("unknown address: got %v, want [None, 0]", cr)
	}
}
