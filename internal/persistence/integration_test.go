package persistence_test

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/persistence"
	"SwapGate/internal/settlement"
	"SwapGate/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// persistVia runs a worker for the duration of fn and flushes on return.
func persistVia(t *testing.T, db *sql.DB, fn func(w *persistence.Worker)) {
	t.Helper()
	w := persistence.NewWorker(db, 64, 8, 20*time.Millisecond, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	fn(w)

	cancel()
	<-done
}

func TestIntegration_RecoverFromJournal(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persistVia(t, db, func(w *persistence.Worker) {
		router := settlement.NewRouter(nil, ledger.NewBalanceSheet(), w, nil, zerolog.Nop())
		if err := router.CreditDeposit("r1", "alice.near", "wrap.near", 100); err != nil {
			t.Fatal(err)
		}
		if err := router.Retain("r2", "wrap.near", 30, settlement.ReasonRiskRejected); err != nil {
			t.Fatal(err)
		}
		w.Record(testOutcome())
	})

	restored := settlement.NewRouter(nil, ledger.NewBalanceSheet(), nil, nil, zerolog.Nop())
	replayed, err := persistence.NewSnapshotManager(db, nil, zerolog.Nop()).Recover(ctx, restored, 100)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if replayed != 2 {
		t.Errorf("replayed: got %d, want 2", replayed)
	}
	if got := restored.Sheet().GetUserBalance("alice.near", "wrap.near"); got != 100 {
		t.Errorf("alice: got %d, want 100", got)
	}
	if got := restored.Sheet().GetRetained("wrap.near"); got != 30 {
		t.Errorf("retained: got %d, want 30", got)
	}

	dup, err := persistence.NewPostgresDedupChecker(db).IsDuplicate(ctx, "n-1")
	if err != nil || !dup {
		t.Errorf("IsDuplicate: got (%v, %v), want (true, nil)", dup, err)
	}
}

func TestIntegration_RecoverFromSnapshotPlusTail(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())

	persistVia(t, db, func(w *persistence.Worker) {
		router := settlement.NewRouter(nil, ledger.NewBalanceSheet(), w, nil, zerolog.Nop())
		if err := router.CreditDeposit("r1", "alice.near", "wrap.near", 100); err != nil {
			t.Fatal(err)
		}
		if err := sm.Save(ctx, persistence.Capture(router)); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := router.CreditDeposit("r2", "alice.near", "wrap.near", 5); err != nil {
			t.Fatal(err)
		}
	})

	restored := settlement.NewRouter(nil, ledger.NewBalanceSheet(), nil, nil, zerolog.Nop())
	replayed, err := sm.Recover(ctx, restored, 100)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if replayed != 1 {
		t.Errorf("replayed: got %d, want 1", replayed)
	}
	if got := restored.Sheet().GetUserBalance("alice.near", "wrap.near"); got != 105 {
		t.Errorf("alice: got %d, want 105", got)
	}
}
