package projection_test

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/pipeline"
	"SwapGate/internal/projection"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// OutcomeHistory
// ============================================================================

func outcome(depositor ledger.AccountID) pipeline.Outcome {
	return pipeline.Outcome{RunID: uuid.New(), Depositor: depositor, State: pipeline.StateSettled}
}

func TestOutcomeHistory_NewestFirst(t *testing.T) {
	h := projection.NewOutcomeHistory(10)
	first := outcome("alice.near")
	second := outcome("alice.near")
	h.Record(first)
	h.Record(outcome("bob.near"))
	h.Record(second)

	got := h.QueryByDepositor("alice.near", 10)
	if len(got) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(got))
	}
	if got[0].RunID != second.RunID || got[1].RunID != first.RunID {
		t.Errorf("order: got %s, %s", got[0].RunID, got[1].RunID)
	}
	if limited := h.QueryByDepositor("alice.near", 1); len(limited) != 1 {
		t.Errorf("limit: got %d, want 1", len(limited))
	}
}

func TestOutcomeHistory_EvictsOldest(t *testing.T) {
	h := projection.NewOutcomeHistory(2)
	a, b, c := outcome("x"), outcome("x"), outcome("x")
	h.Record(a)
	h.Record(b)
	h.Record(c)

	if h.Len() != 2 {
		t.Errorf("len: got %d, want 2", h.Len())
	}
	if _, ok := h.Get(a.RunID); ok {
		t.Error("oldest outcome should be evicted")
	}
	if got, ok := h.Get(c.RunID); !ok || got.RunID != c.RunID {
		t.Error("newest outcome missing")
	}
	if got := h.QueryByDepositor("x", 10); len(got) != 2 || got[0].RunID != c.RunID || got[1].RunID != b.RunID {
		t.Errorf("after wrap: got %v", got)
	}
}

// ============================================================================
// BalanceProjector
// ============================================================================

func TestBalanceProjector_AppliesBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()

	gen := ledger.NewJournalGenerator(ledger.NewBalanceSheet())
	batch, err := gen.GenerateDeposit("r1", "alice.near", "wrap.near", 40, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	alice := ledger.NewUserAccountKey("alice.near", "wrap.near").AccountPath()
	deposits := ledger.NewExternalAccountKey(ledger.ExternalDeposits, "wrap.near").AccountPath()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swapgate.balances")).
		WithArgs(alice, "wrap.near", int64(40)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swapgate.balances")).
		WithArgs(deposits, "wrap.near", int64(-40)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swapgate.projection_watermark")).
		WithArgs(batch.BatchID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := projection.NewBalanceProjector(db, 4, nil, zerolog.Nop())
	p.Append(batch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for mock.ExpectationsWereMet() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("unmet expectations: %v", mock.ExpectationsWereMet())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestBalanceProjector_DropsWhenFull(t *testing.T) {
	p := projection.NewBalanceProjector(nil, 1, nil, zerolog.Nop())
	gen := ledger.NewJournalGenerator(ledger.NewBalanceSheet())
	batch, _ := gen.GenerateDeposit("r1", "alice.near", "wrap.near", 1, time.Now())

	done := make(chan struct{})
	go func() {
		p.Append(batch)
		p.Append(batch) // channel full, must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a full channel")
	}
}

func TestRebuildBalances(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE swapgate.balances")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("FROM swapgate.journal")).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM swapgate.projection_watermark")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := projection.RebuildBalances(context.Background(), db); err != nil {
		t.Fatalf("RebuildBalances: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
