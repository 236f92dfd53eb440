package ledger_test

import (
	"SwapGate/internal/ledger"
	"errors"
	"math"
	"testing"
	"time"
)

var ts = time.UnixMicro(1_700_000_000_000_000)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.NewUserAccountKey("alice.near", "usdt.near"), "user:alice.near:usdt.near"},
		{ledger.NewSystemAccountKey(ledger.SystemRetained, "usdt.near"), "system:retained:usdt.near"},
		{ledger.NewExternalAccountKey(ledger.ExternalDeposits, "usdt.near"), "external:deposits:usdt.near"},
	}
	for _, tc := range cases {
		if got := tc.key.AccountPath(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
		back, err := ledger.ParseAccountPath(tc.want)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.want, err)
		}
		if back != tc.key {
			t.Errorf("round trip: got %+v, want %+v", back, tc.key)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, p := range []string{"", "user:alice", "vault:x:y"} {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestShareToken(t *testing.T) {
	token := ledger.ShareToken(7)
	if token != "shares:7" {
		t.Errorf("got %q, want shares:7", token)
	}
	id, ok := ledger.ParseShareToken(token)
	if !ok || id != 7 {
		t.Errorf("parse: got (%d, %v), want (7, true)", id, ok)
	}
	if _, ok := ledger.ParseShareToken("wrap.near"); ok {
		t.Error("wrap.near is not a share token")
	}
}

// ============================================================================
// Test: VirtualAccount
// ============================================================================

func TestVirtualAccount_SentinelIdentity(t *testing.T) {
	va := ledger.NewVirtualAccount()
	if va.ID() != ledger.VirtualAccountID {
		t.Errorf("got %q, want %q", va.ID(), ledger.VirtualAccountID)
	}
	if len(va.Drain()) != 0 {
		t.Error("new account should be empty")
	}
}

func TestVirtualAccount_DepositWithdraw(t *testing.T) {
	va := ledger.NewVirtualAccount()
	if err := va.Deposit("x.near", 100); err != nil {
		t.Fatal(err)
	}
	if err := va.Withdraw("x.near", 40); err != nil {
		t.Fatal(err)
	}
	if got := va.Balance("x.near"); got != 60 {
		t.Errorf("balance: got %d, want 60", got)
	}
}

func TestVirtualAccount_RejectsNegative(t *testing.T) {
	va := ledger.NewVirtualAccount()
	if err := va.Deposit("x.near", -1); err == nil {
		t.Error("negative deposit should fail")
	}
	_ = va.Deposit("x.near", 10)
	err := va.Withdraw("x.near", 11)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := va.Balance("x.near"); got != 10 {
		t.Errorf("failed withdraw must not change balance, got %d", got)
	}
}

func TestVirtualAccount_RejectsOverflow(t *testing.T) {
	va := ledger.NewVirtualAccount()
	if err := va.Deposit("x.near", math.MaxInt64); err != nil {
		t.Fatal(err)
	}
	if err := va.Deposit("x.near", 1); !errors.Is(err, ledger.ErrAmountOverflow) {
		t.Fatalf("got %v, want ErrAmountOverflow", err)
	}
	if got := va.Balance("x.near"); got != math.MaxInt64 {
		t.Errorf("failed deposit must not change balance, got %d", got)
	}
}

func TestVirtualAccount_DrainSkipsZeroAndClears(t *testing.T) {
	va := ledger.NewVirtualAccount()
	_ = va.Deposit("y.near", 5)
	_ = va.Deposit("x.near", 3)
	_ = va.Deposit("z.near", 1)
	_ = va.Withdraw("z.near", 1)

	drained := va.Drain()
	if len(drained) != 2 {
		t.Fatalf("drained %d entries, want 2", len(drained))
	}
	if drained[0].Token != "x.near" || drained[0].Amount != 3 {
		t.Errorf("first: got %+v", drained[0])
	}
	if drained[1].Token != "y.near" || drained[1].Amount != 5 {
		t.Errorf("second: got %+v", drained[1])
	}
	if len(va.Drain()) != 0 {
		t.Error("account should be empty after drain")
	}
}

// ============================================================================
// Test: BalanceSheet + JournalGenerator
// ============================================================================

func TestBalanceSheet_DepositCreditsUser(t *testing.T) {
	sheet := ledger.NewBalanceSheet()
	gen := ledger.NewJournalGenerator(sheet)

	batch, err := gen.GenerateDeposit("d1", "alice.near", "x.near", 100, ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := sheet.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}

	if got := sheet.GetUserBalance("alice.near", "x.near"); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	if err := ledger.NewInvariantValidator(sheet).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}

func TestBalanceSheet_WithdrawalRequiresFunds(t *testing.T) {
	sheet := ledger.NewBalanceSheet()
	gen := ledger.NewJournalGenerator(sheet)

	if _, err := gen.GenerateWithdrawal("w1", "alice.near", "x.near", 1, ts); err == nil {
		t.Fatal("withdrawal from empty account should fail")
	}

	dep, _ := gen.GenerateDeposit("d1", "alice.near", "x.near", 50, ts)
	_ = sheet.ApplyBatch(dep)

	wd, err := gen.GenerateWithdrawal("w1", "alice.near", "x.near", 30, ts)
	if err != nil {
		t.Fatal(err)
	}
	_ = sheet.ApplyBatch(wd)

	refund, _ := gen.GenerateWithdrawalRefund("w1", "alice.near", "x.near", 30, ts)
	_ = sheet.ApplyBatch(refund)

	if got := sheet.GetUserBalance("alice.near", "x.near"); got != 50 {
		t.Errorf("balance after refund: got %d, want 50", got)
	}
}

func TestBalanceSheet_RejectsOverdraw(t *testing.T) {
	sheet := ledger.NewBalanceSheet()
	batch := &ledger.Batch{}
	batch.Journals = []ledger.Journal{{
		BatchID:       batch.BatchID,
		DebitAccount:  ledger.NewExternalAccountKey(ledger.ExternalWithdrawals, "x.near"),
		CreditAccount: ledger.NewUserAccountKey("alice.near", "x.near"),
		Token:         "x.near",
		Amount:        10,
	}}
	if err := sheet.ApplyBatch(batch); err == nil {
		t.Fatal("overdraw should be rejected")
	}
	if err := ledger.NewInvariantValidator(sheet).ValidateUsersNonNegative(); err != nil {
		t.Error(err)
	}
}

func TestBalanceSheet_RejectsOverflow(t *testing.T) {
	sheet := ledger.NewBalanceSheet()
	gen := ledger.NewJournalGenerator(sheet)

	first, _ := gen.GenerateDeposit("d1", "alice.near", "x.near", math.MaxInt64, ts)
	if err := sheet.ApplyBatch(first); err != nil {
		t.Fatal(err)
	}
	second, _ := gen.GenerateDeposit("d2", "alice.near", "x.near", 1, ts)
	if err := sheet.ApplyBatch(second); !errors.Is(err, ledger.ErrAmountOverflow) {
		t.Fatalf("got %v, want ErrAmountOverflow", err)
	}
	if got := sheet.GetUserBalance("alice.near", "x.near"); got != math.MaxInt64 {
		t.Errorf("balance: got %d, want MaxInt64", got)
	}
	if err := ledger.NewInvariantValidator(sheet).ValidateUsersNonNegative(); err != nil {
		t.Error(err)
	}
}

func TestBalanceSheet_RetentionAndShares(t *testing.T) {
	sheet := ledger.NewBalanceSheet()
	gen := ledger.NewJournalGenerator(sheet)

	ret, _ := gen.GenerateRetention("p1", "x.near", 100, ts)
	_ = sheet.ApplyBatch(ret)
	if got := sheet.GetRetained("x.near"); got != 100 {
		t.Errorf("retained: got %d, want 100", got)
	}
	if got := sheet.GetUserBalance("alice.near", "x.near"); got != 0 {
		t.Errorf("user should not be credited, got %d", got)
	}

	if _, err := gen.GenerateShareCredit("p2", "alice.near", "x.near", 5, ts); err == nil {
		t.Error("share credit of a plain token should fail")
	}
	sh, err := gen.GenerateShareCredit("p2", "alice.near", ledger.ShareToken(1), 5, ts)
	if err != nil {
		t.Fatal(err)
	}
	_ = sheet.ApplyBatch(sh)
	balances := sheet.GetUserBalances("alice.near")
	if balances[ledger.ShareToken(1)] != 5 || len(balances) != 1 {
		t.Errorf("user balances: got %v", balances)
	}
}

func TestBatch_Validate(t *testing.T) {
	b := &ledger.Batch{}
	if err := b.Validate(); err == nil {
		t.Error("empty batch should fail")
	}
	key := ledger.NewUserAccountKey("a", "x")
	b.Journals = []ledger.Journal{{DebitAccount: key, CreditAccount: key, Token: "x", Amount: 1}}
	if err := b.Validate(); err == nil {
		t.Error("self transfer should fail")
	}
}

func TestBalanceSheet_SnapshotRestore(t *testing.T) {
	sheet := ledger.NewBalanceSheet()
	gen := ledger.NewJournalGenerator(sheet)
	dep, _ := gen.GenerateDeposit("d1", "alice.near", "x.near", 42, ts)
	_ = sheet.ApplyBatch(dep)

	restored := ledger.NewBalanceSheet()
	restored.Restore(sheet.Snapshot())
	if got := restored.GetUserBalance("alice.near", "x.near"); got != 42 {
		t.Errorf("restored balance: got %d, want 42", got)
	}
}

// ============================================================================
// Test: StateDigest
// ============================================================================

func TestStateDigest(t *testing.T) {
	a := map[string]int64{"user:alice.near:x": 10, "external:deposits:x": -10}
	b := map[string]int64{"external:deposits:x": -10, "user:alice.near:x": 10, "user:bob.near:x": 0}

	if ledger.StateDigest(a, 2) != ledger.StateDigest(b, 2) {
		t.Error("digest should ignore map order and zero balances")
	}
	if ledger.StateDigest(a, 2) == ledger.StateDigest(a, 3) {
		t.Error("digest should cover the journal count")
	}
	a["user:alice.near:x"] = 11
	if ledger.StateDigest(a, 2) == ledger.StateDigest(b, 2) {
		t.Error("digest should cover balances")
	}
}
