package pool_test

import (
	"SwapGate/internal/ledger"
	fpmath "SwapGate/internal/math"
	"SwapGate/internal/pool"
	"errors"
	"math"
	"testing"
)

func seededSimple(t *testing.T) (*pool.Registry, uint64) {
	t.Helper()
	r := pool.NewRegistry()
	id, err := r.AddSimplePool([]ledger.TokenID{"x.near", "y.near"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.AddLiquidity(id, []int64{1000, 1000}, nil); err != nil {
		t.Fatal(err)
	}
	return r, id
}

func TestSwap_ConstantProduct(t *testing.T) {
	r, id := seededSimple(t)

	out, err := r.Swap(id, "x.near", 100, "y.near", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != 90 {
		t.Errorf("out: got %d, want 90", out)
	}

	p, _ := r.Get(id)
	if p.Reserves[0] != 1100 || p.Reserves[1] != 910 {
		t.Errorf("reserves: got %v, want [1100 910]", p.Reserves)
	}
}

func TestSwap_SlippageDoesNotCommit(t *testing.T) {
	r, id := seededSimple(t)

	_, err := r.Swap(id, "x.near", 100, "y.near", 91, nil)
	if !errors.Is(err, pool.ErrSlippage) {
		t.Fatalf("got %v, want ErrSlippage", err)
	}
	p, _ := r.Get(id)
	if p.Reserves[0] != 1000 || p.Reserves[1] != 1000 {
		t.Errorf("reserves changed on failed swap: %v", p.Reserves)
	}
}

func TestSwap_UnknownPoolAndToken(t *testing.T) {
	r, id := seededSimple(t)
	if _, err := r.Swap(99, "x.near", 1, "y.near", 0, nil); !errors.Is(err, pool.ErrPoolNotFound) {
		t.Errorf("got %v, want ErrPoolNotFound", err)
	}
	if _, err := r.Swap(id, "x.near", 1, "z.near", 0, nil); !errors.Is(err, pool.ErrTokenNotInPool) {
		t.Errorf("got %v, want ErrTokenNotInPool", err)
	}
}

func TestSwap_CountsReferrals(t *testing.T) {
	r, id := seededSimple(t)
	ref := ledger.AccountID("ref.near")
	if _, err := r.Swap(id, "x.near", 10, "y.near", 0, &ref); err != nil {
		t.Fatal(err)
	}
	if got := r.Referrals(ref); got != 1 {
		t.Errorf("referrals: got %d, want 1", got)
	}
}

func TestAddLiquidity_Proportional(t *testing.T) {
	r, id := seededSimple(t)

	shares, used, err := r.AddLiquidity(id, []int64{100, 300}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if shares != 100 {
		t.Errorf("shares: got %d, want 100", shares)
	}
	if used[0] != 100 || used[1] != 100 {
		t.Errorf("used: got %v, want [100 100]", used)
	}

	if _, _, err := r.AddLiquidity(id, []int64{100, 300}, []int64{0, 200}); !errors.Is(err, pool.ErrSlippage) {
		t.Errorf("got %v, want ErrSlippage", err)
	}
}

func TestAddStableLiquidity(t *testing.T) {
	r := pool.NewRegistry()
	stable, _ := r.AddStablePool([]ledger.TokenID{"usdt.near", "usdc.near"}, 5)
	simple, _ := r.AddSimplePool([]ledger.TokenID{"x.near", "y.near"}, 30)

	shares, err := r.AddStableLiquidity(stable, []int64{500, 500}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if shares != 1000 {
		t.Errorf("shares: got %d, want 1000", shares)
	}

	if _, err := r.AddStableLiquidity(simple, []int64{1, 1}, 0); !errors.Is(err, pool.ErrNotStablePool) {
		t.Errorf("got %v, want ErrNotStablePool", err)
	}
	if _, err := r.AddStableLiquidity(stable, []int64{1, 1}, 3); !errors.Is(err, pool.ErrSlippage) {
		t.Errorf("got %v, want ErrSlippage", err)
	}

	out, err := r.Swap(stable, "usdt.near", 10_000/100, "usdc.near", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != 99 {
		t.Errorf("stable out: got %d, want 99", out)
	}
}

func TestReserves_RejectOverflow(t *testing.T) {
	r := pool.NewRegistry()
	stable, _ := r.AddStablePool([]ledger.TokenID{"usdt.near", "usdc.near"}, 0)

	if _, err := r.AddStableLiquidity(stable, []int64{math.MaxInt64, 1}, 0); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("share sum: got %v, want ErrOverflow", err)
	}
	if _, err := r.AddStableLiquidity(stable, []int64{math.MaxInt64 - 10, 10}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddStableLiquidity(stable, []int64{1, 0}, 0); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("total shares: got %v, want ErrOverflow", err)
	}
	p, _ := r.Get(stable)
	if p.Reserves[0] != math.MaxInt64-10 || p.TotalShares != math.MaxInt64 {
		t.Errorf("stable pool must not change, got %v / %d", p.Reserves, p.TotalShares)
	}

	simple, _ := r.AddSimplePool([]ledger.TokenID{"x.near", "y.near"}, 0)
	if _, _, err := r.AddLiquidity(simple, []int64{math.MaxInt64 - 5, 1000}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Swap(simple, "x.near", 10, "y.near", 0, nil); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("swap reserve: got %v, want ErrOverflow", err)
	}
	p, _ = r.Get(simple)
	if p.Reserves[0] != math.MaxInt64-5 || p.Reserves[1] != 1000 {
		t.Errorf("reserves must not change, got %v", p.Reserves)
	}
}
