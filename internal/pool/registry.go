// Package pool is an in-memory liquidity book used as the exchange's pool
// collaborator: constant-product pools for simple pairs and 1:1 stable pools.
package pool

import (
	"SwapGate/internal/ledger"
	fpmath "SwapGate/internal/math"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolNotFound   = errors.New("pool not found")
	ErrNotStablePool  = errors.New("not a stable pool")
	ErrTokenNotInPool = errors.New("token not in pool")
	ErrSlippage       = errors.New("slippage limit exceeded")
	ErrZeroOutput     = errors.New("zero output")
)

// Pool is a snapshot of one pool's state
type Pool struct {
	ID          uint64
	Tokens      []ledger.TokenID
	Reserves    []int64
	FeeBps      int64
	Stable      bool
	TotalShares int64
}

func (p *Pool) indexOf(token ledger.TokenID) int {
	for i, t := range p.Tokens {
		if t == token {
			return i
		}
	}
	return -1
}

func (p *Pool) clone() Pool {
	return Pool{
		ID:          p.ID,
		Tokens:      append([]ledger.TokenID(nil), p.Tokens...),
		Reserves:    append([]int64(nil), p.Reserves...),
		FeeBps:      p.FeeBps,
		Stable:      p.Stable,
		TotalShares: p.TotalShares,
	}
}

// Registry holds all pools. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	pools     map[uint64]*Pool
	nextID    uint64
	referrals map[ledger.AccountID]int64 // swaps routed per referrer
}

func NewRegistry() *Registry {
	return &Registry{
		pools:     make(map[uint64]*Pool),
		referrals: make(map[ledger.AccountID]int64),
	}
}

// AddSimplePool creates a two-token constant-product pool
func (r *Registry) AddSimplePool(tokens []ledger.TokenID, feeBps int64) (uint64, error) {
	if len(tokens) != 2 || tokens[0] == tokens[1] {
		return 0, errors.New("simple pool needs two distinct tokens")
	}
	return r.add(tokens, feeBps, false)
}

// AddStablePool creates a pool that trades its tokens 1:1 less the fee
func (r *Registry) AddStablePool(tokens []ledger.TokenID, feeBps int64) (uint64, error) {
	if len(tokens) < 2 {
		return 0, errors.New("stable pool needs at least two tokens")
	}
	return r.add(tokens, feeBps, true)
}

func (r *Registry) add(tokens []ledger.TokenID, feeBps int64, stable bool) (uint64, error) {
	if feeBps < 0 || feeBps >= fpmath.FeeDivisor {
		return 0, fmt.Errorf("fee %d out of range", feeBps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.pools[id] = &Pool{
		ID:       id,
		Tokens:   append([]ledger.TokenID(nil), tokens...),
		Reserves: make([]int64, len(tokens)),
		FeeBps:   feeBps,
		Stable:   stable,
	}
	return id, nil
}

// Get returns a snapshot of a pool
func (r *Registry) Get(poolID uint64) (Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[poolID]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %d", ErrPoolNotFound, poolID)
	}
	return p.clone(), nil
}

// Referrals returns how many swaps a referrer has routed
func (r *Registry) Referrals(referrer ledger.AccountID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.referrals[referrer]
}

func (r *Registry) PoolTokens(poolID uint64) ([]ledger.TokenID, error) {
	p, err := r.Get(poolID)
	if err != nil {
		return nil, err
	}
	return p.Tokens, nil
}

func (r *Registry) Swap(
	poolID uint64,
	tokenIn ledger.TokenID,
	amountIn int64,
	tokenOut ledger.TokenID,
	minAmountOut int64,
	referrer *ledger.AccountID,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[poolID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPoolNotFound, poolID)
	}
	in, out := p.indexOf(tokenIn), p.indexOf(tokenOut)
	if in < 0 || out < 0 || in == out {
		return 0, fmt.Errorf("%w: %s -> %s", ErrTokenNotInPool, tokenIn, tokenOut)
	}

	reserveIn, err := fpmath.Add(p.Reserves[in], amountIn)
	if err != nil {
		return 0, fmt.Errorf("pool %d %s reserve: %w", poolID, tokenIn, err)
	}

	var amountOut int64
	if p.Stable {
		amountOut, err = fpmath.ApplyFee(amountIn, p.FeeBps)
	} else {
		amountOut, err = fpmath.ConstantProductOut(amountIn, p.Reserves[in], p.Reserves[out], p.FeeBps)
	}
	if err != nil {
		return 0, fmt.Errorf("pool %d: %w", poolID, err)
	}
	if amountOut <= 0 {
		return 0, ErrZeroOutput
	}
	if amountOut > p.Reserves[out] {
		return 0, fmt.Errorf("pool %d: insufficient %s reserve", poolID, tokenOut)
	}
	if amountOut < minAmountOut {
		return 0, fmt.Errorf("%w: out=%d min=%d", ErrSlippage, amountOut, minAmountOut)
	}

	p.Reserves[in] = reserveIn
	p.Reserves[out] -= amountOut
	if referrer != nil {
		r.referrals[*referrer]++
	}
	return amountOut, nil
}

func (r *Registry) AddLiquidity(poolID uint64, amounts, minAmounts []int64) (int64, []int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[poolID]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %d", ErrPoolNotFound, poolID)
	}
	if p.Stable {
		return 0, nil, fmt.Errorf("pool %d is stable, use stable liquidity", poolID)
	}
	if len(amounts) != len(p.Tokens) {
		return 0, nil, fmt.Errorf("expected %d amounts, got %d", len(p.Tokens), len(amounts))
	}
	for _, a := range amounts {
		if a <= 0 {
			return 0, nil, errors.New("amounts must be positive")
		}
	}

	used := make([]int64, len(amounts))
	var shares int64
	if p.TotalShares == 0 {
		copy(used, amounts)
		shares = amounts[0]
	} else {
		shares = -1
		for i, a := range amounts {
			s, err := fpmath.MulDiv(a, p.TotalShares, p.Reserves[i], fpmath.RoundDown)
			if err != nil {
				return 0, nil, err
			}
			if shares < 0 || s < shares {
				shares = s
			}
		}
		for i := range amounts {
			u, err := fpmath.MulDiv(shares, p.Reserves[i], p.TotalShares, fpmath.RoundUp)
			if err != nil {
				return 0, nil, err
			}
			used[i] = min(u, amounts[i])
		}
	}
	if shares <= 0 {
		return 0, nil, ErrZeroOutput
	}
	for i := range minAmounts {
		if used[i] < minAmounts[i] {
			return 0, nil, fmt.Errorf("%w: %s used=%d min=%d", ErrSlippage, p.Tokens[i], used[i], minAmounts[i])
		}
	}

	reserves, total, err := grow(p, used, shares)
	if err != nil {
		return 0, nil, fmt.Errorf("pool %d: %w", poolID, err)
	}
	p.Reserves, p.TotalShares = reserves, total
	return shares, used, nil
}

func (r *Registry) AddStableLiquidity(poolID uint64, amounts []int64, minShares int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[poolID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPoolNotFound, poolID)
	}
	if !p.Stable {
		return 0, fmt.Errorf("%w: %d", ErrNotStablePool, poolID)
	}
	if len(amounts) != len(p.Tokens) {
		return 0, fmt.Errorf("expected %d amounts, got %d", len(p.Tokens), len(amounts))
	}

	var shares int64
	for _, a := range amounts {
		if a < 0 {
			return 0, errors.New("amounts must be non-negative")
		}
		sum, err := fpmath.Add(shares, a)
		if err != nil {
			return 0, fmt.Errorf("pool %d shares: %w", poolID, err)
		}
		shares = sum
	}
	if shares <= 0 {
		return 0, ErrZeroOutput
	}
	if shares < minShares {
		return 0, fmt.Errorf("%w: shares=%d min=%d", ErrSlippage, shares, minShares)
	}

	reserves, total, err := grow(p, amounts, shares)
	if err != nil {
		return 0, fmt.Errorf("pool %d: %w", poolID, err)
	}
	p.Reserves, p.TotalShares = reserves, total
	return shares, nil
}

// grow computes reserves and total shares after a deposit without mutating p.
func grow(p *Pool, amounts []int64, shares int64) ([]int64, int64, error) {
	reserves := make([]int64, len(p.Reserves))
	for i, r := range p.Reserves {
		n, err := fpmath.Add(r, amounts[i])
		if err != nil {
			return nil, 0, fmt.Errorf("%s reserve: %w", p.Tokens[i], err)
		}
		reserves[i] = n
	}
	total, err := fpmath.Add(p.TotalShares, shares)
	if err != nil {
		return nil, 0, fmt.Errorf("total shares: %w", err)
	}
	return reserves, total, nil
}
