package action

import (
	"SwapGate/internal/gas"
	"SwapGate/internal/ledger"
	fpmath "SwapGate/internal/math"
	"SwapGate/internal/observability"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// ErrActionPreconditionViolated marks any failure of an action: slippage floor
// not met, unknown pool, insufficient virtual balance, exhausted gas.
var ErrActionPreconditionViolated = errors.New("action precondition violated")

// PreconditionError reports which action failed and why.
type PreconditionError struct {
	Index int
	Kind  Kind
	Err   error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("action %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *PreconditionError) Unwrap() []error {
	return []error{ErrActionPreconditionViolated, e.Err}
}

// Pools is the liquidity collaborator. Implementations own all pricing math
// and must not commit a pool change that violates the given minimums.
type Pools interface {
	PoolTokens(poolID uint64) ([]ledger.TokenID, error)
	Swap(poolID uint64, tokenIn ledger.TokenID, amountIn int64, tokenOut ledger.TokenID, minAmountOut int64, referrer *ledger.AccountID) (int64, error)
	AddLiquidity(poolID uint64, amounts, minAmounts []int64) (shares int64, used []int64, err error)
	AddStableLiquidity(poolID uint64, amounts []int64, minShares int64) (int64, error)
}

// Engine applies action sequences to a virtual account.
type Engine struct {
	pools    Pools
	schedule gas.Schedule
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewEngine(pools Pools, schedule gas.Schedule, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		pools:    pools,
		schedule: schedule,
		metrics:  metrics,
		logger:   logger,
	}
}

// Execute runs actions in order, feeding each action the result of the previous one.
// The first failure aborts the sequence; movements already applied to the account
// stay as they are. meter may be nil to skip gas accounting.
func (e *Engine) Execute(
	account *ledger.VirtualAccount,
	meter *gas.Meter,
	referrer *ledger.AccountID,
	actions []Action,
	initial Result,
) (Result, error) {
	result := initial

	for i, a := range actions {
		var err error
		switch act := a.(type) {
		case *Swap:
			result, err = e.executeSwap(account, meter, referrer, act, result)
		case *AddLiquidity:
			result, err = e.executeAddLiquidity(account, meter, act, result)
		case *AddStableLiquidity:
			result, err = e.executeAddStableLiquidity(account, meter, act, result)
		default:
			err = fmt.Errorf("unsupported action %T", a)
		}

		if err != nil {
			kind := KindUnknown
			if a != nil {
				kind = a.Kind()
			}
			if e.metrics != nil {
				e.metrics.ActionFailures.WithLabelValues(kind.String()).Inc()
			}
			return result, &PreconditionError{Index: i, Kind: kind, Err: err}
		}
		if e.metrics != nil {
			e.metrics.ActionsApplied.WithLabelValues(a.Kind().String()).Inc()
		}

		e.logger.Debug().
			Int("index", i).
			Str("action", a.Kind().String()).
			Str("result", result.String()).
			Msg("action applied")
	}

	return result, nil
}

// Inputs lists what an action needs when it is funded from a persistent
// balance instead of a deposit. Amounts must be explicit: a swap needs
// amount_in on its first hop, and every hop with an explicit amount_in is
// funded; liquidity actions need their amounts.
func (e *Engine) Inputs(a Action) ([]ledger.TokenAmount, error) {
	need := make(map[ledger.TokenID]int64)
	add := func(token ledger.TokenID, amount Amount) error {
		sum, err := fpmath.Add(need[token], int64(amount))
		if err != nil {
			return fmt.Errorf("%s: %w", token, ledger.ErrAmountOverflow)
		}
		need[token] = sum
		return nil
	}

	switch act := a.(type) {
	case *Swap:
		if len(act.Hops) == 0 {
			return nil, errors.New("swap has no hops")
		}
		if act.Hops[0].AmountIn == nil {
			return nil, errors.New("first hop needs amount_in")
		}
		for _, hop := range act.Hops {
			if hop.AmountIn == nil {
				continue
			}
			if err := add(hop.TokenIn, *hop.AmountIn); err != nil {
				return nil, err
			}
		}
	case *AddLiquidity:
		if err := e.explicitInputs(act.PoolID, act.Amounts, add); err != nil {
			return nil, err
		}
	case *AddStableLiquidity:
		if err := e.explicitInputs(act.PoolID, act.Amounts, add); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported action %T", a)
	}

	out := make([]ledger.TokenAmount, 0, len(need))
	for token, amount := range need {
		if amount > 0 {
			out = append(out, ledger.TokenAmount{Token: token, Amount: amount})
		}
	}
	if len(out) == 0 {
		return nil, errors.New("action moves no funds")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (e *Engine) explicitInputs(poolID uint64, amounts []Amount, add func(ledger.TokenID, Amount) error) error {
	if amounts == nil {
		return fmt.Errorf("pool %d: amounts are required", poolID)
	}
	tokens, err := e.pools.PoolTokens(poolID)
	if err != nil {
		return fmt.Errorf("pool %d: %w", poolID, err)
	}
	if len(amounts) != len(tokens) {
		return fmt.Errorf("pool %d: expected %d amounts, got %d", poolID, len(tokens), len(amounts))
	}
	for i, t := range tokens {
		if err := add(t, amounts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) charge(meter *gas.Meter) error {
	if meter == nil {
		return nil
	}
	return meter.Charge(e.schedule.ActionGas)
}

func (e *Engine) executeSwap(
	account *ledger.VirtualAccount,
	meter *gas.Meter,
	referrer *ledger.AccountID,
	act *Swap,
	prev Result,
) (Result, error) {
	if len(act.Hops) == 0 {
		return prev, errors.New("swap has no hops")
	}
	if act.ReferralID != nil {
		referrer = act.ReferralID
	}

	result := prev
	for h, hop := range act.Hops {
		if err := e.charge(meter); err != nil {
			return result, fmt.Errorf("hop %d: %w", h, err)
		}

		var amountIn int64
		if hop.AmountIn != nil {
			amountIn = int64(*hop.AmountIn)
		} else {
			n, err := result.amountOf(hop.TokenIn)
			if err != nil {
				return result, fmt.Errorf("hop %d: %w", h, err)
			}
			amountIn = n
		}
		if amountIn <= 0 {
			return result, fmt.Errorf("hop %d: amount in must be positive, got %d", h, amountIn)
		}
		if have := account.Balance(hop.TokenIn); have < amountIn {
			return result, fmt.Errorf("hop %d: %s have=%d, need=%d: %w",
				h, hop.TokenIn, have, amountIn, ledger.ErrInsufficientBalance)
		}

		out, err := e.pools.Swap(hop.PoolID, hop.TokenIn, amountIn, hop.TokenOut, int64(hop.MinAmountOut), referrer)
		if err != nil {
			return result, fmt.Errorf("hop %d pool %d: %w", h, hop.PoolID, err)
		}
		if out < int64(hop.MinAmountOut) {
			return result, fmt.Errorf("hop %d pool %d: out %d below min_amount_out %d",
				h, hop.PoolID, out, hop.MinAmountOut)
		}

		if err := account.Withdraw(hop.TokenIn, amountIn); err != nil {
			return result, err
		}
		if err := account.Deposit(hop.TokenOut, out); err != nil {
			return result, err
		}
		result = AmountResult(out)
	}

	return result, nil
}

// resolveAmounts picks explicit amounts or, when omitted, the running balances
// of the pool's tokens.
func resolveAmounts(tokens []ledger.TokenID, explicit []Amount, prev Result) ([]int64, error) {
	if explicit != nil {
		if len(explicit) != len(tokens) {
			return nil, fmt.Errorf("expected %d amounts, got %d", len(tokens), len(explicit))
		}
		out := make([]int64, len(explicit))
		for i, a := range explicit {
			out[i] = int64(a)
		}
		return out, nil
	}

	balances, ok := prev.Balances()
	if !ok {
		return nil, errors.New("amounts omitted and previous result is a single amount")
	}
	out := make([]int64, len(tokens))
	for i, t := range tokens {
		n, ok := balances[t]
		if !ok {
			return nil, fmt.Errorf("previous result carries no %s", t)
		}
		out[i] = n
	}
	return out, nil
}

func checkFunds(account *ledger.VirtualAccount, tokens []ledger.TokenID, amounts []int64) error {
	for i, t := range tokens {
		if amounts[i] < 0 {
			return fmt.Errorf("negative amount for %s", t)
		}
		if have := account.Balance(t); have < amounts[i] {
			return fmt.Errorf("%s have=%d, need=%d: %w", t, have, amounts[i], ledger.ErrInsufficientBalance)
		}
	}
	return nil
}

func (e *Engine) executeAddLiquidity(
	account *ledger.VirtualAccount,
	meter *gas.Meter,
	act *AddLiquidity,
	prev Result,
) (Result, error) {
	if err := e.charge(meter); err != nil {
		return prev, err
	}

	tokens, err := e.pools.PoolTokens(act.PoolID)
	if err != nil {
		return prev, fmt.Errorf("pool %d: %w", act.PoolID, err)
	}
	amounts, err := resolveAmounts(tokens, act.Amounts, prev)
	if err != nil {
		return prev, fmt.Errorf("pool %d: %w", act.PoolID, err)
	}

	var mins []int64
	if act.MinAmounts != nil {
		if len(act.MinAmounts) != len(tokens) {
			return prev, fmt.Errorf("pool %d: expected %d min_amounts, got %d", act.PoolID, len(tokens), len(act.MinAmounts))
		}
		mins = make([]int64, len(tokens))
		for i, m := range act.MinAmounts {
			mins[i] = int64(m)
		}
	}

	if err := checkFunds(account, tokens, amounts); err != nil {
		return prev, fmt.Errorf("pool %d: %w", act.PoolID, err)
	}

	shares, used, err := e.pools.AddLiquidity(act.PoolID, amounts, mins)
	if err != nil {
		return prev, fmt.Errorf("pool %d: %w", act.PoolID, err)
	}
	if len(used) != len(tokens) {
		return prev, fmt.Errorf("pool %d: pool reported %d used amounts for %d tokens", act.PoolID, len(used), len(tokens))
	}
	for i := range mins {
		if used[i] < mins[i] {
			return prev, fmt.Errorf("pool %d: %s used %d below min_amount %d", act.PoolID, tokens[i], used[i], mins[i])
		}
	}

	outputs := make(map[ledger.TokenID]int64, len(tokens)+1)
	for i, t := range tokens {
		if err := account.Withdraw(t, used[i]); err != nil {
			return prev, err
		}
		if left := amounts[i] - used[i]; left > 0 {
			outputs[t] = left
		}
	}
	shareToken := ledger.ShareToken(act.PoolID)
	if err := account.Deposit(shareToken, shares); err != nil {
		return prev, err
	}
	outputs[shareToken] = shares

	return BalancesResult(outputs), nil
}

func (e *Engine) executeAddStableLiquidity(
	account *ledger.VirtualAccount,
	meter *gas.Meter,
	act *AddStableLiquidity,
	prev Result,
) (Result, error) {
	if err := e.charge(meter); err != nil {
		return prev, err
	}

	tokens, err := e.pools.PoolTokens(act.PoolID)
	if err != nil {
		return prev, fmt.Errorf("stable pool %d: %w", act.PoolID, err)
	}
	amounts, err := resolveAmounts(tokens, act.Amounts, prev)
	if err != nil {
		return prev, fmt.Errorf("stable pool %d: %w", act.PoolID, err)
	}
	if err := checkFunds(account, tokens, amounts); err != nil {
		return prev, fmt.Errorf("stable pool %d: %w", act.PoolID, err)
	}

	shares, err := e.pools.AddStableLiquidity(act.PoolID, amounts, int64(act.MinShares))
	if err != nil {
		return prev, fmt.Errorf("stable pool %d: %w", act.PoolID, err)
	}
	if shares < int64(act.MinShares) {
		return prev, fmt.Errorf("stable pool %d: minted %d below min_shares %d", act.PoolID, shares, act.MinShares)
	}

	for i, t := range tokens {
		if err := account.Withdraw(t, amounts[i]); err != nil {
			return prev, err
		}
	}
	shareToken := ledger.ShareToken(act.PoolID)
	if err := account.Deposit(shareToken, shares); err != nil {
		return prev, err
	}

	return BalancesResult(map[ledger.TokenID]int64{shareToken: shares}), nil
}
