package action

import (
	"SwapGate/internal/ledger"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind discriminates the closed set of actions
type Kind int32

const (
	KindUnknown Kind = iota
	KindSwap
	KindAddLiquidity
	KindAddStableLiquidity
)

func (k Kind) String() string {
	switch k {
	case KindSwap:
		return "Swap"
	case KindAddLiquidity:
		return "AddLiquidity"
	case KindAddStableLiquidity:
		return "AddStableLiquidity"
	default:
		return "Unknown"
	}
}

// Action is one caller-specified operation. The set of implementations is closed.
type Action interface {
	Kind() Kind
	isAction()
}

// Amount is a token quantity. On the wire it is a decimal string, as U128 values
// are; bare JSON numbers are accepted too. Values above the int64 range are
// rejected with ledger.ErrAmountOverflow.
type Amount int64

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(a), 10))
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return fmt.Errorf("invalid amount %s: %w", string(data), ledger.ErrAmountOverflow)
	}
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", string(data), err)
	}
	if n < 0 {
		return fmt.Errorf("invalid amount %s: negative", string(data))
	}
	*a = Amount(n)
	return nil
}

// SwapHop is one pool hop of a swap
type SwapHop struct {
	PoolID       uint64         `json:"pool_id"`
	TokenIn      ledger.TokenID `json:"token_in"`
	AmountIn     *Amount        `json:"amount_in,omitempty"` // nil: take the running result
	TokenOut     ledger.TokenID `json:"token_out"`
	MinAmountOut Amount         `json:"min_amount_out"`
}

type Swap struct {
	Hops       []SwapHop         `json:"hops"`
	ReferralID *ledger.AccountID `json:"referral_id,omitempty"`
}

type AddLiquidity struct {
	PoolID     uint64   `json:"pool_id"`
	Amounts    []Amount `json:"amounts,omitempty"` // nil: take the running balances
	MinAmounts []Amount `json:"min_amounts,omitempty"`
}

type AddStableLiquidity struct {
	PoolID    uint64   `json:"pool_id"`
	Amounts   []Amount `json:"amounts,omitempty"`
	MinShares Amount   `json:"min_shares"`
}

func (*Swap) Kind() Kind               { return KindSwap }
func (*AddLiquidity) Kind() Kind       { return KindAddLiquidity }
func (*AddStableLiquidity) Kind() Kind { return KindAddStableLiquidity }

func (*Swap) isAction()               {}
func (*AddLiquidity) isAction()       {}
func (*AddStableLiquidity) isAction() {}

// List is an ordered action sequence with the externally tagged wire form
// [{"Swap":{...}}, {"AddLiquidity":{...}}].
type List []Action

func (l List) MarshalJSON() ([]byte, error) {
	out := make([]map[string]Action, 0, len(l))
	for i, a := range l {
		if a == nil || a.Kind() == KindUnknown {
			return nil, fmt.Errorf("action %d: unknown kind", i)
		}
		out = append(out, map[string]Action{a.Kind().String(): a})
	}
	return json.Marshal(out)
}

func (l *List) UnmarshalJSON(data []byte) error {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	list := make(List, 0, len(raw))
	for i, tagged := range raw {
		a, err := decodeTagged(tagged)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		list = append(list, a)
	}
	*l = list
	return nil
}

// DecodeAction decodes a single externally tagged action, {"Swap":{...}}.
func DecodeAction(data []byte) (Action, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, err
	}
	return decodeTagged(tagged)
}

func decodeTagged(tagged map[string]json.RawMessage) (Action, error) {
	if len(tagged) != 1 {
		return nil, fmt.Errorf("expected exactly one variant, got %d", len(tagged))
	}

	for tag, body := range tagged {
		var a Action
		switch tag {
		case "Swap":
			a = &Swap{}
		case "AddLiquidity":
			a = &AddLiquidity{}
		case "AddStableLiquidity":
			a = &AddStableLiquidity{}
		default:
			return nil, fmt.Errorf("unknown variant %q", tag)
		}

		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(a); err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		return a, nil
	}
	return nil, nil // unreachable
}
