package math

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// FeeDivisor is the basis-point denominator used by pool fees.
const FeeDivisor int64 = 10_000

// ErrOverflow is returned when a result does not fit in int64.
var ErrOverflow = errors.New("fixed-point overflow")

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// MulDiv computes a * b / c with a 128-bit intermediate.
func MulDiv(a, b, c int64, mode RoundingMode) (int64, error) {
	if c == 0 {
		return 0, errors.New("division by zero")
	}

	num := getInt128()
	defer putInt128(num)
	num.Mul(big.NewInt(a), big.NewInt(b))

	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.QuoRem(num, big.NewInt(c), remainder)
	if mode == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// ConstantProductOut returns the output of an x*y=k swap after a basis-point fee.
// out = in*(D-fee)*rOut / (rIn*D + in*(D-fee))
func ConstantProductOut(amountIn, reserveIn, reserveOut, feeBps int64) (int64, error) {
	if amountIn <= 0 || reserveIn <= 0 || reserveOut <= 0 {
		return 0, errors.New("amounts and reserves must be positive")
	}
	if feeBps < 0 || feeBps >= FeeDivisor {
		return 0, errors.New("fee out of range")
	}

	inWithFee := getInt128()
	defer putInt128(inWithFee)
	inWithFee.Mul(big.NewInt(amountIn), big.NewInt(FeeDivisor-feeBps))

	num := getInt128()
	defer putInt128(num)
	num.Mul(inWithFee, big.NewInt(reserveOut))

	den := getInt128()
	defer putInt128(den)
	den.Mul(big.NewInt(reserveIn), big.NewInt(FeeDivisor))
	den.Add(den, inWithFee)

	num.Quo(num, den)
	if !num.IsInt64() {
		return 0, ErrOverflow
	}
	return num.Int64(), nil
}

// Add returns a+b, or ErrOverflow when the sum leaves the int64 range.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// ApplyFee deducts a basis-point fee, rounding the fee up.
func ApplyFee(amount, feeBps int64) (int64, error) {
	fee, err := MulDiv(amount, feeBps, FeeDivisor, RoundUp)
	if err != nil {
		return 0, err
	}
	return amount - fee, nil
}
