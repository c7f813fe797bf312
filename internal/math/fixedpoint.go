// internal/math/fixedpoint.go
package math

import (
	"FCashLedger/internal/errs"
	"math/big"
	"sync"
)

const (
	// InternalPrecision is the scale of every stored amount (asset cash, fCash, tokens).
	InternalPrecision int64 = 100_000_000
	// RatePrecision is the scale of rates and exchange rates. 1.0 == RatePrecision.
	RatePrecision int64 = 1_000_000_000
	BasisPoint          = RatePrecision / 10_000
	PercentageDecimals  = int64(100)

	maxInt64 = int64(1<<63 - 1)
	minInt64 = -maxInt64 - 1
)

var (
	ErrOverflow       = errs.New(errs.Capacity, "fixed point: int64 overflow")
	ErrDivideByZero   = errs.New(errs.InvalidInput, "fixed point: divide by zero")
	ErrNegativeResult = errs.New(errs.Capacity, "fixed point: negative result")
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	AmountConfig = DecimalConfig{DecimalPrecision: 8, Scale: InternalPrecision}
	RateConfig   = DecimalConfig{DecimalPrecision: 9, Scale: RatePrecision}
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

var bigOne = big.NewInt(1)

// MulDiv computes a * b / denominator with a 128-bit intermediate.
func MulDiv(a, b, denominator int64, mode RoundingMode) (int64, error) {
	if denominator == 0 {
		return 0, ErrDivideByZero
	}
	numerator := getInt128()
	defer putInt128(numerator)
	numerator.Mul(big.NewInt(a), big.NewInt(b))

	denom := getInt128()
	defer putInt128(denom)
	denom.SetInt64(denominator)

	return DivideBig(numerator, denom, mode)
}

// DivideBig divides two big integers and narrows the quotient to int64.
func DivideBig(numerator, denominator *big.Int, mode RoundingMode) (int64, error) {
	if denominator.Sign() == 0 {
		return 0, ErrDivideByZero
	}

	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// QuoRem truncates toward zero
	quotient.QuoRem(numerator, denominator, remainder)

	if remainder.Sign() != 0 {
		negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)
		awayFromZero := false

		switch mode {
		case RoundUp:
			awayFromZero = true
		case RoundHalfEven:
			twice := getInt128()
			absDenom := getInt128()
			twice.Abs(remainder).Lsh(twice, 1)
			absDenom.Abs(denominator)
			cmp := twice.Cmp(absDenom)
			awayFromZero = cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1)
			putInt128(twice)
			putInt128(absDenom)
		}

		if awayFromZero {
			if negative {
				quotient.Sub(quotient, bigOne)
			} else {
				quotient.Add(quotient, bigOne)
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// MulInRatePrecision returns x * y / RatePrecision, truncated.
func MulInRatePrecision(x, y int64) (int64, error) {
	return MulDiv(x, y, RatePrecision, RoundDown)
}

// DivInRatePrecision returns x * RatePrecision / y, truncated.
func DivInRatePrecision(x, y int64) (int64, error) {
	return MulDiv(x, RatePrecision, y, RoundDown)
}

// ProRata returns total * part / whole, truncated. Used for liquidity claims.
func ProRata(total, part, whole int64) (int64, error) {
	return MulDiv(total, part, whole, RoundDown)
}
