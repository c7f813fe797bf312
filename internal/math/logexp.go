package math

import (
	"FCashLedger/internal/errs"
	"math/big"
)

// Natural log and exponential over rate-precision values. The series run on
// big.Int at 1e18 so results are identical on every platform.

var ErrLogDomain = errs.New(errs.InvalidInput, "fixed point: ln of non-positive value")

var (
	wad       = big.NewInt(1_000_000_000_000_000_000)
	twoWad    = new(big.Int).Lsh(wad, 1)
	rateToWad = big.NewInt(1_000_000_000)
	// ln(2) * 1e18
	ln2Wad, _ = new(big.Int).SetString("693147180559945309", 10)
)

// maxExpShift bounds 2^k scaling so the result still fits after narrowing.
const maxExpShift = 64

// Ln returns ln(x / RatePrecision) * RatePrecision.
func Ln(x int64) (int64, error) {
	if x <= 0 {
		return 0, ErrLogDomain
	}

	v := new(big.Int).Mul(big.NewInt(x), rateToWad)

	// Normalize v into [1, 2) so that ln(v) = k*ln2 + ln(m)
	k := int64(0)
	for v.Cmp(twoWad) >= 0 {
		v.Rsh(v, 1)
		k++
	}
	for v.Cmp(wad) < 0 {
		v.Lsh(v, 1)
		k--
	}

	// ln(m) = 2 * atanh(z), z = (m - 1) / (m + 1), z in [0, 1/3)
	z := new(big.Int).Sub(v, wad)
	z.Mul(z, wad)
	z.Quo(z, new(big.Int).Add(v, wad))

	z2 := new(big.Int).Mul(z, z)
	z2.Quo(z2, wad)

	sum := new(big.Int)
	term := new(big.Int).Set(z)
	scratch := new(big.Int)
	for n := int64(1); term.Sign() != 0; n += 2 {
		sum.Add(sum, scratch.Quo(term, big.NewInt(n)))
		term.Mul(term, z2)
		term.Quo(term, wad)
	}
	sum.Lsh(sum, 1)
	sum.Add(sum, new(big.Int).Mul(big.NewInt(k), ln2Wad))

	return DivideBig(sum, rateToWad, RoundHalfEven)
}

// Exp returns e^(x / RatePrecision) * RatePrecision.
func Exp(x int64) (int64, error) {
	v := new(big.Int).Mul(big.NewInt(x), rateToWad)

	// v = k*ln2 + r, |r| < ln2
	k := new(big.Int).Quo(v, ln2Wad)
	if !k.IsInt64() || k.Int64() > maxExpShift {
		return 0, ErrOverflow
	}
	r := new(big.Int).Sub(v, new(big.Int).Mul(k, ln2Wad))

	sum := new(big.Int).Set(wad)
	term := new(big.Int).Set(wad)
	for n := int64(1); ; n++ {
		term.Mul(term, r)
		term.Quo(term, wad)
		term.Quo(term, big.NewInt(n))
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}

	shift := k.Int64()
	if shift >= 0 {
		sum.Lsh(sum, uint(shift))
	} else {
		if shift < -maxExpShift*2 {
			return 0, nil
		}
		sum.Rsh(sum, uint(-shift))
	}

	return DivideBig(sum, rateToWad, RoundHalfEven)
}
