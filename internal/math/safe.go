package math

// Checked int64 arithmetic. Every stored amount passes through these so that
// an overflow aborts the transaction instead of wrapping.

func Add(a, b int64) (int64, error) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, ErrOverflow
	}
	return c, nil
}

func Sub(a, b int64) (int64, error) {
	c := a - b
	if (b > 0 && c > a) || (b < 0 && c < a) {
		return 0, ErrOverflow
	}
	return c, nil
}

func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == minInt64) || (b == -1 && a == minInt64) {
		return 0, ErrOverflow
	}
	c := a * b
	if c/b != a {
		return 0, ErrOverflow
	}
	return c, nil
}

func Neg(a int64) (int64, error) {
	if a == minInt64 {
		return 0, ErrOverflow
	}
	return -a, nil
}

// SubNoNeg subtracts and rejects a negative result.
func SubNoNeg(a, b int64) (int64, error) {
	c, err := Sub(a, b)
	if err != nil {
		return 0, err
	}
	if c < 0 {
		return 0, ErrNegativeResult
	}
	return c, nil
}

// Sum adds all values with overflow checks.
func Sum(values ...int64) (int64, error) {
	var total int64
	for _, v := range values {
		next, err := Add(total, v)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

func Abs(a int64) (int64, error) {
	if a < 0 {
		return Neg(a)
	}
	return a, nil
}
