// Package units provides shared parsing, validation, and overflow-safe
// arithmetic for the integer unit amounts exchanged between cell members.
//
// Amounts are whole, signless "units" of mutual credit — there is no
// external currency peg and no fractional unit. A 64-bit signed integer
// is large enough for any realistic cell or federation of cells, so
// amounts are plain int64 rather than the big.Int/decimal-string
// representation an externally-pegged currency would need.
package units

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// Errors
var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrNotPositive    = errors.New("amount must be greater than zero")
	ErrOverflow       = errors.New("amount arithmetic overflowed int64")
	ErrMalformed      = errors.New("amount is not a valid integer")
)

// Parse converts a decimal integer string (e.g. "1500", "-25") into an
// Amount. Unlike a pegged currency, there are no fractional digits: "1.5"
// is rejected as malformed rather than rounded.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	return v, nil
}

// Format renders an amount as a plain base-10 string.
func Format(amount int64) string {
	return strconv.FormatInt(amount, 10)
}

// RequirePositive returns ErrNotPositive if amount <= 0.
func RequirePositive(amount int64) error {
	if amount <= 0 {
		return ErrNotPositive
	}
	return nil
}

// RequireNonNegative returns ErrNegativeAmount if amount < 0.
func RequireNonNegative(amount int64) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Add returns a+b, or ErrOverflow if the sum would overflow int64.
func Add(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, or ErrOverflow if the difference would overflow int64.
func Sub(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Sum adds all the given amounts, detecting overflow at each step, so
// that a silent int64 wraparound can never mask a real total (such as a
// cell's balance sum, which conservation requires to be zero).
func Sum(amounts ...int64) (int64, error) {
	var total int64
	for _, a := range amounts {
		var err error
		total, err = Add(total, a)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Abs returns the absolute value of amount. Panics if amount is
// math.MinInt64, whose absolute value does not fit in int64 — no
// realistic balance or reserve ever approaches that bound.
func Abs(amount int64) int64 {
	if amount == math.MinInt64 {
		panic("units: Abs of math.MinInt64 overflows int64")
	}
	if amount < 0 {
		return -amount
	}
	return amount
}
