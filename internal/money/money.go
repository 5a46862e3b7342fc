// Package money provides fixed-point decimal amounts for ledger math.
//
// Amounts travel through the system as strings with up to two fractional
// digits ("100.00") and are parsed into *big.Int minor units (cents) at
// arithmetic boundaries. Floating point is never used for money.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits carried by all amounts.
const Decimals = 2

var ErrInvalidAmount = errors.New("invalid amount")

// Parse converts a decimal string into minor units.
// "1.50" -> 150, "100" -> 10000. Extra fractional digits are rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	// Only digits may remain once the sign is stripped; anything else
	// ("--5", "+1", "1e3") is malformed, not negative or exponential.
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: more than %d decimal places in %q", ErrInvalidAmount, Decimals, s)
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Format renders minor units as a decimal string with two fractional digits.
func Format(v *big.Int) string {
	if v == nil {
		return "0.00"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	cut := len(s) - Decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// IsPositive reports whether the decimal string parses to a value > 0.
func IsPositive(s string) bool {
	v, err := Parse(s)
	return err == nil && v.Sign() > 0
}

// Cmp compares two decimal strings. It returns an error if either fails to parse.
func Cmp(a, b string) (int, error) {
	av, err := Parse(a)
	if err != nil {
		return 0, err
	}
	bv, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return av.Cmp(bv), nil
}

// Add returns a+b as a decimal string.
func Add(a, b string) (string, error) {
	av, err := Parse(a)
	if err != nil {
		return "", err
	}
	bv, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(new(big.Int).Add(av, bv)), nil
}

// Sub returns a-b as a decimal string.
func Sub(a, b string) (string, error) {
	av, err := Parse(a)
	if err != nil {
		return "", err
	}
	bv, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(new(big.Int).Sub(av, bv)), nil
}
