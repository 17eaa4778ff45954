// Package usdc provides fixed-point parsing and formatting for USDC amounts.
//
// USDC carries 6 decimal places. Every amount in the system is a big.Int in
// the smallest unit (1 USDC = 1,000,000 units); decimal strings appear only
// at API and storage boundaries.
package usdc

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "0.95") to its smallest-unit
// big.Int representation (950000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string parses as zero
//   - Negative amounts are rejected
//   - At most one decimal point
//   - Fractional digits beyond 6 are truncated, fewer are zero-padded
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}

	if len(frac) < Decimals {
		frac += strings.Repeat("0", Decimals-len(frac))
	}
	frac = frac[:Decimals]

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || units.Sign() < 0 {
		return nil, false
	}
	return units, true
}

// MustParse is Parse for trusted inputs (defaults, fixtures). It panics on
// invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("usdc: invalid amount %q", s))
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000"). A nil amount formats as zero.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	cut := len(s) - Decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// IsPositive reports whether the amount is a valid, strictly positive value.
func IsPositive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// ToFloat converts a smallest-unit big.Int to whole USDC as float64, for
// metrics and display only. Never use the result for money arithmetic.
func ToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		big.NewFloat(1e6),
	).Float64()
	return f
}
