// Package pos generates lexicographically-sortable position strings for
// ordered edges (fractional indexing).
//
// A position is a base-36 fraction in (0, 1) written with the digits
// 0-9a-z. Between returns the arithmetic midpoint of its neighbors, so
// there is always room to insert; string order equals numeric order, which
// lets derived state ORDER BY position directly.
//
// Positions are regenerated during state derivation and never persisted as
// a separate authoritative structure. Concurrent insertions at the same
// slot can produce equal positions; final order is resolved by
// (position, actor, hlc), never by position alone.
package pos

import (
	"fmt"
	"strings"
)

const digits = "0123456789abcdefghijklmnopqrstuvwxyz"

const base = len(digits)

// Mid is the position used for the first element of an empty list.
const Mid = "i"

// Between returns a position strictly between lo and hi.
// lo == "" means the start of the list; hi == "" means the end.
// Returns an error if lo and hi do not denote a non-empty interval.
func Between(lo, hi string) (string, error) {
	dlo, err := parse(lo)
	if err != nil {
		return "", fmt.Errorf("position lo: %w", err)
	}
	dhi, err := parse(hi)
	if err != nil {
		return "", fmt.Errorf("position hi: %w", err)
	}
	if hi != "" && !lessThan(dlo, dhi) {
		return "", fmt.Errorf("position interval empty: %q >= %q", lo, hi)
	}

	// Sum the two fractions digit-wise, right to left. An empty hi stands
	// for 1.0, carried in whole.
	n := max(len(dlo), len(dhi))
	sum := make([]int, n)
	carry := 0
	for i := n - 1; i >= 0; i-- {
		s := digitAt(dlo, i) + digitAt(dhi, i) + carry
		sum[i] = s % base
		carry = s / base
	}
	whole := carry
	if hi == "" {
		whole++
	}

	// Halve (whole . sum) left to right. The base is even, so the
	// remainder resolves within one extra digit.
	out := make([]byte, 0, n+1)
	r := whole % 2
	for _, d := range sum {
		v := r*base + d
		out = append(out, digits[v/2])
		r = v % 2
	}
	if r == 1 {
		out = append(out, digits[base/2])
	}

	// Trailing zeros are numerically redundant; trimming keeps positions
	// minimal without changing their value.
	res := strings.TrimRight(string(out), "0")
	if res == "" {
		return "", fmt.Errorf("position interval empty: %q >= %q", lo, hi)
	}
	return res, nil
}

// After returns a position after lo, at the end of the list.
func After(lo string) (string, error) {
	return Between(lo, "")
}

// Before returns a position before hi, at the start of the list.
func Before(hi string) (string, error) {
	return Between("", hi)
}

// Valid reports whether s is a well-formed non-empty position.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	_, err := parse(s)
	return err == nil
}

func parse(s string) ([]int, error) {
	out := make([]int, len(s))
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(digits, s[i])
		if d < 0 {
			return nil, fmt.Errorf("invalid digit %q in %q", s[i], s)
		}
		out[i] = d
	}
	return out, nil
}

func digitAt(d []int, i int) int {
	if i < len(d) {
		return d[i]
	}
	return 0
}

// lessThan compares two digit fractions numerically.
func lessThan(a, b []int) bool {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		da, db := digitAt(a, i), digitAt(b, i)
		if da != db {
			return da < db
		}
	}
	return false
}
