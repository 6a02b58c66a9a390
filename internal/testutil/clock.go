// Package testutil provides deterministic time sources and actor fixtures
// for tests across the module.
package testutil

import (
	"strings"
	"sync"
	"time"

	"github.com/quiltdb/quilt/internal/identity"
)

// FixedNow returns a time source frozen at t. Engines built on it rely on
// the HLC counter alone for ordering, which keeps stamps fully
// deterministic.
func FixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// SteppingNow returns a time source that advances by step on every call,
// starting at start. The first call returns start.
//
// Thread-safe: multiple goroutines drawing from the same source see a
// strictly increasing sequence.
func SteppingNow(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}

// SeededKeypair derives a deterministic actor keypair from a single seed
// byte. The same byte always yields the same actor ID, so golden traces
// and cross-peer assertions stay stable.
func SeededKeypair(seed byte) (*identity.Keypair, error) {
	hex := strings.Repeat(hexByte(seed), 32)
	return identity.FromSeedHex(hex)
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0x0f]})
}
