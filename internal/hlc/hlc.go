// Package hlc implements the hybrid logical clock used to order operations
// across peers.
//
// An HLC combines physical wall time (milliseconds since epoch) with a
// logical counter. Comparing HLCs is equivalent to comparing their 12-byte
// encodings lexicographically, which is what gives the oplog a total order
// that every peer computes identically.
//
// Key design constraints:
//   - HLCs are monotonic per actor: Tick never returns a value <= the last
//     one, even if the physical clock runs backwards.
//   - Remote HLCs too far in the future are rejected outright and never
//     mutate local clock state (drift poisoning protection).
//   - Staleness is a review flag, never a validity signal.
package hlc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// EncodedSize is the wire size of an HLC: 8 bytes of wall-clock milliseconds
// followed by 4 bytes of logical counter, both big-endian.
const EncodedSize = 12

// HLC is a hybrid logical clock value.
//
// Wall holds milliseconds since the Unix epoch; Counter disambiguates events
// within the same millisecond. The zero HLC sorts before every real value.
type HLC struct {
	Wall    int64
	Counter uint32
}

// Compare returns -1, 0, or 1 as h sorts before, equal to, or after other.
// Equivalent to bytes.Compare of the two encodings.
func (h HLC) Compare(other HLC) int {
	if h.Wall != other.Wall {
		if h.Wall < other.Wall {
			return -1
		}
		return 1
	}
	if h.Counter != other.Counter {
		if h.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether h sorts strictly before other.
func (h HLC) Before(other HLC) bool {
	return h.Compare(other) < 0
}

// After reports whether h sorts strictly after other.
func (h HLC) After(other HLC) bool {
	return h.Compare(other) > 0
}

// IsZero reports whether h is the zero value.
func (h HLC) IsZero() bool {
	return h.Wall == 0 && h.Counter == 0
}

// Encode returns the 12-byte big-endian encoding.
// Lexicographic comparison of encodings matches Compare.
func (h HLC) Encode() []byte {
	buf := make([]byte, EncodedSize)
	binary.BigEndian.PutUint64(buf[:8], uint64(h.Wall))
	binary.BigEndian.PutUint32(buf[8:], h.Counter)
	return buf
}

// Decode parses a 12-byte encoding produced by Encode.
func Decode(data []byte) (HLC, error) {
	if len(data) != EncodedSize {
		return HLC{}, fmt.Errorf("decode hlc: want %d bytes, got %d", EncodedSize, len(data))
	}
	return HLC{
		Wall:    int64(binary.BigEndian.Uint64(data[:8])),
		Counter: binary.BigEndian.Uint32(data[8:]),
	}, nil
}

// String returns the fixed-width hex form of the encoding.
//
// The string sorts the same way the HLC does, so it is safe to store in a
// TEXT column and ORDER BY it directly.
func (h HLC) String() string {
	return hex.EncodeToString(h.Encode())
}

// Parse decodes the fixed-width hex form produced by String.
func Parse(s string) (HLC, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return HLC{}, fmt.Errorf("parse hlc %q: %w", s, err)
	}
	return Decode(raw)
}

// Time returns the wall-clock component as a time.Time.
func (h HLC) Time() time.Time {
	return time.UnixMilli(h.Wall)
}

// Max returns the later of a and b.
func Max(a, b HLC) HLC {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// IsStale reports whether h is older than threshold relative to now.
//
// Stale operations are still valid and still applied to canonical state;
// the flag only marks them for human review in query results.
func IsStale(h HLC, now time.Time, threshold time.Duration) bool {
	return now.UnixMilli()-h.Wall > threshold.Milliseconds()
}
