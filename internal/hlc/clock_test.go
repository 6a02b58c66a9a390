package hlc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_Tick_AdvancesWithWallTime(t *testing.T) {
	c := NewClock()

	h1 := c.Tick(time.UnixMilli(1000))
	assert.Equal(t, int64(1000), h1.Wall)
	assert.Equal(t, uint32(0), h1.Counter)

	h2 := c.Tick(time.UnixMilli(2000))
	assert.Equal(t, int64(2000), h2.Wall)
	assert.Equal(t, uint32(0), h2.Counter, "counter resets when wall time advances")
}

func TestClock_Tick_SameMillisecondIncrementsCounter(t *testing.T) {
	c := NewClock()

	h1 := c.Tick(time.UnixMilli(1000))
	h2 := c.Tick(time.UnixMilli(1000))
	h3 := c.Tick(time.UnixMilli(1000))

	assert.Equal(t, uint32(0), h1.Counter)
	assert.Equal(t, uint32(1), h2.Counter)
	assert.Equal(t, uint32(2), h3.Counter)
}

func TestClock_Tick_StrictlyIncreasing(t *testing.T) {
	c := NewClock()

	var prev HLC
	for i := 0; i < 1000; i++ {
		h := c.Tick(time.UnixMilli(5000))
		assert.True(t, h.After(prev), "tick %d: %s not after %s", i, h, prev)
		prev = h
	}
}

func TestClock_Tick_PhysicalClockRegression(t *testing.T) {
	c := NewClock()

	h1 := c.Tick(time.UnixMilli(5000))
	// Physical clock runs backwards; HLC must not.
	h2 := c.Tick(time.UnixMilli(3000))

	assert.True(t, h2.After(h1), "hlc regressed: %s -> %s", h1, h2)
	assert.Equal(t, int64(5000), h2.Wall, "wall component holds at high-water mark")
}

func TestClock_Receive_MergesRemote(t *testing.T) {
	c := NewClock()
	c.Tick(time.UnixMilli(1000))

	remote := HLC{Wall: 4000, Counter: 7}
	require.NoError(t, c.Receive(time.UnixMilli(1500), remote, DefaultMaxDrift))

	h := c.Tick(time.UnixMilli(1500))
	assert.True(t, h.After(remote), "next local tick must exceed merged remote")
}

func TestClock_Receive_CounterTieBreak(t *testing.T) {
	c := NewClockAt(State{Wall: 4000, Counter: 3})

	require.NoError(t, c.Receive(time.UnixMilli(2000), HLC{Wall: 4000, Counter: 9}, DefaultMaxDrift))

	s := c.State()
	assert.Equal(t, int64(4000), s.Wall)
	assert.Equal(t, uint32(10), s.Counter, "counter takes max then increments on wall tie")
}

func TestClock_Receive_RejectsFutureDrift(t *testing.T) {
	c := NewClockAt(State{Wall: 1000, Counter: 2})
	before := c.State()

	now := time.UnixMilli(1000)
	remote := HLC{Wall: now.UnixMilli() + DefaultMaxDrift.Milliseconds() + 1}

	err := c.Receive(now, remote, DefaultMaxDrift)
	require.Error(t, err)

	var drift *FutureDriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, remote, drift.Remote)

	// Rejection must not mutate local state.
	assert.Equal(t, before, c.State(), "clock state changed after drift rejection")
}

func TestClock_Receive_AcceptsAtDriftBoundary(t *testing.T) {
	c := NewClock()
	now := time.UnixMilli(1000)
	remote := HLC{Wall: now.UnixMilli() + DefaultMaxDrift.Milliseconds()}

	assert.NoError(t, c.Receive(now, remote, DefaultMaxDrift))
}

func TestHLC_CompareMatchesEncodedOrder(t *testing.T) {
	cases := []struct {
		a, b HLC
		want int
	}{
		{HLC{1000, 0}, HLC{1000, 0}, 0},
		{HLC{1000, 0}, HLC{1000, 1}, -1},
		{HLC{1000, 9}, HLC{2000, 0}, -1},
		{HLC{2000, 0}, HLC{1000, 500}, 1},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.a.Compare(tc.b), "%s vs %s", tc.a, tc.b)

		// Hex string form must sort identically.
		sa, sb := tc.a.String(), tc.b.String()
		switch tc.want {
		case -1:
			assert.Less(t, sa, sb)
		case 1:
			assert.Greater(t, sa, sb)
		default:
			assert.Equal(t, sa, sb)
		}
	}
}

func TestHLC_EncodeDecodeRoundTrip(t *testing.T) {
	h := HLC{Wall: 1700000000123, Counter: 42}

	decoded, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	parsed, err := Parse(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestHLC_DecodeRejectsWrongSize(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestIsStale(t *testing.T) {
	now := time.UnixMilli(DefaultStaleThreshold.Milliseconds() + 5000)

	fresh := HLC{Wall: now.UnixMilli() - 1000}
	old := HLC{Wall: 1000}

	assert.False(t, IsStale(fresh, now, DefaultStaleThreshold))
	assert.True(t, IsStale(old, now, DefaultStaleThreshold))
}
