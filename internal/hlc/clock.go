package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Default windows for drift rejection and staleness review.
const (
	// DefaultMaxDrift bounds how far in the future a remote HLC may be
	// before it is rejected outright.
	DefaultMaxDrift = 5 * time.Minute

	// DefaultStaleThreshold marks operations older than this for human
	// review. Staleness never affects validity or conflict detection.
	DefaultStaleThreshold = 7 * 24 * time.Hour
)

// State is the mutable clock state for one actor process.
//
// It is an explicit value rather than ambient package state so that tests
// and replay can thread a known state through Tick/Receive.
type State struct {
	Wall    int64
	Counter uint32
}

// Clock issues causally-monotonic HLCs for a single actor.
//
// Thread-safety: all methods are safe for concurrent use. In practice the
// engine's single-writer loop is the only caller of Tick.
type Clock struct {
	mu    sync.Mutex
	state State
}

// NewClock creates a clock starting from the zero state.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a previously observed state.
// Used on startup to resume from the newest HLC in the local oplog, so a
// restart can never reissue an already-used timestamp.
func NewClockAt(s State) *Clock {
	return &Clock{state: s}
}

// State returns a copy of the current clock state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tick stamps a local event and returns a strictly increasing HLC.
//
// If physical time advanced past the recorded wall time, the wall component
// moves forward and the counter resets. Otherwise the counter increments,
// which keeps the clock monotonic even when the physical clock stalls or
// runs backwards.
func (c *Clock) Tick(now time.Time) HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := now.UnixMilli()
	if phys > c.state.Wall {
		c.state.Wall = phys
		c.state.Counter = 0
	} else {
		c.state.Counter++
	}
	return HLC{Wall: c.state.Wall, Counter: c.state.Counter}
}

// Receive folds a remote HLC into local clock state.
//
// The local clock adopts the max of local and remote wall time, incrementing
// the counter on ties so the next Tick is guaranteed to exceed both.
//
// A remote wall time more than maxDrift ahead of now is a hard rejection:
// Receive returns a FutureDriftError and local state is left untouched.
// This is what stops one misconfigured peer from poisoning every clock in
// the workspace.
func (c *Clock) Receive(now time.Time, remote HLC, maxDrift time.Duration) error {
	phys := now.UnixMilli()
	if remote.Wall > phys+maxDrift.Milliseconds() {
		return &FutureDriftError{
			Remote:   remote,
			LocalNow: phys,
			MaxDrift: maxDrift,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case phys > c.state.Wall && phys > remote.Wall:
		c.state.Wall = phys
		c.state.Counter = 0
	case remote.Wall > c.state.Wall:
		c.state.Wall = remote.Wall
		c.state.Counter = remote.Counter + 1
	case remote.Wall == c.state.Wall:
		if remote.Counter > c.state.Counter {
			c.state.Counter = remote.Counter
		}
		c.state.Counter++
	default:
		c.state.Counter++
	}
	return nil
}

// FutureDriftError reports a remote HLC whose wall time exceeds
// local_now + max_drift. The operation carrying it must be rejected and
// resent later; local clock state is unchanged.
type FutureDriftError struct {
	Remote   HLC
	LocalNow int64
	MaxDrift time.Duration
}

func (e *FutureDriftError) Error() string {
	ahead := time.Duration(e.Remote.Wall-e.LocalNow) * time.Millisecond
	return fmt.Sprintf("remote hlc %s is %s ahead of local time (max drift %s)",
		e.Remote, ahead, e.MaxDrift)
}
