// Package vclock implements per-actor vector clocks over HLCs.
//
// A vector clock maps each known actor to the newest HLC observed from that
// actor. It serves two distinct jobs:
//
//   - causal knowledge: an operation stamped with its author's vector clock
//     records exactly what the author had seen when writing, which is what
//     causal conflict detection compares;
//   - sync deltas: two peers exchange vector clocks to compute which
//     operations the other side lacks.
package vclock

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
)

// VClock maps actor IDs to the newest HLC observed from each.
// The zero-length map means "has seen nothing".
type VClock map[identity.ActorID]hlc.HLC

// New returns an empty vector clock.
func New() VClock {
	return make(VClock)
}

// Observe records that an operation from actor with the given HLC has been
// seen. No-op if an equal or newer HLC is already recorded.
func (vc VClock) Observe(actor identity.ActorID, h hlc.HLC) {
	if cur, ok := vc[actor]; !ok || h.After(cur) {
		vc[actor] = h
	}
}

// Observed reports whether vc has seen the given operation: an HLC from
// actor at least as new as h.
func (vc VClock) Observed(actor identity.ActorID, h hlc.HLC) bool {
	cur, ok := vc[actor]
	return ok && cur.Compare(h) >= 0
}

// Dominates reports whether vc has observed everything other has.
func (vc VClock) Dominates(other VClock) bool {
	for actor, h := range other {
		if cur, ok := vc[actor]; !ok || cur.Before(h) {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither clock dominates the other, i.e. the
// two carry causal knowledge neither side had seen.
func (vc VClock) Concurrent(other VClock) bool {
	return !vc.Dominates(other) && !other.Dominates(vc)
}

// Merge folds other into vc, taking the max HLC per actor.
func (vc VClock) Merge(other VClock) {
	for actor, h := range other {
		vc.Observe(actor, h)
	}
}

// Copy returns an independent copy of vc.
func (vc VClock) Copy() VClock {
	out := make(VClock, len(vc))
	for actor, h := range vc {
		out[actor] = h
	}
	return out
}

// MissingFrom returns, per actor, the HLC after which the remote peer
// (described by remote) lacks operations that vc has seen. Actors the
// remote has never heard of map to the zero HLC, meaning "everything".
func (vc VClock) MissingFrom(remote VClock) map[identity.ActorID]hlc.HLC {
	missing := make(map[identity.ActorID]hlc.HLC)
	for actor, h := range vc {
		rh, ok := remote[actor]
		if !ok {
			missing[actor] = hlc.HLC{}
			continue
		}
		if rh.Before(h) {
			missing[actor] = rh
		}
	}
	return missing
}

// Equal reports whether two clocks record identical knowledge.
func (vc VClock) Equal(other VClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for actor, h := range vc {
		if oh, ok := other[actor]; !ok || oh != h {
			return false
		}
	}
	return true
}

// String renders the clock as "actor@hlc" pairs sorted by actor, for logs
// and diagnostics.
func (vc VClock) String() string {
	actors := make([]string, 0, len(vc))
	for actor := range vc {
		actors = append(actors, string(actor))
	}
	sort.Strings(actors)

	var b strings.Builder
	b.WriteByte('{')
	for i, actor := range actors {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s@%s", identity.ActorID(actor).Short(), vc[identity.ActorID(actor)])
	}
	b.WriteByte('}')
	return b.String()
}
