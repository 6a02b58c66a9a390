package conflict

import (
	"slices"
	"strings"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
)

// Status is the lifecycle position of a conflict record.
type Status string

const (
	// StatusOpen - unresolved; the field displays its LWW value with a
	// contested flag.
	StatusOpen Status = "open"

	// StatusResolved - an explicit resolution operation was accepted.
	StatusResolved Status = "resolved"

	// StatusReopened - a late-arriving edit was made without causal
	// knowledge of the resolution; the conflict is open again.
	StatusReopened Status = "reopened"
)

// FieldKey addresses one semantic field for conflict purposes. Fields
// unified by a confirmed cross-module mapping share a FieldKey.
type FieldKey struct {
	Entity string
	Field  string
}

// Mapping unifies fields across modules: any write to a mapped key is
// treated as a write to its canonical key.
type Mapping map[FieldKey]FieldKey

// Unify returns the canonical key for k.
func (m Mapping) Unify(k FieldKey) FieldKey {
	if m == nil {
		return k
	}
	if canonical, ok := m[k]; ok {
		return canonical
	}
	return k
}

// BranchTip is the newest value on one causal branch - the only value
// from that branch presented for resolution.
type BranchTip struct {
	OpID  string
	Actor identity.ActorID
	HLC   hlc.HLC
	Value op.Value // nil when the branch's last write was a clear
}

// Record is one conflict with its competing branch tips.
type Record struct {
	// ID is content-derived from (entity, field, tip op IDs), so every
	// peer names the same conflict identically without coordination.
	ID     string
	Entity string
	Field  string
	Status Status

	// Tips holds exactly one entry per causal branch, sorted by op ID.
	// For a resolved record these are the tips at resolution time; after
	// GC purges losing payloads their Values may be nil.
	Tips []BranchTip

	// Actors involved in the conflict. Preserved through GC.
	Actors []identity.ActorID

	// Resolution details, set once Status is StatusResolved.
	ResolvedBy  string // op ID of the accepted resolution
	Resolver    identity.ActorID
	ResolvedAt  hlc.HLC
	ChosenOp    string
	ChosenValue op.Value
	LosingOps   []string
}

// Rejection records a resolution operation that was refused - typically a
// second resolution racing for an already-closed conflict. Kept as an
// audit artifact, never applied.
type Rejection struct {
	OpID     string
	Conflict string
	Actor    identity.ActorID
	Reason   string
}

func sortTips(tips []BranchTip) {
	slices.SortFunc(tips, func(a, b BranchTip) int {
		return strings.Compare(a.OpID, b.OpID)
	})
}

func tipOpIDs(tips []BranchTip) []string {
	out := make([]string, len(tips))
	for i, t := range tips {
		out[i] = t.OpID
	}
	return out
}

func collectActors(tips []BranchTip, extra ...identity.ActorID) []identity.ActorID {
	seen := make(map[identity.ActorID]bool)
	var out []identity.ActorID
	add := func(a identity.ActorID) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, t := range tips {
		add(t.Actor)
	}
	for _, a := range extra {
		add(a)
	}
	slices.Sort(out)
	return out
}
