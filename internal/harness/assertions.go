package harness

import (
	"slices"

	"github.com/quiltdb/quilt/internal/op"
)

// assertAll evaluates every scenario assertion against the captured
// result, accumulating failures instead of stopping at the first.
func (r *Runner) assertAll(result *Result) {
	for i, a := range r.scenario.Assertions {
		r.assert(result, i, &a)
	}
}

func (r *Runner) assert(result *Result, index int, a *Assertion) {
	if a.Type == AssertConverged {
		r.assertConverged(result, index)
		return
	}
	for _, name := range r.targetPeers(a) {
		ps := result.Peers[name]
		switch a.Type {
		case AssertEntityLive:
			if got := ps.state.Live(a.Entity); got != *a.Live {
				result.AddError("assertions[%d]: peer %s: entity %s live=%v, want %v",
					index, name, a.Entity, got, *a.Live)
			}
		case AssertFieldValue:
			r.assertFieldValue(result, index, name, ps, a)
		case AssertEdgeOrder:
			var got []string
			for _, e := range ps.state.OrderedEdges(a.From, a.Rel) {
				got = append(got, e.ID)
			}
			if !slices.Equal(got, a.Edges) {
				result.AddError("assertions[%d]: peer %s: order of (%s, %s) is %v, want %v",
					index, name, a.From, a.Rel, got, a.Edges)
			}
		case AssertConflictCount:
			got := len(ps.report.Open)
			if a.Status == "resolved" {
				got = len(ps.report.Resolved)
			}
			if got != *a.Count {
				result.AddError("assertions[%d]: peer %s: %d %s conflicts, want %d",
					index, name, got, a.Status, *a.Count)
			}
		}
	}
}

// assertConverged checks that every peer holds the identical canonical
// log and derives the identical state. Comparing both hashes separately
// mirrors the sync digest exchange: equal heads with unequal states
// would be a derivation divergence, which this surfaces distinctly.
func (r *Runner) assertConverged(result *Result, index int) {
	var first string
	var firstPeer string
	for _, name := range r.scenario.Peers {
		ps := result.Peers[name]
		if first == "" {
			first, firstPeer = ps.headHash, name
			continue
		}
		if ps.headHash != first {
			result.AddError("assertions[%d]: peers %s and %s hold different canonical logs",
				index, firstPeer, name)
		}
	}

	var firstState string
	for _, name := range r.scenario.Peers {
		ps := result.Peers[name]
		if firstState == "" {
			firstState = ps.stateHash
			continue
		}
		if ps.stateHash != firstState {
			result.AddError("assertions[%d]: peers %s and %s derive different states from equal logs",
				index, firstPeer, name)
		}
	}
}

func (r *Runner) assertFieldValue(result *Result, index int, peer string, ps *PeerState, a *Assertion) {
	f, ok := ps.state.Field(a.Entity, a.Field)
	if !ok {
		result.AddError("assertions[%d]: peer %s: field %s.%s does not exist",
			index, peer, a.Entity, a.Field)
		return
	}
	want, err := op.FromGo(a.Value)
	if err != nil {
		result.AddError("assertions[%d]: bad expected value: %v", index, err)
		return
	}
	got := f.Render()
	if got == nil || !op.Equal(got, want) {
		gotJSON, _ := renderValue(got)
		wantJSON, _ := op.MarshalValue(want)
		result.AddError("assertions[%d]: peer %s: field %s.%s renders %s, want %s",
			index, peer, a.Entity, a.Field, gotJSON, wantJSON)
	}
}

func (r *Runner) targetPeers(a *Assertion) []string {
	if a.Peer != "" {
		return []string{a.Peer}
	}
	return r.scenario.Peers
}
