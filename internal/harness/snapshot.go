package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/quiltdb/quilt/internal/conflict"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/state"
)

// Result is the outcome of a scenario run: one structural snapshot per
// peer, plus the assertion verdict. Only the structural part is
// serialized for golden comparison - it contains nothing a reader cannot
// derive from the scenario by hand.
type Result struct {
	Scenario string                `json:"scenario"`
	Peers    map[string]*PeerState `json:"peers"`

	Pass   bool     `json:"-"`
	Errors []string `json:"-"`
}

// AddError records one assertion failure.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Golden serializes the structural snapshot for golden comparison.
func (r *Result) Golden() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// PeerState is one peer's final derived state, reduced to structure:
// entity liveness, rendered field values, edge orderings, and the
// conflict ledger. No hashes, timestamps, or generated op IDs.
type PeerState struct {
	Entities  []EntitySnap     `json:"entities,omitempty"`
	Orders    []OrderSnap      `json:"orders,omitempty"`
	Conflicts *ConflictSummary `json:"conflicts,omitempty"`

	state     *state.State
	report    *conflict.Report
	headHash  string
	stateHash string
}

// EntitySnap is one entity's structural view. An absorbed entity shows
// where it resolves to instead of repeating the survivor's fields.
type EntitySnap struct {
	ID         string      `json:"id"`
	Live       bool        `json:"live"`
	ResolvesTo string      `json:"resolves_to,omitempty"`
	Fields     []FieldSnap `json:"fields,omitempty"`
}

// FieldSnap is one rendered field value. A cleared field renders null.
type FieldSnap struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Contested bool            `json:"contested,omitempty"`
}

// OrderSnap is the final live-edge order of one (from, rel) list.
type OrderSnap struct {
	From  string   `json:"from"`
	Rel   string   `json:"rel"`
	Edges []string `json:"edges"`
}

// ConflictSummary is the peer's conflict ledger by status.
type ConflictSummary struct {
	Open     []ConflictSnap `json:"open,omitempty"`
	Resolved []ConflictSnap `json:"resolved,omitempty"`
}

// ConflictSnap identifies a conflict by its field, not its content hash,
// so goldens stay readable.
type ConflictSnap struct {
	Entity      string          `json:"entity"`
	Field       string          `json:"field"`
	Tips        int             `json:"tips"`
	ChosenValue json.RawMessage `json:"chosen_value,omitempty"`
}

func (r *Runner) capture(ctx context.Context, p *Peer) (*PeerState, error) {
	st, err := p.Engine.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	report, err := p.Engine.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := p.Store.CanonicalOpIDs(ctx)
	if err != nil {
		return nil, err
	}
	stateHash, err := st.Hash()
	if err != nil {
		return nil, err
	}

	ps := &PeerState{
		state:     st,
		report:    report,
		headHash:  op.OplogHeadHash(ids),
		stateHash: stateHash,
	}

	for _, id := range st.EntityIDs() {
		snap := EntitySnap{ID: id, Live: st.Live(id)}
		if resolved := st.Resolve(id); resolved != id {
			snap.ResolvesTo = resolved
		} else {
			for _, f := range st.Fields(id) {
				fs := FieldSnap{Key: f.Key, Contested: f.Contested}
				fs.Value, err = renderValue(f.Render())
				if err != nil {
					return nil, fmt.Errorf("entity %s field %s: %w", id, f.Key, err)
				}
				snap.Fields = append(snap.Fields, fs)
			}
		}
		ps.Entities = append(ps.Entities, snap)
	}

	for _, g := range sortedGroups(r.groups) {
		order := OrderSnap{From: g.From, Rel: g.Rel, Edges: []string{}}
		for _, e := range st.OrderedEdges(g.From, g.Rel) {
			order.Edges = append(order.Edges, e.ID)
		}
		ps.Orders = append(ps.Orders, order)
	}

	if len(report.Open) > 0 || len(report.Resolved) > 0 {
		ps.Conflicts = &ConflictSummary{
			Open:     conflictSnaps(report.Open, false),
			Resolved: conflictSnaps(report.Resolved, true),
		}
	}
	return ps, nil
}

func renderValue(v op.Value) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return op.MarshalValue(v)
}

func sortedGroups(groups map[edgeGroup]bool) []edgeGroup {
	out := make([]edgeGroup, 0, len(groups))
	for g := range groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b edgeGroup) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.Rel, b.Rel)
	})
	return out
}

func conflictSnaps(records []*conflict.Record, resolved bool) []ConflictSnap {
	out := make([]ConflictSnap, 0, len(records))
	for _, rec := range records {
		snap := ConflictSnap{Entity: rec.Entity, Field: rec.Field, Tips: len(rec.Tips)}
		if resolved && rec.ChosenValue != nil {
			v, err := op.MarshalValue(rec.ChosenValue)
			if err == nil {
				snap.ChosenValue = v
			}
		}
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b ConflictSnap) int {
		if c := strings.Compare(a.Entity, b.Entity); c != 0 {
			return c
		}
		return strings.Compare(a.Field, b.Field)
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
