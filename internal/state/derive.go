package state

import (
	"io"
	"log/slog"
	"slices"

	"github.com/quiltdb/quilt/internal/crdt"
	"github.com/quiltdb/quilt/internal/op"
)

// Deriver replays operations into derived state.
type Deriver struct {
	logger *slog.Logger
}

// NewDeriver returns a deriver. A nil logger discards skip diagnostics.
func NewDeriver(logger *slog.Logger) *Deriver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deriver{logger: logger}
}

// Derive replays the full operation set. The input is re-sorted into
// canonical order, so callers may pass operations in any order.
// Operations with purged payloads (nil Payload) are skipped; their
// outcome is carried by the resolution record that justified the purge.
func (d *Deriver) Derive(ops []op.Operation) *State {
	sorted := make([]*op.Operation, len(ops))
	for i := range ops {
		sorted[i] = &ops[i]
	}
	slices.SortFunc(sorted, op.Compare)

	st := NewState()
	for _, o := range sorted {
		d.Apply(st, o)
	}
	return st
}

// Apply integrates a single operation. The caller must feed operations in
// canonical order; Derive does this for full replays, the engine does it
// for incremental application.
func (d *Deriver) Apply(st *State, o *op.Operation) {
	if o.Payload == nil {
		return
	}

	switch p := o.Payload.(type) {
	case op.CreateEntity:
		d.applyCreateEntity(st, o, p)
	case op.DeleteEntity:
		d.applyDeleteEntity(st, o, p)
	case op.SetField:
		d.applySetField(st, o, p)
	case op.ClearField:
		d.applyClearField(st, o, p)
	case op.CrdtDelta:
		d.applyCrdtDelta(st, o, p)
	case op.ClearAndAdd:
		d.applyClearAndAdd(st, o, p)
	case op.CreateEdge:
		d.applyCreateEdge(st, o, p)
	case op.DeleteEdge:
		d.applyDeleteEdge(st, p)
	case op.MoveEdge:
		d.applyMoveEdge(st, o, p)
	case op.ResolveConflict:
		d.applyResolveConflict(st, o, p)
	default:
		d.skip(o, "unknown payload type")
	}
}

func (d *Deriver) skip(o *op.Operation, reason string) {
	d.logger.Debug("skipped operation during derivation",
		"op_id", o.ID, "kind", o.Payload.Kind(), "reason", reason)
}

func (d *Deriver) applyCreateEntity(st *State, o *op.Operation, p op.CreateEntity) {
	if _, ok := st.entities[p.Entity]; ok {
		d.skip(o, "entity already exists")
		return
	}
	st.entities[p.Entity] = &Entity{
		ID:        p.Entity,
		CreatedBy: o.ID,
		Actor:     o.Actor,
		HLC:       o.HLC,
	}
}

func (d *Deriver) applyDeleteEntity(st *State, o *op.Operation, p op.DeleteEntity) {
	e, ok := st.entities[p.Entity]
	if !ok || e.Deleted {
		d.skip(o, "entity missing or already deleted")
		return
	}
	e.Deleted = true
	e.DeletedBy = o.ID
	e.CascadedEdges = slices.Clone(p.CascadedEdges)

	// Cascade to the entity's edges, never to other entities.
	for _, edge := range st.edges {
		if edge.From == p.Entity || edge.To == p.Entity {
			edge.Deleted = true
		}
	}

	if p.Survivor != "" && p.Survivor != p.Entity {
		e.Survivor = p.Survivor
		st.redirects[p.Entity] = p.Survivor
	}
}

func (d *Deriver) applySetField(st *State, o *op.Operation, p op.SetField) {
	if !st.Live(p.Entity) {
		d.skip(o, "entity not live")
		return
	}
	ref := FieldRef{Entity: st.Resolve(p.Entity), Key: p.Field}
	if f, ok := st.fields[ref]; ok {
		if f.Kind.IsCrdt() {
			// Overwriting a CRDT field would silently discard concurrent
			// deltas; validation rejects this at the author, the deriver
			// skips it on replay.
			d.skip(o, "overwrite of CRDT field")
			return
		}
		f.Value = p.Value
		f.SourceOp, f.Actor, f.HLC = o.ID, o.Actor, o.HLC
		return
	}
	st.fields[ref] = &Field{
		Entity:   ref.Entity,
		Key:      ref.Key,
		Kind:     op.FieldPlain,
		Value:    p.Value,
		SourceOp: o.ID,
		Actor:    o.Actor,
		HLC:      o.HLC,
	}
}

func (d *Deriver) applyClearField(st *State, o *op.Operation, p op.ClearField) {
	f, ok := st.Field(p.Entity, p.Field)
	if !ok || f.Kind.IsCrdt() {
		d.skip(o, "field missing or CRDT-typed")
		return
	}
	f.Value = nil
	f.SourceOp, f.Actor, f.HLC = o.ID, o.Actor, o.HLC
}

func (d *Deriver) applyCrdtDelta(st *State, o *op.Operation, p op.CrdtDelta) {
	if !st.Live(p.Entity) {
		d.skip(o, "entity not live")
		return
	}
	ref := FieldRef{Entity: st.Resolve(p.Entity), Key: p.Field}
	f, ok := st.fields[ref]
	if !ok {
		merge, err := crdt.NewState(p.FieldKind)
		if err != nil {
			d.skip(o, "bad field kind")
			return
		}
		f = &Field{Entity: ref.Entity, Key: ref.Key, Kind: p.FieldKind, Merge: merge}
		st.fields[ref] = f
	}
	if f.Kind != p.FieldKind {
		d.skip(o, "field kind mismatch")
		return
	}
	if err := crdt.ApplyEncoded(f.Merge, p.Delta); err != nil {
		d.skip(o, "undecodable delta")
		return
	}
	f.SourceOp, f.Actor, f.HLC = o.ID, o.Actor, o.HLC
}

func (d *Deriver) applyClearAndAdd(st *State, o *op.Operation, p op.ClearAndAdd) {
	if !st.Live(p.Entity) {
		d.skip(o, "entity not live")
		return
	}
	ref := FieldRef{Entity: st.Resolve(p.Entity), Key: p.Field}
	f, ok := st.fields[ref]
	if !ok {
		merge, _ := crdt.NewState(op.FieldCrdtSet)
		f = &Field{Entity: ref.Entity, Key: ref.Key, Kind: op.FieldCrdtSet, Merge: merge}
		st.fields[ref] = f
	}
	set, ok := f.Merge.(*crdt.Set)
	if !ok {
		d.skip(o, "clear-and-add on non-set field")
		return
	}

	// Replacement tags derive from the operation itself, so every peer
	// regenerates the same tags.
	gen := crdt.NewIDGen(o.HLC, o.Actor)
	delta := set.ClearAndAdd(gen, p.AsOf, p.Values)
	if err := set.Apply(delta); err != nil {
		d.skip(o, "clear-and-add failed")
		return
	}
	f.SourceOp, f.Actor, f.HLC = o.ID, o.Actor, o.HLC
}

func (d *Deriver) applyCreateEdge(st *State, o *op.Operation, p op.CreateEdge) {
	if _, ok := st.edges[p.Edge]; ok {
		d.skip(o, "edge already exists")
		return
	}
	if !st.Live(p.From) || !st.Live(p.To) {
		d.skip(o, "endpoint not live")
		return
	}
	st.edges[p.Edge] = &Edge{
		ID:       p.Edge,
		From:     st.Resolve(p.From),
		To:       st.Resolve(p.To),
		Rel:      p.Rel,
		Position: p.Position,
		SourceOp: o.ID,
		Actor:    o.Actor,
		HLC:      o.HLC,
	}
}

func (d *Deriver) applyDeleteEdge(st *State, p op.DeleteEdge) {
	if e, ok := st.edges[p.Edge]; ok {
		e.Deleted = true
	}
}

func (d *Deriver) applyMoveEdge(st *State, o *op.Operation, p op.MoveEdge) {
	e, ok := st.edges[p.Edge]
	if !ok || e.Deleted {
		// A move racing a delete always loses to the delete.
		d.skip(o, "edge missing or deleted")
		return
	}
	e.Position = p.Position
	e.SourceOp, e.Actor, e.HLC = o.ID, o.Actor, o.HLC
}

func (d *Deriver) applyResolveConflict(st *State, o *op.Operation, p op.ResolveConflict) {
	if _, done := st.resolved[p.Conflict]; done {
		// Second resolution of a closed conflict: audit artifact only.
		d.skip(o, "conflict already resolved")
		return
	}
	st.resolved[p.Conflict] = o.ID

	f, ok := st.Field(p.Entity, p.Field)
	if !ok || f.Kind.IsCrdt() {
		d.skip(o, "resolved field missing or CRDT-typed")
		return
	}
	f.Value = p.ChosenValue
	f.SourceOp, f.Actor, f.HLC = o.ID, o.Actor, o.HLC
	f.Contested = false
}
