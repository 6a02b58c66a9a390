package engine

import (
	"fmt"
	"log/slog"

	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/pos"
	"github.com/quiltdb/quilt/internal/state"
)

// validateBundle checks a bundle's semantics against a derived snapshot.
//
// Validation is progressive: each operation is checked against the
// snapshot as mutated by the bundle's earlier operations, so a bundle may
// create an entity and write its fields in one atomic unit.
//
// The deriver itself skips invalid remote operations silently - replicas
// must converge on whatever the log contains. Authoring is the one place
// where invalid operations are refused with errors instead, before they
// ever enter the log.
func validateBundle(base *state.State, logger *slog.Logger, b *op.Bundle) error {
	work, err := base.Clone()
	if err != nil {
		return err
	}
	deriver := state.NewDeriver(logger)
	for i := range b.Ops {
		o := &b.Ops[i]
		if err := validateOp(work, o); err != nil {
			return err
		}
		deriver.Apply(work, o)
	}
	return nil
}

func validateOp(st *state.State, o *op.Operation) error {
	switch p := o.Payload.(type) {
	case op.CreateEntity:
		if st.Live(p.Entity) {
			return &ApplyError{
				Code: ErrCodeEntityExists, OpID: o.ID,
				Message: fmt.Sprintf("entity %s already exists", p.Entity),
			}
		}

	case op.DeleteEntity:
		if !st.Live(p.Entity) {
			return missingEntity(o.ID, p.Entity)
		}
		if p.Survivor != "" && !st.Live(p.Survivor) {
			return missingEntity(o.ID, p.Survivor)
		}

	case op.SetField:
		if !st.Live(p.Entity) {
			return missingEntity(o.ID, p.Entity)
		}
		if f, ok := st.Field(p.Entity, p.Field); ok && f.Kind.IsCrdt() {
			return &ApplyError{
				Code: ErrCodeFieldKindMismatch, OpID: o.ID,
				Message: fmt.Sprintf("field %s.%s is %s; overwrites would discard concurrent deltas", p.Entity, p.Field, f.Kind),
			}
		}

	case op.ClearField:
		if !st.Live(p.Entity) {
			return missingEntity(o.ID, p.Entity)
		}
		if f, ok := st.Field(p.Entity, p.Field); ok && f.Kind.IsCrdt() {
			return &ApplyError{
				Code: ErrCodeFieldKindMismatch, OpID: o.ID,
				Message: fmt.Sprintf("field %s.%s is %s; clear it with a delta", p.Entity, p.Field, f.Kind),
			}
		}

	case op.CrdtDelta:
		if !st.Live(p.Entity) {
			return missingEntity(o.ID, p.Entity)
		}
		if !p.FieldKind.IsCrdt() {
			return &ApplyError{
				Code: ErrCodeFieldKindMismatch, OpID: o.ID,
				Message: fmt.Sprintf("field kind %q is not a CRDT kind", p.FieldKind),
			}
		}
		if f, ok := st.Field(p.Entity, p.Field); ok && f.Kind != p.FieldKind {
			return &ApplyError{
				Code: ErrCodeFieldKindMismatch, OpID: o.ID,
				Message: fmt.Sprintf("field %s.%s is %s, delta says %s", p.Entity, p.Field, f.Kind, p.FieldKind),
			}
		}

	case op.ClearAndAdd:
		if !st.Live(p.Entity) {
			return missingEntity(o.ID, p.Entity)
		}
		if f, ok := st.Field(p.Entity, p.Field); ok && f.Kind != op.FieldCrdtSet {
			return &ApplyError{
				Code: ErrCodeFieldKindMismatch, OpID: o.ID,
				Message: fmt.Sprintf("field %s.%s is %s, clear-and-add needs %s", p.Entity, p.Field, f.Kind, op.FieldCrdtSet),
			}
		}

	case op.CreateEdge:
		if !st.Live(p.From) {
			return missingEntity(o.ID, p.From)
		}
		if !st.Live(p.To) {
			return missingEntity(o.ID, p.To)
		}
		if err := requireValidPosition(o.ID, p.Position); err != nil {
			return err
		}

	case op.DeleteEdge:
		if err := requireLiveEdge(st, o.ID, p.Edge); err != nil {
			return err
		}

	case op.MoveEdge:
		if err := requireLiveEdge(st, o.ID, p.Edge); err != nil {
			return err
		}
		if err := requireValidPosition(o.ID, p.Position); err != nil {
			return err
		}

	case op.ResolveConflict:
		if _, ok := st.ResolutionOf(p.Conflict); ok {
			return &ApplyError{
				Code: ErrCodeConflictClosed, OpID: o.ID,
				Message: fmt.Sprintf("conflict %s already resolved", p.Conflict),
			}
		}
	}
	return nil
}

func missingEntity(opID, entity string) *ApplyError {
	return &ApplyError{
		Code: ErrCodeEntityMissing, OpID: opID,
		Message: fmt.Sprintf("entity %s does not exist or is deleted", entity),
	}
}

func requireValidPosition(opID, position string) *ApplyError {
	if pos.Valid(position) {
		return nil
	}
	return &ApplyError{
		Code: ErrCodePositionInvalid, OpID: opID,
		Message: fmt.Sprintf("position %q is not a sortable fraction", position),
	}
}

func requireLiveEdge(st *state.State, opID, edge string) *ApplyError {
	e, ok := st.Edge(edge)
	if !ok || e.Deleted {
		return &ApplyError{
			Code: ErrCodeEdgeMissing, OpID: opID,
			Message: fmt.Sprintf("edge %s does not exist or is deleted", edge),
		}
	}
	return nil
}
