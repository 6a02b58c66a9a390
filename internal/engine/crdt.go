package engine

import (
	"context"
	"fmt"

	"github.com/quiltdb/quilt/internal/crdt"
	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/state"
)

// CrdtAuthoring builds CRDT payloads against a snapshot of this peer's
// state. Insert anchors resolve against that snapshot, so deltas built
// for one bundle see the field as it was when the context opened.
// Element IDs come from the engine's clock and actor, which keeps them
// unique and peer-attributable without extra coordination.
type CrdtAuthoring struct {
	snap *state.State
	gen  *crdt.IDGen
	asOf hlc.HLC
}

// CrdtAuthoring opens a CRDT authoring context over the current
// snapshot.
func (e *Engine) CrdtAuthoring(ctx context.Context) (*CrdtAuthoring, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("crdt authoring: %w", err)
	}
	cs := e.clock.State()
	h := hlc.HLC{Wall: cs.Wall, Counter: cs.Counter}
	return &CrdtAuthoring{
		snap: snap,
		gen:  crdt.NewIDGen(h, e.kp.ActorID()),
		asOf: h,
	}, nil
}

// TextInsert builds a delta inserting a text run at the rendered run
// index (0 = head) of a collaborative text field.
func (c *CrdtAuthoring) TextInsert(entity, field string, at int, text string) (op.Payload, error) {
	m, err := c.merge(entity, field, op.FieldCrdtText)
	if err != nil {
		return nil, err
	}
	return encodeDelta(entity, field, op.FieldCrdtText,
		m.(*crdt.Text).InsertAt(c.gen, at, text))
}

// ListInsert builds a delta inserting a value at the rendered index
// (0 = head) of an ordered list field.
func (c *CrdtAuthoring) ListInsert(entity, field string, at int, value op.Value) (op.Payload, error) {
	m, err := c.merge(entity, field, op.FieldCrdtList)
	if err != nil {
		return nil, err
	}
	return encodeDelta(entity, field, op.FieldCrdtList,
		m.(*crdt.List).InsertAt(c.gen, at, value))
}

// SetAdd builds a delta adding one value to an observed-remove set field.
func (c *CrdtAuthoring) SetAdd(entity, field string, value op.Value) (op.Payload, error) {
	m, err := c.merge(entity, field, op.FieldCrdtSet)
	if err != nil {
		return nil, err
	}
	return encodeDelta(entity, field, op.FieldCrdtSet,
		m.(*crdt.Set).Add(c.gen, value))
}

// ClearAndAdd builds a reset of a set field to exactly values, as of the
// authoring clock. Adds stamped after that point survive the reset.
func (c *CrdtAuthoring) ClearAndAdd(entity, field string, values op.Array) op.Payload {
	return op.ClearAndAdd{Entity: entity, Field: field, Values: values, AsOf: c.asOf}
}

func (c *CrdtAuthoring) merge(entity, field string, kind op.FieldKind) (crdt.State, error) {
	if f, ok := c.snap.Field(entity, field); ok {
		if f.Kind != kind {
			return nil, &ApplyError{
				Code: ErrCodeFieldKindMismatch,
				Message: fmt.Sprintf("field %s.%s is %s, not %s",
					entity, field, f.Kind, kind),
			}
		}
		return f.Merge, nil
	}
	return crdt.NewState(kind)
}

func encodeDelta(entity, field string, kind op.FieldKind, d crdt.Delta) (op.Payload, error) {
	obj, err := d.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s delta for %s.%s: %w", kind, entity, field, err)
	}
	return op.CrdtDelta{Entity: entity, Field: field, FieldKind: kind, Delta: obj}, nil
}
