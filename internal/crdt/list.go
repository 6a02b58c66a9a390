package crdt

import (
	"fmt"

	"github.com/quiltdb/quilt/internal/op"
)

// List is the merge state of an ordered list of scalar values.
type List struct {
	seq sequence[op.Value]
}

// NewList returns an empty list state.
func NewList() *List {
	return &List{seq: newSequence[op.Value]()}
}

// FieldKind implements State.
func (*List) FieldKind() op.FieldKind { return op.FieldCrdtList }

// Apply implements State.
func (l *List) Apply(d Delta) error {
	ld, ok := d.(ListDelta)
	if !ok {
		return fmt.Errorf("list state: cannot apply %T", d)
	}
	for _, o := range ld.Ops {
		var err error
		if o.Insert {
			err = l.seq.insert(o.ID, o.After, o.Value)
		} else {
			err = l.seq.remove(o.ID)
		}
		if err != nil {
			return fmt.Errorf("list state: %w", err)
		}
	}
	return nil
}

// Render implements State: live items in converged order.
func (l *List) Render() op.Value {
	liveIDs := l.seq.live()
	out := make(op.Array, 0, len(liveIDs))
	for _, id := range liveIDs {
		out = append(out, l.seq.elems[id].val)
	}
	return out
}

// Marshal implements State.
func (l *List) Marshal() ([]byte, error) {
	obj, err := l.seq.marshal("value", func(v op.Value) op.Value { return v })
	if err != nil {
		return nil, err
	}
	return op.MarshalCanonical(obj)
}

// InsertAt builds the delta for inserting a value at a rendered position
// (0 = head).
func (l *List) InsertAt(gen *IDGen, index int, value op.Value) ListDelta {
	return ListDelta{Ops: []SeqOp{{
		Insert: true,
		ID:     gen.Next(),
		After:  l.seq.idAt(index),
		Value:  value,
	}}}
}

// DeleteAt builds the delta deleting the item at the rendered index
// (0 = head, matching InsertAt).
func (l *List) DeleteAt(index int) ListDelta {
	liveIDs := l.seq.live()
	if index < 0 || index >= len(liveIDs) {
		return ListDelta{}
	}
	return ListDelta{Ops: []SeqOp{{ID: liveIDs[index]}}}
}

func loadList(blob []byte) (*List, error) {
	obj, err := parseStateBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	l := NewList()
	if err := l.seq.load(obj, "value", func(v op.Value) (op.Value, error) {
		if v == nil {
			return nil, fmt.Errorf("missing item payload")
		}
		return v, nil
	}); err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	return l, nil
}
