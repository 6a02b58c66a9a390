package crdt

import (
	"fmt"

	"github.com/quiltdb/quilt/internal/op"
)

// State is the merge state of one CRDT field. Implementations are not
// safe for concurrent use; the engine serializes all writes.
type State interface {
	FieldKind() op.FieldKind

	// Apply integrates one delta. Applying the same delta twice is a
	// no-op, and any application order of a delta set converges.
	Apply(Delta) error

	// Render produces the cached human-readable value used by queries.
	Render() op.Value

	// Marshal serializes the merge state to its canonical blob form.
	Marshal() ([]byte, error)
}

// NewState returns an empty merge state for kind.
func NewState(kind op.FieldKind) (State, error) {
	switch kind {
	case op.FieldCrdtText:
		return NewText(), nil
	case op.FieldCrdtList:
		return NewList(), nil
	case op.FieldCrdtSet:
		return NewSet(), nil
	default:
		return nil, fmt.Errorf("field kind %q is not CRDT-typed", kind)
	}
}

// LoadState rebuilds a merge state from its blob. A nil or empty blob
// yields an empty state.
func LoadState(kind op.FieldKind, blob []byte) (State, error) {
	if len(blob) == 0 {
		return NewState(kind)
	}
	switch kind {
	case op.FieldCrdtText:
		return loadText(blob)
	case op.FieldCrdtList:
		return loadList(blob)
	case op.FieldCrdtSet:
		return loadSet(blob)
	default:
		return nil, fmt.Errorf("field kind %q is not CRDT-typed", kind)
	}
}

// ApplyEncoded decodes a wire delta and applies it to state in one step.
func ApplyEncoded(state State, obj op.Object) error {
	d, err := DecodeDelta(state.FieldKind(), obj)
	if err != nil {
		return err
	}
	return state.Apply(d)
}

func parseStateBlob(blob []byte) (op.Object, error) {
	v, err := op.ParseValue(blob)
	if err != nil {
		return nil, fmt.Errorf("parse state blob: %w", err)
	}
	obj, ok := v.(op.Object)
	if !ok {
		return nil, fmt.Errorf("state blob is %T, want object", v)
	}
	return obj, nil
}
