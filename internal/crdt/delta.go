package crdt

import (
	"fmt"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/op"
)

// Delta is one batch of CRDT edits, carried inside a crdt_delta operation
// payload. A delta is applied atomically to a field's merge state.
type Delta interface {
	FieldKind() op.FieldKind

	// Encode serializes the delta for embedding in an operation payload.
	Encode() (op.Object, error)
}

// SeqOp is a single edit in a text or list delta.
type SeqOp struct {
	Insert bool
	ID     ElemID
	After  ElemID    // insert only; Root for head
	Text   string    // text insert only
	Value  op.Value  // list insert only
}

// TextDelta edits a collaborative text field.
type TextDelta struct {
	Ops []SeqOp
}

// FieldKind implements Delta.
func (TextDelta) FieldKind() op.FieldKind { return op.FieldCrdtText }

// Encode implements Delta.
func (d TextDelta) Encode() (op.Object, error) {
	ops := make(op.Array, 0, len(d.Ops))
	for i, o := range d.Ops {
		if !o.ID.Valid() {
			return nil, fmt.Errorf("text delta op %d: invalid id %q", i, o.ID)
		}
		if o.Insert {
			ops = append(ops, op.Object{
				"type":  op.String("insert"),
				"id":    op.String(o.ID),
				"after": op.String(o.After),
				"text":  op.String(o.Text),
			})
		} else {
			ops = append(ops, op.Object{
				"type": op.String("delete"),
				"id":   op.String(o.ID),
			})
		}
	}
	return op.Object{"ops": ops}, nil
}

// ListDelta edits an ordered list of scalar values.
type ListDelta struct {
	Ops []SeqOp
}

// FieldKind implements Delta.
func (ListDelta) FieldKind() op.FieldKind { return op.FieldCrdtList }

// Encode implements Delta.
func (d ListDelta) Encode() (op.Object, error) {
	ops := make(op.Array, 0, len(d.Ops))
	for i, o := range d.Ops {
		if !o.ID.Valid() {
			return nil, fmt.Errorf("list delta op %d: invalid id %q", i, o.ID)
		}
		if o.Insert {
			if o.Value == nil {
				return nil, fmt.Errorf("list delta op %d: missing value", i)
			}
			ops = append(ops, op.Object{
				"type":  op.String("insert"),
				"id":    op.String(o.ID),
				"after": op.String(o.After),
				"value": o.Value,
			})
		} else {
			ops = append(ops, op.Object{
				"type": op.String("delete"),
				"id":   op.String(o.ID),
			})
		}
	}
	return op.Object{"ops": ops}, nil
}

// SetOpType discriminates set delta edits.
type SetOpType string

const (
	SetAdd    SetOpType = "add"
	SetRemove SetOpType = "remove"
	SetClear  SetOpType = "clear"
)

// SetOp is a single edit in a set delta. Add introduces a tagged value;
// Remove retires the add-tags the remover had observed for a value; Clear
// retires every tag at or before AsOf, letting concurrent later adds
// survive.
type SetOp struct {
	Type  SetOpType
	Tag   ElemID   // add only
	Value op.Value // add only
	Tags  []ElemID // remove only
	AsOf  hlc.HLC  // clear only
}

// SetDelta edits an observed-remove set field.
type SetDelta struct {
	Ops []SetOp
}

// FieldKind implements Delta.
func (SetDelta) FieldKind() op.FieldKind { return op.FieldCrdtSet }

// Encode implements Delta.
func (d SetDelta) Encode() (op.Object, error) {
	ops := make(op.Array, 0, len(d.Ops))
	for i, o := range d.Ops {
		switch o.Type {
		case SetAdd:
			if !o.Tag.Valid() {
				return nil, fmt.Errorf("set delta op %d: invalid tag %q", i, o.Tag)
			}
			if o.Value == nil {
				return nil, fmt.Errorf("set delta op %d: missing value", i)
			}
			ops = append(ops, op.Object{
				"type":  op.String("add"),
				"tag":   op.String(o.Tag),
				"value": o.Value,
			})
		case SetRemove:
			tags := make(op.Array, 0, len(o.Tags))
			for _, t := range o.Tags {
				if !t.Valid() {
					return nil, fmt.Errorf("set delta op %d: invalid tag %q", i, t)
				}
				tags = append(tags, op.String(t))
			}
			ops = append(ops, op.Object{
				"type": op.String("remove"),
				"tags": tags,
			})
		case SetClear:
			ops = append(ops, op.Object{
				"type":  op.String("clear"),
				"as_of": op.String(o.AsOf.String()),
			})
		default:
			return nil, fmt.Errorf("set delta op %d: unknown type %q", i, o.Type)
		}
	}
	return op.Object{"ops": ops}, nil
}

// DecodeDelta parses a delta object for the given field kind.
func DecodeDelta(kind op.FieldKind, obj op.Object) (Delta, error) {
	rawOps, ok := obj["ops"].(op.Array)
	if !ok {
		return nil, fmt.Errorf("delta: missing ops array")
	}

	switch kind {
	case op.FieldCrdtText, op.FieldCrdtList:
		ops := make([]SeqOp, 0, len(rawOps))
		for i, raw := range rawOps {
			o, ok := raw.(op.Object)
			if !ok {
				return nil, fmt.Errorf("delta op %d: not an object", i)
			}
			typ, _ := o["type"].(op.String)
			id := ElemID(stringField(o, "id"))
			if !id.Valid() {
				return nil, fmt.Errorf("delta op %d: invalid id %q", i, id)
			}
			switch typ {
			case "insert":
				so := SeqOp{
					Insert: true,
					ID:     id,
					After:  ElemID(stringField(o, "after")),
				}
				if so.After != Root && !so.After.Valid() {
					return nil, fmt.Errorf("delta op %d: invalid parent %q", i, so.After)
				}
				if kind == op.FieldCrdtText {
					so.Text = stringField(o, "text")
				} else {
					so.Value = o["value"]
					if so.Value == nil {
						return nil, fmt.Errorf("delta op %d: missing value", i)
					}
				}
				ops = append(ops, so)
			case "delete":
				ops = append(ops, SeqOp{ID: id})
			default:
				return nil, fmt.Errorf("delta op %d: unknown type %q", i, typ)
			}
		}
		if kind == op.FieldCrdtText {
			return TextDelta{Ops: ops}, nil
		}
		return ListDelta{Ops: ops}, nil

	case op.FieldCrdtSet:
		ops := make([]SetOp, 0, len(rawOps))
		for i, raw := range rawOps {
			o, ok := raw.(op.Object)
			if !ok {
				return nil, fmt.Errorf("set delta op %d: not an object", i)
			}
			typ, _ := o["type"].(op.String)
			switch SetOpType(typ) {
			case SetAdd:
				tag := ElemID(stringField(o, "tag"))
				if !tag.Valid() {
					return nil, fmt.Errorf("set delta op %d: invalid tag %q", i, tag)
				}
				if o["value"] == nil {
					return nil, fmt.Errorf("set delta op %d: missing value", i)
				}
				ops = append(ops, SetOp{Type: SetAdd, Tag: tag, Value: o["value"]})
			case SetRemove:
				rawTags, _ := o["tags"].(op.Array)
				tags := make([]ElemID, 0, len(rawTags))
				for _, rt := range rawTags {
					t, _ := rt.(op.String)
					tag := ElemID(t)
					if !tag.Valid() {
						return nil, fmt.Errorf("set delta op %d: invalid tag %q", i, tag)
					}
					tags = append(tags, tag)
				}
				ops = append(ops, SetOp{Type: SetRemove, Tags: tags})
			case SetClear:
				asOf, err := hlc.Parse(stringField(o, "as_of"))
				if err != nil {
					return nil, fmt.Errorf("set delta op %d: bad as_of: %w", i, err)
				}
				ops = append(ops, SetOp{Type: SetClear, AsOf: asOf})
			default:
				return nil, fmt.Errorf("set delta op %d: unknown type %q", i, typ)
			}
		}
		return SetDelta{Ops: ops}, nil

	default:
		return nil, fmt.Errorf("field kind %q is not CRDT-typed", kind)
	}
}

func stringField(o op.Object, key string) string {
	s, _ := o[key].(op.String)
	return string(s)
}
