package op

import (
	"fmt"

	"github.com/quiltdb/quilt/internal/hlc"
)

// Kind identifies a payload type on the wire and in storage.
type Kind string

const (
	KindCreateEntity    Kind = "create_entity"
	KindDeleteEntity    Kind = "delete_entity"
	KindSetField        Kind = "set_field"
	KindClearField      Kind = "clear_field"
	KindCrdtDelta       Kind = "crdt_delta"
	KindClearAndAdd     Kind = "clear_and_add"
	KindCreateEdge      Kind = "create_edge"
	KindDeleteEdge      Kind = "delete_edge"
	KindMoveEdge        Kind = "move_edge"
	KindResolveConflict Kind = "resolve_conflict"
)

// FieldKind distinguishes plain (last-writer-wins) fields from CRDT-typed
// (merge-only) fields. The kind is fixed by the first write to a field;
// mixing overwrite and delta-merge semantics on one field is a validation
// error, because an overwrite would silently discard concurrent deltas.
type FieldKind string

const (
	FieldPlain    FieldKind = "plain"
	FieldCrdtText FieldKind = "crdt_text"
	FieldCrdtList FieldKind = "crdt_list"
	FieldCrdtSet  FieldKind = "crdt_set"
)

// IsCrdt reports whether the field kind merges via deltas.
func (k FieldKind) IsCrdt() bool {
	return k == FieldCrdtText || k == FieldCrdtList || k == FieldCrdtSet
}

// Payload is the sealed interface over typed operation payloads.
type Payload interface {
	Kind() Kind
	// body returns the canonical object form used for signing, hashing
	// and storage. Implementations must emit only Value types.
	body() (Object, error)
}

// CreateEntity brings an entity into existence. Writing any field to an
// entity before its creation operation is a hard error.
type CreateEntity struct {
	Entity string
}

func (p CreateEntity) Kind() Kind { return KindCreateEntity }

func (p CreateEntity) body() (Object, error) {
	return Object{"entity": String(p.Entity)}, nil
}

// DeleteEntity removes an entity. The set of edges cascade-deleted with it
// is computed at commit time and recorded here for auditability; deletion
// never cascades to other entities.
//
// When the deletion absorbs the entity into another (a merge), Survivor
// names the surviving entity; queries against the absorbed ID resolve to
// it through the redirect table. Survivors are chosen by a strict total
// order, so redirect chains are acyclic by construction.
type DeleteEntity struct {
	Entity        string
	CascadedEdges []string
	Survivor      string
}

func (p DeleteEntity) Kind() Kind { return KindDeleteEntity }

func (p DeleteEntity) body() (Object, error) {
	edges := make(Array, len(p.CascadedEdges))
	for i, e := range p.CascadedEdges {
		edges[i] = String(e)
	}
	b := Object{"entity": String(p.Entity), "cascaded_edges": edges}
	if p.Survivor != "" {
		b["survivor"] = String(p.Survivor)
	}
	return b, nil
}

// SetField writes a plain (last-writer-wins) field value.
type SetField struct {
	Entity string
	Field  string
	Value  Value
}

func (p SetField) Kind() Kind { return KindSetField }

func (p SetField) body() (Object, error) {
	if p.Value == nil {
		return nil, fmt.Errorf("set_field %s.%s: nil value", p.Entity, p.Field)
	}
	return Object{
		"entity": String(p.Entity),
		"field":  String(p.Field),
		"value":  p.Value,
	}, nil
}

// ClearField removes a plain field value.
type ClearField struct {
	Entity string
	Field  string
}

func (p ClearField) Kind() Kind { return KindClearField }

func (p ClearField) body() (Object, error) {
	return Object{"entity": String(p.Entity), "field": String(p.Field)}, nil
}

// CrdtDelta applies a merge delta to a CRDT-typed field. The delta body is
// interpreted by the crdt package according to FieldKind.
type CrdtDelta struct {
	Entity    string
	Field     string
	FieldKind FieldKind
	Delta     Object
}

func (p CrdtDelta) Kind() Kind { return KindCrdtDelta }

func (p CrdtDelta) body() (Object, error) {
	if !p.FieldKind.IsCrdt() {
		return nil, fmt.Errorf("crdt_delta %s.%s: field kind %q is not a CRDT kind", p.Entity, p.Field, p.FieldKind)
	}
	if p.Delta == nil {
		return nil, fmt.Errorf("crdt_delta %s.%s: nil delta", p.Entity, p.Field)
	}
	return Object{
		"entity":     String(p.Entity),
		"field":      String(p.Field),
		"field_kind": String(p.FieldKind),
		"delta":      p.Delta,
	}, nil
}

// ClearAndAdd resets a set-like CRDT field to exactly Values as of AsOf.
// Adds issued concurrently after AsOf survive the reset; this is what
// distinguishes it from a (forbidden) direct overwrite.
type ClearAndAdd struct {
	Entity string
	Field  string
	Values Array
	AsOf   hlc.HLC
}

func (p ClearAndAdd) Kind() Kind { return KindClearAndAdd }

func (p ClearAndAdd) body() (Object, error) {
	if p.Values == nil {
		p.Values = Array{}
	}
	return Object{
		"entity": String(p.Entity),
		"field":  String(p.Field),
		"values": p.Values,
		"as_of":  String(p.AsOf.String()),
	}, nil
}

// CreateEdge creates an ordered edge From -> To under relationship Rel,
// with a fractional-index Position placing it in the ordered list.
type CreateEdge struct {
	Edge     string
	From     string
	To       string
	Rel      string
	Position string
}

func (p CreateEdge) Kind() Kind { return KindCreateEdge }

func (p CreateEdge) body() (Object, error) {
	return Object{
		"edge":     String(p.Edge),
		"from":     String(p.From),
		"to":       String(p.To),
		"rel":      String(p.Rel),
		"position": String(p.Position),
	}, nil
}

// DeleteEdge removes an edge. A move racing a delete always loses to the
// delete.
type DeleteEdge struct {
	Edge string
}

func (p DeleteEdge) Kind() Kind { return KindDeleteEdge }

func (p DeleteEdge) body() (Object, error) {
	return Object{"edge": String(p.Edge)}, nil
}

// MoveEdge repositions an edge. Concurrent moves of the same edge resolve
// last-writer-wins by HLC.
type MoveEdge struct {
	Edge     string
	Position string
}

func (p MoveEdge) Kind() Kind { return KindMoveEdge }

func (p MoveEdge) body() (Object, error) {
	return Object{"edge": String(p.Edge), "position": String(p.Position)}, nil
}

// ResolveConflict closes an open conflict by choosing one branch tip.
// It is an ordinary operation: immutable, signed by the resolver, and it
// carries the chosen value so the resolution stays interpretable even
// after the losing operations' payloads are garbage-collected.
type ResolveConflict struct {
	Conflict    string
	Entity      string
	Field       string
	ChosenOp    string
	ChosenValue Value
	LosingOps   []string
}

func (p ResolveConflict) Kind() Kind { return KindResolveConflict }

func (p ResolveConflict) body() (Object, error) {
	if p.ChosenValue == nil {
		return nil, fmt.Errorf("resolve_conflict %s: nil chosen value", p.Conflict)
	}
	losing := make(Array, len(p.LosingOps))
	for i, id := range p.LosingOps {
		losing[i] = String(id)
	}
	return Object{
		"conflict":     String(p.Conflict),
		"entity":       String(p.Entity),
		"field":        String(p.Field),
		"chosen_op":    String(p.ChosenOp),
		"chosen_value": p.ChosenValue,
		"losing_ops":   losing,
	}, nil
}

// EncodePayload returns the storage/wire object for a payload:
// {"kind": ..., "body": {...}}.
func EncodePayload(p Payload) (Object, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	b, err := p.body()
	if err != nil {
		return nil, err
	}
	return Object{"kind": String(p.Kind()), "body": b}, nil
}

// DecodePayload parses the object form produced by EncodePayload.
func DecodePayload(obj Object) (Payload, error) {
	kindVal, ok := obj["kind"].(String)
	if !ok {
		return nil, fmt.Errorf("decode payload: missing kind")
	}
	b, ok := obj["body"].(Object)
	if !ok {
		return nil, fmt.Errorf("decode payload: missing body")
	}

	switch Kind(kindVal) {
	case KindCreateEntity:
		return CreateEntity{Entity: str(b, "entity")}, nil
	case KindDeleteEntity:
		return DeleteEntity{
			Entity:        str(b, "entity"),
			CascadedEdges: strSlice(b, "cascaded_edges"),
			Survivor:      str(b, "survivor"),
		}, nil
	case KindSetField:
		return SetField{
			Entity: str(b, "entity"),
			Field:  str(b, "field"),
			Value:  b["value"],
		}, nil
	case KindClearField:
		return ClearField{Entity: str(b, "entity"), Field: str(b, "field")}, nil
	case KindCrdtDelta:
		delta, _ := b["delta"].(Object)
		return CrdtDelta{
			Entity:    str(b, "entity"),
			Field:     str(b, "field"),
			FieldKind: FieldKind(str(b, "field_kind")),
			Delta:     delta,
		}, nil
	case KindClearAndAdd:
		asOf, err := hlc.Parse(str(b, "as_of"))
		if err != nil {
			return nil, fmt.Errorf("decode clear_and_add: %w", err)
		}
		values, _ := b["values"].(Array)
		return ClearAndAdd{
			Entity: str(b, "entity"),
			Field:  str(b, "field"),
			Values: values,
			AsOf:   asOf,
		}, nil
	case KindCreateEdge:
		return CreateEdge{
			Edge:     str(b, "edge"),
			From:     str(b, "from"),
			To:       str(b, "to"),
			Rel:      str(b, "rel"),
			Position: str(b, "position"),
		}, nil
	case KindDeleteEdge:
		return DeleteEdge{Edge: str(b, "edge")}, nil
	case KindMoveEdge:
		return MoveEdge{Edge: str(b, "edge"), Position: str(b, "position")}, nil
	case KindResolveConflict:
		return ResolveConflict{
			Conflict:    str(b, "conflict"),
			Entity:      str(b, "entity"),
			Field:       str(b, "field"),
			ChosenOp:    str(b, "chosen_op"),
			ChosenValue: b["chosen_value"],
			LosingOps:   strSlice(b, "losing_ops"),
		}, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", kindVal)
	}
}

func str(o Object, key string) string {
	s, _ := o[key].(String)
	return string(s)
}

func strSlice(o Object, key string) []string {
	arr, _ := o[key].(Array)
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(String); ok {
			out = append(out, string(s))
		}
	}
	return out
}
