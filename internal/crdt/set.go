package crdt

import (
	"fmt"
	"slices"
	"strings"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/op"
)

// Set is the merge state of an observed-remove set. Every add carries a
// unique tag; a remove retires only the tags its author had observed, so
// a concurrent re-add survives. A clear retires all tags at or before an
// as-of timestamp - adds issued concurrently after that timestamp
// survive the reset, which is exactly the clear-and-add contract.
type Set struct {
	adds    map[ElemID]op.Value
	removed map[ElemID]bool
	clear   hlc.HLC // newest clear observed; zero means none
}

// NewSet returns an empty set state.
func NewSet() *Set {
	return &Set{
		adds:    make(map[ElemID]op.Value),
		removed: make(map[ElemID]bool),
	}
}

// FieldKind implements State.
func (*Set) FieldKind() op.FieldKind { return op.FieldCrdtSet }

// Apply implements State. All three edit types are commutative: adds and
// removes are set unions, clears keep the maximum as-of.
func (s *Set) Apply(d Delta) error {
	sd, ok := d.(SetDelta)
	if !ok {
		return fmt.Errorf("set state: cannot apply %T", d)
	}
	for _, o := range sd.Ops {
		switch o.Type {
		case SetAdd:
			if _, ok := s.adds[o.Tag]; !ok {
				s.adds[o.Tag] = o.Value
			}
		case SetRemove:
			for _, t := range o.Tags {
				s.removed[t] = true
			}
		case SetClear:
			if s.clear.Before(o.AsOf) {
				s.clear = o.AsOf
			}
		default:
			return fmt.Errorf("set state: unknown op type %q", o.Type)
		}
	}
	return nil
}

// liveTags returns the tags that survive removes and clears.
func (s *Set) liveTags() []ElemID {
	out := make([]ElemID, 0, len(s.adds))
	for tag := range s.adds {
		if s.removed[tag] {
			continue
		}
		if !s.clear.IsZero() && !s.clear.Before(tag.HLC()) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// Render implements State: distinct live values sorted by canonical
// bytes.
func (s *Set) Render() op.Value {
	type entry struct {
		key string
		val op.Value
	}
	seen := make(map[string]op.Value)
	for _, tag := range s.liveTags() {
		v := s.adds[tag]
		key, err := op.MarshalCanonical(v)
		if err != nil {
			// Non-canonical values cannot enter via a validated delta.
			continue
		}
		seen[string(key)] = v
	}
	entries := make([]entry, 0, len(seen))
	for k, v := range seen {
		entries = append(entries, entry{key: k, val: v})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return strings.Compare(a.key, b.key)
	})
	out := make(op.Array, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.val)
	}
	return out
}

// ObservedTags returns the live tags currently carrying value v, i.e. the
// tags a remove must name to retire it.
func (s *Set) ObservedTags(v op.Value) []ElemID {
	var out []ElemID
	for _, tag := range s.liveTags() {
		if op.Equal(s.adds[tag], v) {
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return out
}

// Add builds the delta adding v.
func (s *Set) Add(gen *IDGen, v op.Value) SetDelta {
	return SetDelta{Ops: []SetOp{{Type: SetAdd, Tag: gen.Next(), Value: v}}}
}

// Remove builds the delta removing every observed instance of v. An empty
// delta means the value was not present.
func (s *Set) Remove(v op.Value) SetDelta {
	tags := s.ObservedTags(v)
	if len(tags) == 0 {
		return SetDelta{}
	}
	return SetDelta{Ops: []SetOp{{Type: SetRemove, Tags: tags}}}
}

// ClearAndAdd builds the delta resetting the set to values as of asOf.
// The replacement adds are tagged with gen's timestamp, which must be
// after asOf for them to survive their own clear.
func (s *Set) ClearAndAdd(gen *IDGen, asOf hlc.HLC, values []op.Value) SetDelta {
	ops := []SetOp{{Type: SetClear, AsOf: asOf}}
	for _, v := range values {
		ops = append(ops, SetOp{Type: SetAdd, Tag: gen.Next(), Value: v})
	}
	return SetDelta{Ops: ops}
}

// Marshal implements State.
func (s *Set) Marshal() ([]byte, error) {
	adds := make(op.Object, len(s.adds))
	for tag, v := range s.adds {
		adds[string(tag)] = v
	}
	removed := make(op.Object, len(s.removed))
	for tag := range s.removed {
		removed[string(tag)] = op.Bool(true)
	}
	obj := op.Object{"adds": adds, "removed": removed}
	if !s.clear.IsZero() {
		obj["clear"] = op.String(s.clear.String())
	}
	return op.MarshalCanonical(obj)
}

func loadSet(blob []byte) (*Set, error) {
	obj, err := parseStateBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("set state: %w", err)
	}
	s := NewSet()
	if adds, ok := obj["adds"].(op.Object); ok {
		for tag, v := range adds {
			s.adds[ElemID(tag)] = v
		}
	}
	if removed, ok := obj["removed"].(op.Object); ok {
		for tag := range removed {
			s.removed[ElemID(tag)] = true
		}
	}
	if raw, ok := obj["clear"].(op.String); ok {
		h, err := hlc.Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("set state: bad clear timestamp: %w", err)
		}
		s.clear = h
	}
	return s, nil
}
