package crdt

import (
	"fmt"
	"slices"

	"github.com/quiltdb/quilt/internal/op"
)

// sequence is the shared replicated-sequence core behind Text and List.
//
// Every element names the element it was inserted after (Root for the
// head). Rendering walks the tree depth-first with siblings ordered
// newest-ID-first, which makes the rendered order a pure function of the
// element set: any application order of the same deltas converges.
//
// Deletion tombstones live in a separate set so a delete arriving before
// its insert (possible under arbitrary network reordering) still
// commutes.
type sequence[T any] struct {
	elems map[ElemID]seqElem[T]
	dead  map[ElemID]bool
}

type seqElem[T any] struct {
	parent ElemID
	val    T
}

func newSequence[T any]() sequence[T] {
	return sequence[T]{
		elems: make(map[ElemID]seqElem[T]),
		dead:  make(map[ElemID]bool),
	}
}

// insert records an element. Duplicate delivery of the same ID is a no-op;
// the first write wins, which is safe because IDs are never reused.
func (s *sequence[T]) insert(id, after ElemID, val T) error {
	if !id.Valid() {
		return fmt.Errorf("invalid element id %q", id)
	}
	if after != Root && !after.Valid() {
		return fmt.Errorf("invalid parent id %q", after)
	}
	if _, ok := s.elems[id]; ok {
		return nil
	}
	s.elems[id] = seqElem[T]{parent: after, val: val}
	return nil
}

// remove tombstones an element, whether or not it has arrived yet.
func (s *sequence[T]) remove(id ElemID) error {
	if !id.Valid() {
		return fmt.Errorf("invalid element id %q", id)
	}
	s.dead[id] = true
	return nil
}

// ordered returns all element IDs in rendered order, tombstoned elements
// included (callers filter). Elements whose parent never arrived are
// appended after the main tree in ID order so rendering stays total and
// deterministic even on a partially-synced log.
func (s *sequence[T]) ordered() []ElemID {
	children := make(map[ElemID][]ElemID, len(s.elems))
	for id, e := range s.elems {
		children[e.parent] = append(children[e.parent], id)
	}
	for _, sibs := range children {
		slices.Sort(sibs)
		slices.Reverse(sibs)
	}

	out := make([]ElemID, 0, len(s.elems))
	var walk func(ElemID)
	walk = func(parent ElemID) {
		for _, id := range children[parent] {
			out = append(out, id)
			walk(id)
		}
	}
	walk(Root)

	if len(out) < len(s.elems) {
		var orphans []ElemID
		for id, e := range s.elems {
			if e.parent == Root {
				continue
			}
			if _, ok := s.elems[e.parent]; !ok {
				orphans = append(orphans, id)
			}
		}
		slices.Sort(orphans)
		for _, id := range orphans {
			out = append(out, id)
			walk(id)
		}
	}
	return out
}

// live returns the IDs of non-tombstoned elements in rendered order.
func (s *sequence[T]) live() []ElemID {
	all := s.ordered()
	out := all[:0]
	for _, id := range all {
		if !s.dead[id] {
			out = append(out, id)
		}
	}
	return out
}

// idAt returns the live element an insert at rendered index (0 = head)
// lands after, or Root for a head insert. Used when authoring an insert
// relative to a rendered position.
func (s *sequence[T]) idAt(index int) ElemID {
	liveIDs := s.live()
	if index <= 0 || len(liveIDs) == 0 {
		return Root
	}
	if index > len(liveIDs) {
		index = len(liveIDs)
	}
	return liveIDs[index-1]
}

// marshal encodes the sequence state to a canonical object; enc converts
// one element payload to a storable value.
func (s *sequence[T]) marshal(valueKey string, enc func(T) op.Value) (op.Object, error) {
	elems := make(op.Object, len(s.elems))
	for id, e := range s.elems {
		elems[string(id)] = op.Object{
			"parent": op.String(e.parent),
			valueKey: enc(e.val),
		}
	}
	dead := make(op.Object, len(s.dead))
	for id := range s.dead {
		dead[string(id)] = op.Bool(true)
	}
	return op.Object{"elems": elems, "dead": dead}, nil
}

// load rebuilds the sequence from a marshaled object.
func (s *sequence[T]) load(obj op.Object, valueKey string, dec func(op.Value) (T, error)) error {
	elems, ok := obj["elems"].(op.Object)
	if !ok {
		return fmt.Errorf("sequence state: missing elems")
	}
	for id, raw := range elems {
		eobj, ok := raw.(op.Object)
		if !ok {
			return fmt.Errorf("sequence state: element %q is not an object", id)
		}
		parent, _ := eobj["parent"].(op.String)
		val, err := dec(eobj[valueKey])
		if err != nil {
			return fmt.Errorf("sequence state: element %q: %w", id, err)
		}
		s.elems[ElemID(id)] = seqElem[T]{parent: ElemID(parent), val: val}
	}
	if dead, ok := obj["dead"].(op.Object); ok {
		for id := range dead {
			s.dead[ElemID(id)] = true
		}
	}
	return nil
}
