// Package crdt implements the merge engine for collaborative fields.
//
// Three field kinds merge automatically and bypass conflict detection:
// collaborative text (crdt_text), ordered lists of scalars (crdt_list),
// and observed-remove sets (crdt_set). Each is a commutative, associative
// replicated structure: applying the same set of deltas in any order
// converges to an identical rendered value on every peer.
//
// Merge state is persisted as an opaque canonical-JSON blob alongside a
// cached rendering used by queries; the blob is the only authoritative
// form. A direct overwrite of a CRDT field is a type error at validation
// time - mixing overwrite and delta-merge semantics would silently discard
// concurrent edits.
package crdt
