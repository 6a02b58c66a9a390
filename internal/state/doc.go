// Package state derives current entity/field/edge state by replaying the
// operation log in canonical (hlc, op_id) order.
//
// Derived state owns no independent truth: it is a disposable
// materialization, rebuildable from the log at any time, and two peers
// holding the same operation set derive byte-identical state (verified
// across peers via the state hash).
//
// The deriver is total and silent: an operation that cannot apply against
// the current state (a write to a missing entity, an overwrite of a
// CRDT-typed field) is skipped deterministically, never an error -
// validation of author intent happens in the engine before an operation
// is ever committed.
package state
