// Package store persists the append-only operation log in SQLite.
//
// The log is the single source of truth: operations are written once,
// inside an atomic per-bundle transaction, and never mutated. Garbage
// collection may blank the payload of a resolved conflict's losing
// operations, but the row - its identifier, author, timestamp, and
// position in canonical order - survives forever.
//
// Reads come back in canonical (hlc, op_id) order regardless of the order
// operations arrived; reception order is retained separately for audit.
package store
