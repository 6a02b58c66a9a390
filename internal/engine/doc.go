// Package engine is the peer's write path and query surface.
//
// All local authoring funnels through a single-writer commit section:
// stamp HLCs, attach the causal context, sign, validate against a derived
// snapshot, and append the bundle atomically. Background replication runs
// concurrently and never blocks local writes; the engine's maintenance
// loop (conflict rescans, garbage collection) consumes a task queue so
// those jobs also never contend with authoring.
//
// Derived state is disposable: every snapshot is rebuilt from the log, and
// staging contexts overlay un-promoted bundles on a clone of canonical
// state, never on canonical state itself.
package engine
