package engine

import (
	"context"
	"fmt"

	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/state"
)

// Staging contexts hold bundles that are authored but not yet promoted to
// canonical state. Each context is isolated: a snapshot merges canonical
// state with exactly one context, and contexts never see each other. The
// overlay UI works in a staging context until the user promotes or
// discards it.

// OpenStaging creates an empty staging context.
func (e *Engine) OpenStaging(id string) error {
	e.stagingMu.Lock()
	defer e.stagingMu.Unlock()
	if _, ok := e.staging[id]; ok {
		return fmt.Errorf("staging %s already open", id)
	}
	e.staging[id] = nil
	return nil
}

// Stage stamps and signs one bundle of payloads into a staging context.
// The bundle is validated against canonical state plus the context's
// earlier bundles, but nothing is written to the store: staged operations
// are invisible to other contexts, to peers, and to canonical snapshots.
func (e *Engine) Stage(ctx context.Context, stagingID string, payloads ...op.Payload) (*op.Bundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stagingMu.Lock()
	defer e.stagingMu.Unlock()

	staged, ok := e.staging[stagingID]
	if !ok {
		return nil, fmt.Errorf("staging %s not open", stagingID)
	}

	base, err := e.stagedState(ctx, staged)
	if err != nil {
		return nil, fmt.Errorf("stage into %s: %w", stagingID, err)
	}
	b, err := e.buildBundle(ctx, base, payloads)
	if err != nil {
		return nil, fmt.Errorf("stage into %s: %w", stagingID, err)
	}
	if err := checkBundleQuota(b.ID, len(b.Ops), e.maxBundleOps); err != nil {
		return nil, err
	}
	if err := validateBundle(base, e.logger, b); err != nil {
		return nil, fmt.Errorf("stage into %s: %w", stagingID, err)
	}

	e.staging[stagingID] = append(staged, b)
	return b, nil
}

// SnapshotStaged derives canonical state merged with one staging context.
func (e *Engine) SnapshotStaged(ctx context.Context, stagingID string) (*state.State, error) {
	e.stagingMu.Lock()
	staged, ok := e.staging[stagingID]
	e.stagingMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("staging %s not open", stagingID)
	}

	ops, err := e.readOps(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot staged %s: %w", stagingID, err)
	}
	for _, b := range staged {
		ops = append(ops, b.Ops...)
	}
	return e.materialize(ops)
}

// CommitStaging promotes a staging context: its bundles commit to the
// store in staging order, each atomically, and the context closes.
func (e *Engine) CommitStaging(ctx context.Context, stagingID string) (*ConflictSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stagingMu.Lock()
	staged, ok := e.staging[stagingID]
	if ok {
		delete(e.staging, stagingID)
	}
	e.stagingMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("staging %s not open", stagingID)
	}

	var last *ConflictSet
	for _, b := range staged {
		cs, err := e.applyLocked(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("commit staging %s: %w", stagingID, err)
		}
		last = cs
	}
	if last == nil {
		last = &ConflictSet{}
	}
	e.logger.Info("staging committed", "staging", stagingID, "bundles", len(staged))
	return last, nil
}

// DiscardStaging drops a staging context and everything staged in it.
func (e *Engine) DiscardStaging(id string) {
	e.stagingMu.Lock()
	defer e.stagingMu.Unlock()
	delete(e.staging, id)
}

// stagedState derives canonical state plus the given staged bundles.
func (e *Engine) stagedState(ctx context.Context, staged []*op.Bundle) (*state.State, error) {
	ops, err := e.readOps(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range staged {
		ops = append(ops, b.Ops...)
	}
	return state.NewDeriver(e.logger).Derive(ops), nil
}
