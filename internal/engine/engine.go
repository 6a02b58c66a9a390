package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quiltdb/quilt/internal/conflict"
	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/pos"
	"github.com/quiltdb/quilt/internal/state"
	"github.com/quiltdb/quilt/internal/store"
)

// Engine is one peer's write path over the operation log.
//
// Thread-safety model:
//   - Apply/Author/Stage/Commit: safe from any goroutine; serialized by
//     the internal commit lock (single-writer authoring).
//   - Snapshot/Conflicts: safe from any goroutine; read-only.
//   - Run: must be called from exactly one goroutine; processes the
//     maintenance task queue.
//
// Local commits are optimistic: they apply immediately and are visible to
// their author before any network exchange. Replication happens elsewhere
// (the sync package) and never blocks this path.
type Engine struct {
	store   *store.Store
	kp      *identity.Keypair
	clock   *hlc.Clock
	idgen   IDGenerator
	logger  *slog.Logger
	mapping conflict.Mapping
	now     func() time.Time

	maxBundleOps int
	maxDrift     time.Duration

	// mu is the single-writer commit section: stamp, sign, validate,
	// append. Readers never take it.
	mu sync.Mutex

	stagingMu sync.Mutex
	staging   map[string][]*op.Bundle

	queue *taskQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDGenerator sets the op/bundle ID source. Default is UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.idgen = g }
}

// WithMapping sets the cross-module field mapping used by conflict
// detection.
func WithMapping(m conflict.Mapping) Option {
	return func(e *Engine) { e.mapping = m }
}

// WithMaxBundleOps sets the per-bundle operation cap.
func WithMaxBundleOps(n int) Option {
	return func(e *Engine) { e.maxBundleOps = n }
}

// WithNow sets the physical time source, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxDrift sets the future-drift window the clock accepts when
// folding stored timestamps back in at authoring time. It must be at
// least as wide as the window the sync ingest pipeline runs with, or an
// operation accepted from a peer could block local authoring forever.
func WithMaxDrift(d time.Duration) Option {
	return func(e *Engine) { e.maxDrift = d }
}

// New opens an engine over a store and keypair.
//
// Recovery: the HLC resumes from the newest timestamp in the local oplog,
// so a restarted peer can never reissue an already-used stamp. Incomplete
// bundles were already discarded by the store's own open-time recovery.
func New(ctx context.Context, s *store.Store, kp *identity.Keypair, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:        s,
		kp:           kp,
		idgen:        UUIDv7Generator{},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          time.Now,
		maxBundleOps: DefaultMaxBundleOps,
		maxDrift:     hlc.DefaultMaxDrift,
		staging:      make(map[string][]*op.Bundle),
		queue:        newTaskQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}

	vc, err := s.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine open: %w", err)
	}
	var newest hlc.HLC
	for _, h := range vc {
		newest = hlc.Max(newest, h)
	}
	e.clock = hlc.NewClockAt(hlc.State{Wall: newest.Wall, Counter: newest.Counter})

	e.logger.Info("engine open",
		"actor", kp.ActorID().Short(),
		"resumed_hlc", newest.String())
	return e, nil
}

// Clock returns the engine's hybrid logical clock, shared with the sync
// ingest pipeline so remote timestamps fold into the same state.
func (e *Engine) Clock() *hlc.Clock { return e.clock }

// Actor returns this peer's actor identity.
func (e *Engine) Actor() identity.ActorID { return e.kp.ActorID() }

// ConflictSet is the set of conflicts open after a commit. A non-empty
// set is not an error: the bundle is committed and the conflicts await
// resolution.
type ConflictSet struct {
	Open []*conflict.Record
}

// Empty reports whether no conflicts are open.
func (c *ConflictSet) Empty() bool { return c == nil || len(c.Open) == 0 }

// Author stamps, signs, and commits one bundle of payloads authored by
// this peer. Each operation carries the author's causal context: the
// vector clock of everything this peer had integrated at write time,
// including earlier operations of the same bundle.
func (e *Engine) Author(ctx context.Context, payloads ...op.Payload) (*op.Bundle, *ConflictSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ops, err := e.readOps(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("author: %w", err)
	}
	base := state.NewDeriver(e.logger).Derive(ops)

	b, err := e.buildBundle(ctx, base, payloads)
	if err != nil {
		return nil, nil, err
	}
	cs, err := e.applyLocked(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return b, cs, nil
}

// Apply validates and commits an externally assembled bundle (overlay,
// scripting, and rules layers author through this entry point). The
// bundle either commits whole or leaves no trace.
func (e *Engine) Apply(ctx context.Context, b *op.Bundle) (*ConflictSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(ctx, b)
}

// buildBundle stamps and signs payloads against base, the snapshot the
// bundle will commit onto. Entity deletions record their cascade here:
// the set of live edges the deletion removes is computed from the
// snapshot (as mutated by the bundle's earlier operations) and signed
// into the payload, so the audit record replicates with the operation.
func (e *Engine) buildBundle(ctx context.Context, base *state.State, payloads []op.Payload) (*op.Bundle, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("author: no payloads")
	}
	work, err := base.Clone()
	if err != nil {
		return nil, fmt.Errorf("author: %w", err)
	}
	vc, err := e.store.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("author: %w", err)
	}

	// A write must sort after everything its causal context observed, so
	// fold the newest integrated HLC into the clock before stamping.
	var newest hlc.HLC
	for _, h := range vc {
		newest = hlc.Max(newest, h)
	}
	if !newest.IsZero() {
		if err := e.clock.Receive(e.now(), newest, e.maxDrift); err != nil {
			return nil, fmt.Errorf("author: %w", err)
		}
	}

	actor := e.kp.ActorID()
	deriver := state.NewDeriver(e.logger)
	b := &op.Bundle{ID: e.idgen.Generate(), Actor: actor}
	for _, p := range payloads {
		if del, ok := p.(op.DeleteEntity); ok {
			edges := work.EdgesOf(del.Entity)
			del.CascadedEdges = make([]string, len(edges))
			for i := range edges {
				del.CascadedEdges[i] = edges[i].ID
			}
			p = del
		}

		h := e.clock.Tick(e.now())
		o := op.Operation{
			ID:            e.idgen.Generate(),
			Actor:         actor,
			HLC:           h,
			Payload:       p,
			Context:       vc.Copy(),
			SchemaVersion: op.SchemaVersion,
		}
		if err := o.Sign(e.kp); err != nil {
			return nil, fmt.Errorf("author: %w", err)
		}
		// Later operations in the bundle causally observe earlier ones,
		// and later deletions cascade over edges the bundle created.
		vc.Observe(actor, h)
		deriver.Apply(work, &o)
		b.Ops = append(b.Ops, o)
	}
	return b, nil
}

func (e *Engine) applyLocked(ctx context.Context, b *op.Bundle) (*ConflictSet, error) {
	if err := checkBundleQuota(b.ID, len(b.Ops), e.maxBundleOps); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("apply bundle %s: %w", b.ID, err)
	}

	ops, err := e.readOps(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply bundle %s: %w", b.ID, err)
	}
	base := state.NewDeriver(e.logger).Derive(ops)
	if err := validateBundle(base, e.logger, b); err != nil {
		return nil, fmt.Errorf("apply bundle %s: %w", b.ID, err)
	}

	inserted, err := e.store.AppendBundle(ctx, b, store.AppendOptions{Source: "local"})
	if err != nil {
		return nil, fmt.Errorf("apply bundle %s: %w", b.ID, err)
	}
	e.logger.Debug("bundle committed",
		"bundle", b.ID, "ops", len(b.Ops), "inserted", inserted)

	report, err := e.scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply bundle %s: %w", b.ID, err)
	}
	return &ConflictSet{Open: report.Open}, nil
}

// Snapshot derives a point-in-time consistent view of canonical state,
// with contested flags set from the current conflict report.
func (e *Engine) Snapshot(ctx context.Context) (*state.State, error) {
	ops, err := e.readOps(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return e.materialize(ops)
}

// PositionBetween allocates an ordering position for an edge in the
// (from, rel) list. afterEdge and beforeEdge name existing neighbor
// edges; with neither anchor the position lands after the current last
// edge. The returned position is advisory - concurrent insertions at the
// same slot may allocate equal positions, and final order falls back to
// (position, actor, hlc).
func (e *Engine) PositionBetween(ctx context.Context, from, rel, afterEdge, beforeEdge string) (string, error) {
	st, err := e.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("position in %s/%s: %w", from, rel, err)
	}
	edges := st.OrderedEdges(from, rel)
	index := func(id string) (int, error) {
		for i := range edges {
			if edges[i].ID == id {
				return i, nil
			}
		}
		return 0, &ApplyError{
			Code:    ErrCodeEdgeMissing,
			Message: fmt.Sprintf("edge %s is not a live edge of %s/%s", id, from, rel),
		}
	}

	lo, hi := "", ""
	switch {
	case afterEdge == "" && beforeEdge == "":
		if len(edges) > 0 {
			lo = edges[len(edges)-1].Position
		}
	case afterEdge != "":
		i, err := index(afterEdge)
		if err != nil {
			return "", err
		}
		lo = edges[i].Position
		if beforeEdge != "" {
			j, err := index(beforeEdge)
			if err != nil {
				return "", err
			}
			hi = edges[j].Position
		} else if i+1 < len(edges) {
			hi = edges[i+1].Position
		}
	default:
		j, err := index(beforeEdge)
		if err != nil {
			return "", err
		}
		hi = edges[j].Position
		if j > 0 {
			lo = edges[j-1].Position
		}
	}

	p, err := pos.Between(lo, hi)
	if err != nil {
		return "", fmt.Errorf("position in %s/%s: %w", from, rel, err)
	}
	return p, nil
}

// Conflicts runs a full conflict scan over the canonical log.
func (e *Engine) Conflicts(ctx context.Context) (*conflict.Report, error) {
	return e.scan(ctx)
}

// Resolve authors a resolution choosing one branch tip of an open
// conflict. The resolution is an ordinary signed operation; it replicates
// like any write and carries the chosen value so the outcome survives
// garbage collection of the losing branches.
func (e *Engine) Resolve(ctx context.Context, conflictID, chosenOpID string) (*op.Bundle, error) {
	report, err := e.scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	var rec *conflict.Record
	for _, r := range report.Open {
		if r.ID == conflictID {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, &ApplyError{
			Code:    ErrCodeConflictClosed,
			Message: fmt.Sprintf("conflict %s is not open", conflictID),
		}
	}

	var chosen op.Value
	var losing []string
	found := false
	for _, tip := range rec.Tips {
		if tip.OpID == chosenOpID {
			chosen = tip.Value
			found = true
			continue
		}
		losing = append(losing, tip.OpID)
	}
	if !found {
		return nil, fmt.Errorf("resolve %s: op %s is not a branch tip", conflictID, chosenOpID)
	}
	if chosen == nil {
		return nil, fmt.Errorf("resolve %s: tip %s is a cleared value; author a clear_field instead", conflictID, chosenOpID)
	}

	b, _, err := e.Author(ctx, op.ResolveConflict{
		Conflict:    rec.ID,
		Entity:      rec.Entity,
		Field:       rec.Field,
		ChosenOp:    chosenOpID,
		ChosenValue: chosen,
		LosingOps:   losing,
	})
	return b, err
}

// GC purges the payloads of losing-branch operations whose conflicts were
// resolved at or before cutoff. Identity, order, and resolution outcomes
// survive the purge.
func (e *Engine) GC(ctx context.Context, cutoff hlc.HLC) (int64, error) {
	report, err := e.scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	candidates := conflict.PurgeCandidates(report, cutoff)
	if len(candidates) == 0 {
		return 0, nil
	}
	n, err := e.store.PurgePayloads(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	e.logger.Info("gc purged losing payloads", "count", n, "cutoff", cutoff.String())
	return n, nil
}

// Maintain enqueues a background task for the Run loop. Safe from any
// goroutine. Returns false after Stop.
func (e *Engine) Maintain(t Task) bool {
	return e.queue.Enqueue(t)
}

// Run processes maintenance tasks until the context is cancelled or Stop
// is called. Must run in exactly one goroutine.
//
// Failures are logged and processing continues: maintenance is
// best-effort and always re-runnable, so a transient failure never stops
// the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine maintenance loop starting")
	for {
		task, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processTask(ctx, task); err != nil {
				e.logger.Error("maintenance task failed", "kind", task.Kind, "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine maintenance loop stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Len() == 0 {
				e.logger.Info("engine maintenance loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the task queue, letting Run drain and return.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) processTask(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskRescan:
		report, err := e.scan(ctx)
		if err != nil {
			return err
		}
		e.logger.Info("conflict rescan",
			"open", len(report.Open),
			"resolved", len(report.Resolved),
			"rejected", len(report.Rejected))
		return nil
	case TaskPurge:
		_, err := e.GC(ctx, t.Cutoff)
		return err
	default:
		return fmt.Errorf("unknown task kind %d", t.Kind)
	}
}

func (e *Engine) readOps(ctx context.Context) ([]op.Operation, error) {
	records, err := e.store.ReadCanonical(ctx)
	if err != nil {
		return nil, err
	}
	ops := make([]op.Operation, len(records))
	for i := range records {
		ops[i] = records[i].Op
	}
	return ops, nil
}

func (e *Engine) scan(ctx context.Context) (*conflict.Report, error) {
	ops, err := e.readOps(ctx)
	if err != nil {
		return nil, err
	}
	return conflict.NewDetector(e.logger, e.mapping).Scan(ops)
}

// materialize derives state from ops and paints contested flags from the
// conflict report over the same ops.
func (e *Engine) materialize(ops []op.Operation) (*state.State, error) {
	st := state.NewDeriver(e.logger).Derive(ops)
	report, err := conflict.NewDetector(e.logger, e.mapping).Scan(ops)
	if err != nil {
		return nil, err
	}
	for _, rec := range report.Open {
		st.MarkContested(rec.Entity, rec.Field, true)
	}
	return st, nil
}
