package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/quiltdb/quilt/internal/engine"
	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/store"
	"github.com/quiltdb/quilt/internal/sync"
	"github.com/quiltdb/quilt/internal/testutil"
)

// Peer is one simulated replica: its own store, engine, and sync config.
type Peer struct {
	Name   string
	Engine *engine.Engine
	Store  *store.Store

	cfg *sync.Config
}

type edgeGroup struct {
	From string
	Rel  string
}

// Runner executes one scenario against freshly built peers.
type Runner struct {
	scenario *Scenario
	peers    map[string]*Peer
	logger   *slog.Logger

	// groups records every (from, rel) the script created an edge under,
	// so snapshots know which orderings to capture.
	groups map[edgeGroup]bool
}

// NewRunner builds one in-memory peer per scenario entry. Actor
// identities are seeded from the peer's position, op and bundle IDs come
// from per-peer sequential generators, and all peers draw from one
// shared stepping time source, so runs are reproducible.
func NewRunner(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := testutil.SteppingNow(time.Now(), time.Millisecond)

	r := &Runner{
		scenario: scenario,
		peers:    make(map[string]*Peer, len(scenario.Peers)),
		logger:   logger,
		groups:   make(map[edgeGroup]bool),
	}
	for i, name := range scenario.Peers {
		kp, err := testutil.SeededKeypair(byte(i + 1))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
		st, err := store.Open(":memory:")
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
		eng, err := engine.New(ctx, st, kp,
			engine.WithLogger(logger.With("peer", name)),
			engine.WithIDGenerator(engine.NewFixedGenerator(name)),
			engine.WithNow(now),
		)
		if err != nil {
			st.Close()
			r.Close()
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
		r.peers[name] = &Peer{
			Name:   name,
			Engine: eng,
			Store:  st,
			cfg: &sync.Config{
				Workspace: scenario.Workspace,
				Actor:     kp.ActorID(),
				Store:     st,
				Clock:     eng.Clock(),
				Logger:    logger.With("peer", name),
				Timeout:   10 * time.Second,
			},
		}
	}
	return r, nil
}

// Close releases every peer's store.
func (r *Runner) Close() {
	for _, p := range r.peers {
		p.Store.Close()
	}
}

// Run executes a scenario start to finish: build peers, run the script,
// snapshot every peer, and evaluate the assertions. Script failures are
// returned as an error; assertion failures land in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	r, err := NewRunner(ctx, scenario, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Run(ctx)
}

// Run executes the script and captures the final result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	for i, step := range r.scenario.Script {
		if err := r.runStep(ctx, &step); err != nil {
			return nil, fmt.Errorf("script[%d]: %w", i, err)
		}
	}

	result := &Result{
		Scenario: r.scenario.Name,
		Peers:    make(map[string]*PeerState, len(r.peers)),
		Pass:     true,
	}
	for name, p := range r.peers {
		ps, err := r.capture(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", name, err)
		}
		result.Peers[name] = ps
	}

	r.assertAll(result)
	return result, nil
}

func (r *Runner) runStep(ctx context.Context, step *Step) error {
	switch {
	case step.Author != nil:
		return r.author(ctx, step.Author)
	case step.Sync != nil:
		return r.sync(ctx, step.Sync[0], step.Sync[1])
	case step.Resolve != nil:
		return r.resolve(ctx, step.Resolve)
	case step.GC != nil:
		return r.gc(ctx, step.GC)
	default:
		return fmt.Errorf("empty step")
	}
}

func (r *Runner) author(ctx context.Context, a *AuthorStep) error {
	eng := r.peers[a.Peer].Engine

	var crdt *engine.CrdtAuthoring
	payloads := make([]op.Payload, len(a.Ops))
	for i := range a.Ops {
		o := &a.Ops[i]
		var (
			p   op.Payload
			err error
		)
		switch o.Kind {
		case "crdt_delta", "clear_and_add":
			if crdt == nil {
				if crdt, err = eng.CrdtAuthoring(ctx); err != nil {
					return fmt.Errorf("ops[%d]: %w", i, err)
				}
			}
			p, err = crdtStepPayload(crdt, o)
		default:
			p, err = payloadFor(o)
		}
		if err != nil {
			return fmt.Errorf("ops[%d]: %w", i, err)
		}
		payloads[i] = p
		if ce, ok := p.(op.CreateEdge); ok {
			r.groups[edgeGroup{From: ce.From, Rel: ce.Rel}] = true
		}
	}
	// Open conflicts after a commit are expected mid-scenario; they are
	// checked by assertions, not here.
	_, _, err := eng.Author(ctx, payloads...)
	return err
}

func crdtStepPayload(author *engine.CrdtAuthoring, o *OpStep) (op.Payload, error) {
	if o.Kind == "clear_and_add" {
		values := make(op.Array, len(o.Values))
		for i, raw := range o.Values {
			v, err := op.FromGo(raw)
			if err != nil {
				return nil, fmt.Errorf("clear_and_add %s.%s: %w", o.Entity, o.Field, err)
			}
			values[i] = v
		}
		return author.ClearAndAdd(o.Entity, o.Field, values), nil
	}

	switch op.FieldKind(o.FieldKind) {
	case op.FieldCrdtText:
		return author.TextInsert(o.Entity, o.Field, o.At, o.Text)
	case op.FieldCrdtList:
		v, err := op.FromGo(o.Value)
		if err != nil {
			return nil, fmt.Errorf("crdt_delta %s.%s: %w", o.Entity, o.Field, err)
		}
		return author.ListInsert(o.Entity, o.Field, o.At, v)
	case op.FieldCrdtSet:
		v, err := op.FromGo(o.Value)
		if err != nil {
			return nil, fmt.Errorf("crdt_delta %s.%s: %w", o.Entity, o.Field, err)
		}
		return author.SetAdd(o.Entity, o.Field, v)
	default:
		return nil, fmt.Errorf("crdt_delta %s.%s: unsupported field_kind %q", o.Entity, o.Field, o.FieldKind)
	}
}

func (r *Runner) sync(ctx context.Context, left, right string) error {
	ta, tb := newMemPipe()

	var (
		wg         stdsync.WaitGroup
		errL, errR error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errL = sync.NewSession(r.peers[left].cfg, ta).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_, errR = sync.NewSession(r.peers[right].cfg, tb).Run(ctx)
	}()
	wg.Wait()

	if errL != nil {
		return fmt.Errorf("sync %s<->%s: %s side: %w", left, right, left, errL)
	}
	if errR != nil {
		return fmt.Errorf("sync %s<->%s: %s side: %w", left, right, right, errR)
	}
	return nil
}

func (r *Runner) resolve(ctx context.Context, rs *ResolveStep) error {
	p := r.peers[rs.Peer]
	chosen := r.peers[rs.Choose].Engine.Actor()

	report, err := p.Engine.Conflicts(ctx)
	if err != nil {
		return err
	}
	for _, rec := range report.Open {
		if rec.Entity != rs.Entity || rec.Field != rs.Field {
			continue
		}
		for _, tip := range rec.Tips {
			if tip.Actor == chosen {
				_, err := p.Engine.Resolve(ctx, rec.ID, tip.OpID)
				return err
			}
		}
		return fmt.Errorf("resolve %s.%s: no branch tip authored by %s", rs.Entity, rs.Field, rs.Choose)
	}
	return fmt.Errorf("resolve %s.%s: no open conflict", rs.Entity, rs.Field)
}

func (r *Runner) gc(ctx context.Context, g *GCStep) error {
	p := r.peers[g.Peer]
	st := p.Engine.Clock().State()
	cutoff := hlc.HLC{Wall: st.Wall, Counter: st.Counter}
	_, err := p.Engine.GC(ctx, cutoff)
	return err
}

func payloadFor(o *OpStep) (op.Payload, error) {
	switch o.Kind {
	case "create_entity":
		return op.CreateEntity{Entity: o.Entity}, nil
	case "delete_entity":
		return op.DeleteEntity{Entity: o.Entity, Survivor: o.Survivor}, nil
	case "set_field":
		v, err := op.FromGo(o.Value)
		if err != nil {
			return nil, fmt.Errorf("set_field %s.%s: %w", o.Entity, o.Field, err)
		}
		return op.SetField{Entity: o.Entity, Field: o.Field, Value: v}, nil
	case "clear_field":
		return op.ClearField{Entity: o.Entity, Field: o.Field}, nil
	case "create_edge":
		return op.CreateEdge{
			Edge:     o.Edge,
			From:     o.From,
			To:       o.To,
			Rel:      o.Rel,
			Position: o.Position,
		}, nil
	case "delete_edge":
		return op.DeleteEdge{Edge: o.Edge}, nil
	case "move_edge":
		return op.MoveEdge{Edge: o.Edge, Position: o.Position}, nil
	default:
		return nil, fmt.Errorf("unknown op kind %q", o.Kind)
	}
}
