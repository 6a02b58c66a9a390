package conflict

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/vclock"
)

// Detector computes the conflict set of an operation log.
type Detector struct {
	logger  *slog.Logger
	mapping Mapping
}

// NewDetector returns a detector. A nil logger discards diagnostics;
// mapping may be nil when no cross-module field unification is
// configured.
func NewDetector(logger *slog.Logger, mapping Mapping) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{logger: logger, mapping: mapping}
}

// Report is the outcome of a full scan.
type Report struct {
	// Open holds open and reopened conflicts, sorted by conflict ID.
	Open []*Record

	// Resolved holds accepted resolutions, in acceptance order. Their
	// records stay self-sufficient after losing payloads are purged.
	Resolved []*Record

	// Rejected holds refused resolution operations, for audit.
	Rejected []Rejection
}

// ForField returns the open conflict on a field, if any.
func (r *Report) ForField(entity, field string) (*Record, bool) {
	for _, rec := range r.Open {
		if rec.Entity == entity && rec.Field == field {
			return rec, true
		}
	}
	return nil, false
}

// fieldTrack is the per-field detector state during a scan.
type fieldTrack struct {
	tips []tip
	// everResolved flips the next conflict on this field to reopened.
	everResolved bool
}

type tip struct {
	opID  string
	actor identity.ActorID
	h     hlc.HLC
	ctx   vclock.VClock
	value op.Value
}

// Scan replays the full operation set in canonical order and returns the
// conflict report. Scanning is pure: the same operation set always yields
// the same report, so the conflict set converges across peers exactly
// like derived state does.
func (d *Detector) Scan(ops []op.Operation) (*Report, error) {
	sorted := make([]*op.Operation, len(ops))
	for i := range ops {
		sorted[i] = &ops[i]
	}
	slices.SortFunc(sorted, op.Compare)

	// Actor lookup for rebuilding involved-actor sets from purged ops.
	actorOf := make(map[string]identity.ActorID, len(sorted))
	for _, o := range sorted {
		actorOf[o.ID] = o.Actor
	}

	report := &Report{}
	tracks := make(map[FieldKey]*fieldTrack)
	resolvedIDs := make(map[string]bool)

	for _, o := range sorted {
		if o.Payload == nil {
			continue // payload purged by GC; outcome lives in its resolution record
		}
		switch p := o.Payload.(type) {
		case op.SetField:
			d.applyWrite(tracks, o, FieldKey{Entity: p.Entity, Field: p.Field}, p.Value)
		case op.ClearField:
			d.applyWrite(tracks, o, FieldKey{Entity: p.Entity, Field: p.Field}, nil)
		case op.ResolveConflict:
			if err := d.applyResolution(report, tracks, resolvedIDs, actorOf, o, p); err != nil {
				return nil, err
			}
		}
	}

	// Whatever still has two or more tips is an open conflict.
	for fk, track := range tracks {
		if len(track.tips) < 2 {
			continue
		}
		rec, err := d.buildRecord(fk, track)
		if err != nil {
			return nil, err
		}
		report.Open = append(report.Open, rec)
	}
	slices.SortFunc(report.Open, func(a, b *Record) int {
		return strings.Compare(a.ID, b.ID)
	})
	return report, nil
}

// applyWrite folds one plain-field write into the branch-tip set: tips
// the writer had causally observed are superseded; tips it had not seen
// remain and now compete with it.
func (d *Detector) applyWrite(tracks map[FieldKey]*fieldTrack, o *op.Operation, fk FieldKey, value op.Value) {
	fk = d.mapping.Unify(fk)
	track := tracks[fk]
	if track == nil {
		track = &fieldTrack{}
		tracks[fk] = track
	}

	kept := track.tips[:0]
	for _, t := range track.tips {
		if observed(o.Context, t) {
			continue // causal ancestor of this write; superseded
		}
		kept = append(kept, t)
	}
	track.tips = append(kept, tip{
		opID:  o.ID,
		actor: o.Actor,
		h:     o.HLC,
		ctx:   o.Context,
		value: value,
	})
}

// applyResolution accepts or rejects one resolution operation. The
// acceptance rule matches the state deriver exactly: the first resolution
// per conflict ID in canonical order wins; later ones are audit
// artifacts.
func (d *Detector) applyResolution(
	report *Report,
	tracks map[FieldKey]*fieldTrack,
	resolvedIDs map[string]bool,
	actorOf map[string]identity.ActorID,
	o *op.Operation,
	p op.ResolveConflict,
) error {
	if resolvedIDs[p.Conflict] {
		report.Rejected = append(report.Rejected, Rejection{
			OpID:     o.ID,
			Conflict: p.Conflict,
			Actor:    o.Actor,
			Reason:   "conflict already resolved",
		})
		d.logger.Debug("rejected duplicate resolution",
			"op_id", o.ID, "conflict", p.Conflict)
		return nil
	}
	resolvedIDs[p.Conflict] = true

	fk := d.mapping.Unify(FieldKey{Entity: p.Entity, Field: p.Field})
	track := tracks[fk]
	if track == nil {
		track = &fieldTrack{}
		tracks[fk] = track
	}

	// Snapshot the competing tips before the resolution folds them.
	tips := make([]BranchTip, 0, len(track.tips))
	for _, t := range track.tips {
		tips = append(tips, branchTip(t))
	}
	sortTips(tips)

	// Involved actors survive GC: losing op rows keep their author even
	// after their payloads are purged.
	extra := []identity.ActorID{o.Actor, actorOf[p.ChosenOp]}
	for _, losing := range p.LosingOps {
		extra = append(extra, actorOf[losing])
	}

	rec := &Record{
		ID:          p.Conflict,
		Entity:      p.Entity,
		Field:       p.Field,
		Status:      StatusResolved,
		Tips:        tips,
		Actors:      collectActors(tips, extra...),
		ResolvedBy:  o.ID,
		Resolver:    o.Actor,
		ResolvedAt:  o.HLC,
		ChosenOp:    p.ChosenOp,
		ChosenValue: p.ChosenValue,
		LosingOps:   slices.Clone(p.LosingOps),
	}
	report.Resolved = append(report.Resolved, rec)
	track.everResolved = true

	// The resolution acts as a write: branches it causally observed are
	// settled; a branch it never saw stays live and reopens the conflict.
	d.applyWrite(tracks, o, FieldKey{Entity: p.Entity, Field: p.Field}, p.ChosenValue)
	return nil
}

func (d *Detector) buildRecord(fk FieldKey, track *fieldTrack) (*Record, error) {
	tips := make([]BranchTip, 0, len(track.tips))
	for _, t := range track.tips {
		tips = append(tips, branchTip(t))
	}
	sortTips(tips)

	id, err := op.ConflictID(fk.Entity, fk.Field, tipOpIDs(tips))
	if err != nil {
		return nil, fmt.Errorf("conflict id for %s.%s: %w", fk.Entity, fk.Field, err)
	}

	status := StatusOpen
	if track.everResolved {
		status = StatusReopened
	}
	return &Record{
		ID:     id,
		Entity: fk.Entity,
		Field:  fk.Field,
		Status: status,
		Tips:   tips,
		Actors: collectActors(tips),
	}, nil
}

// observed reports whether ctx had causally seen tip t when the write
// carrying ctx was made.
func observed(ctx vclock.VClock, t tip) bool {
	if ctx == nil {
		return false
	}
	return ctx.Observed(t.actor, t.h)
}

func branchTip(t tip) BranchTip {
	return BranchTip{
		OpID:  t.opID,
		Actor: t.actor,
		HLC:   t.h,
		Value: t.value,
	}
}
