package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/store"
)

// Ingestor validates and integrates remote operation bundles.
//
// Checks run per operation: schema version, Ed25519 signature over the
// canonical signing bytes, and clock drift. Any failing operation rejects
// its whole bundle - a bundle commits entirely or not at all - and the
// failing operations are quarantined so they never silently vanish.
// Drift rejections are the exception: the operation may be perfectly valid
// once local time catches up, so the sender resends later and nothing is
// quarantined.
type Ingestor struct {
	store          *store.Store
	clock          *hlc.Clock
	logger         *slog.Logger
	now            func() time.Time
	maxDrift       time.Duration
	staleThreshold time.Duration
}

// NewIngestor wires an ingest pipeline. now may be nil for time.Now.
func NewIngestor(st *store.Store, clock *hlc.Clock, logger *slog.Logger, now func() time.Time, maxDrift, staleThreshold time.Duration) *Ingestor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if now == nil {
		now = time.Now
	}
	if maxDrift <= 0 {
		maxDrift = hlc.DefaultMaxDrift
	}
	if staleThreshold <= 0 {
		staleThreshold = hlc.DefaultStaleThreshold
	}
	return &Ingestor{
		store:          st,
		clock:          clock,
		logger:         logger,
		now:            now,
		maxDrift:       maxDrift,
		staleThreshold: staleThreshold,
	}
}

// Result summarizes one bundle's ingest.
type Result struct {
	// Integrated counts operations newly inserted (0 for duplicates).
	Integrated int

	// StaleFlagged lists operations integrated with the review flag set.
	StaleFlagged []string

	// Quarantined lists operations preserved for diagnosis after failing
	// signature or structural checks. Non-empty implies Reject is set and
	// the bundle was discarded.
	Quarantined []string

	// Reject is the rejection that discarded the bundle, if any.
	Reject *op.RejectError
}

// Rejected reports whether the bundle was refused.
func (r *Result) Rejected() bool { return r.Reject != nil }

// IngestBundle validates wb and appends it atomically. source tags the
// reception log, normally the sending peer's actor ID.
//
// The ingest tolerates arbitrary reception order: an operation referencing
// an entity may arrive before that entity's creation, because nothing is
// interpreted at ingest time - canonical (HLC, op ID) order at derivation
// time is the only order that matters.
func (i *Ingestor) IngestBundle(ctx context.Context, wb *WireBundle, source string) (*Result, error) {
	res := &Result{}
	now := i.now()

	decoded := make([]op.Operation, 0, len(wb.Ops))
	purged := make(map[string]bool)
	stale := make(map[string]bool)

	for idx := range wb.Ops {
		w := &wb.Ops[idx]
		o, wasPurged, err := decodeWireOp(w)
		if err != nil {
			i.quarantine(ctx, res, w, err)
			continue
		}

		if o.SchemaVersion != op.SchemaVersion {
			i.quarantine(ctx, res, w, &op.RejectError{
				Code: op.RejectSchemaVersion, OpID: o.ID,
				Message: fmt.Sprintf("schema version %d, expected %d", o.SchemaVersion, op.SchemaVersion),
			})
			continue
		}

		// A purged operation's payload is gone, so its signature cannot be
		// checked; it replicates on the strength of the resolution record
		// that retired it, keeping op ID lists (and head hashes) aligned.
		if !wasPurged && !o.VerifySignature() {
			i.quarantine(ctx, res, w, &op.RejectError{
				Code: op.RejectSignatureInvalid, OpID: o.ID,
				Message: "signature does not verify",
			})
			continue
		}

		if o.HLC.Wall > now.UnixMilli()+i.maxDrift.Milliseconds() {
			// Not quarantined: the op may be valid once local time catches
			// up. The sender resends on a later round.
			res.Reject = &op.RejectError{
				Code: op.RejectClockDrift, OpID: o.ID,
				Message: (&hlc.FutureDriftError{
					Remote: o.HLC, LocalNow: now.UnixMilli(), MaxDrift: i.maxDrift,
				}).Error(),
			}
			i.logger.Warn("bundle rejected for clock drift",
				"bundle", wb.ID, "op", o.ID, "hlc", o.HLC.String())
			return res, nil
		}

		if hlc.IsStale(o.HLC, now, i.staleThreshold) {
			stale[o.ID] = true
		}
		if wasPurged {
			purged[o.ID] = true
		}
		decoded = append(decoded, o)
	}

	if res.Reject != nil {
		// One bad operation discards the whole bundle, never a prefix.
		i.logger.Warn("bundle rejected",
			"bundle", wb.ID, "code", res.Reject.Code, "quarantined", len(res.Quarantined))
		return res, nil
	}
	if len(decoded) == 0 {
		return res, nil
	}

	// Fold remote HLCs into local clock state only after every check
	// passed, so a rejected bundle leaves the clock untouched.
	for idx := range decoded {
		if err := i.clock.Receive(now, decoded[idx].HLC, i.maxDrift); err != nil {
			return nil, fmt.Errorf("ingest bundle %s: %w", wb.ID, err)
		}
	}

	bundle := &op.Bundle{ID: wb.ID, Actor: wb.Actor, Ops: decoded}
	inserted, err := i.store.AppendBundle(ctx, bundle, store.AppendOptions{
		Source: source,
		Stale:  stale,
		Purged: purged,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest bundle %s: %w", wb.ID, err)
	}
	res.Integrated = inserted
	for id := range stale {
		res.StaleFlagged = append(res.StaleFlagged, id)
	}
	slices.Sort(res.StaleFlagged)
	return res, nil
}

// quarantine preserves a failed operation's raw wire bytes and records the
// rejection on the result. The first rejection of a bundle is the one
// reported.
func (i *Ingestor) quarantine(ctx context.Context, res *Result, w *WireOp, err error) {
	re, ok := err.(*op.RejectError)
	if !ok {
		re = &op.RejectError{Code: op.RejectCorrupt, OpID: w.OpID, Message: err.Error()}
	}
	raw, marshalErr := json.Marshal(w)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf("unmarshalable wire op %s", w.OpID))
	}
	if qErr := i.store.Quarantine(ctx, w.OpID, re.Code, re.Message, raw); qErr != nil {
		i.logger.Error("quarantine failed", "op", w.OpID, "error", qErr)
	}
	res.Quarantined = append(res.Quarantined, w.OpID)
	if res.Reject == nil {
		res.Reject = re
	}
}
