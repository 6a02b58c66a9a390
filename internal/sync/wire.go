// Package sync implements pairwise gossip replication between peers.
//
// The protocol is symmetric: both sides exchange a handshake carrying
// workspace ID, actor ID, and vector clock; each computes the delta the
// other lacks and streams it as signed operation bundles; after both
// streams complete, the sides exchange digests (oplog-head hash plus
// derived-state hash) to confirm convergence. No central sequencer exists:
// any number of partitions reconverge through pairwise exchange alone.
//
// Reception order is irrelevant to correctness - the oplog tolerates
// arbitrary arrival order and derives state purely from the canonical
// (HLC, op ID) sort - so the ingest pipeline never buffers for dependency
// order; it verifies, drift-checks, and appends.
package sync

import (
	"encoding/json"
	"fmt"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/store"
	"github.com/quiltdb/quilt/internal/vclock"
)

// MessageType discriminates wire frames.
type MessageType string

const (
	// MsgHello opens a session: workspace, actor, vector clock.
	MsgHello MessageType = "hello"

	// MsgBundle carries one operation bundle of the delta stream.
	MsgBundle MessageType = "bundle"

	// MsgComplete marks the end of a peer's delta stream.
	MsgComplete MessageType = "complete"

	// MsgDigest carries the post-sync oplog-head and state hashes.
	MsgDigest MessageType = "digest"

	// MsgRefetch asks the peer to resend bundles whose operations failed
	// ingest checks, in case the first copy was corrupted in transit.
	MsgRefetch MessageType = "refetch"

	// MsgHeartbeat is the optional leader-election heartbeat.
	MsgHeartbeat MessageType = "heartbeat"
)

// Message is the single frame type exchanged over a Transport. Exactly one
// body field is set, selected by Type.
type Message struct {
	Type      MessageType `json:"type"`
	Hello     *Hello      `json:"hello,omitempty"`
	Bundle    *WireBundle `json:"bundle,omitempty"`
	Complete  *Complete   `json:"complete,omitempty"`
	Digest    *Digest     `json:"digest,omitempty"`
	Refetch   *Refetch    `json:"refetch,omitempty"`
	Heartbeat *Heartbeat  `json:"heartbeat,omitempty"`
}

// Hello is the session handshake. Peers in different workspaces must not
// exchange operations; the workspace ID is checked before anything else.
type Hello struct {
	Workspace string           `json:"workspace"`
	Actor     identity.ActorID `json:"actor"`
	Clock     vclock.VClock    `json:"clock"`
}

// WireBundle is one bundle's operations in transit.
type WireBundle struct {
	ID    string           `json:"id"`
	Actor identity.ActorID `json:"actor"`
	Ops   []WireOp         `json:"ops"`
}

// WireOp is one operation in transit. Payload holds the canonical JSON
// bytes the signature covers; a nil Payload marks an operation whose
// payload was garbage collected (identity and position still replicate).
type WireOp struct {
	OpID          string           `json:"op_id"`
	Actor         identity.ActorID `json:"actor_id"`
	HLC           string           `json:"hlc"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Context       vclock.VClock    `json:"context"`
	SchemaVersion int              `json:"schema_version"`
	Signature     []byte           `json:"signature"`
	Stale         bool             `json:"stale,omitempty"`
}

// Complete ends a delta stream.
type Complete struct {
	Sent int `json:"sent"`
}

// Digest is the post-sync convergence check. Head is the cheap oplog-head
// hash; State is the full derived-state hash. Equal heads with unequal
// state hashes indicate a derivation bug and trigger diagnostics.
type Digest struct {
	Head  string        `json:"head"`
	State string        `json:"state"`
	Clock vclock.VClock `json:"clock"`
}

// Refetch requests fresh copies of whole bundles. Re-fetch is per bundle,
// not per operation: a bundle with one bad operation was rejected
// wholesale, so the whole bundle is retried.
type Refetch struct {
	BundleIDs []string `json:"bundle_ids"`
}

// Heartbeat announces leadership under an epoch. Heartbeats from an older
// epoch are ignored, which stops a partitioned stale leader from
// resurrecting after the rest of the peers moved on.
type Heartbeat struct {
	Leader identity.ActorID `json:"leader"`
	Epoch  uint64           `json:"epoch"`
}

// encodeRecord converts a stored operation to its wire form.
func encodeRecord(rec *store.Record) (WireOp, error) {
	w := WireOp{
		OpID:          rec.Op.ID,
		Actor:         rec.Op.Actor,
		HLC:           rec.Op.HLC.String(),
		Context:       rec.Op.Context,
		SchemaVersion: rec.Op.SchemaVersion,
		Signature:     rec.Op.Signature,
		Stale:         rec.Stale,
	}
	if !rec.Purged {
		obj, err := op.EncodePayload(rec.Op.Payload)
		if err != nil {
			return WireOp{}, fmt.Errorf("encode op %s: %w", rec.Op.ID, err)
		}
		data, err := op.MarshalCanonical(obj)
		if err != nil {
			return WireOp{}, fmt.Errorf("encode op %s: %w", rec.Op.ID, err)
		}
		w.Payload = data
	}
	return w, nil
}

// decodeWireOp converts a wire operation back to the domain form.
// purged reports a nil-payload operation. Decode failures are corruption:
// the bytes do not parse as a canonical payload object.
func decodeWireOp(w *WireOp) (o op.Operation, purged bool, err error) {
	h, err := hlc.Parse(w.HLC)
	if err != nil {
		return op.Operation{}, false, &op.RejectError{
			Code: op.RejectCorrupt, OpID: w.OpID,
			Message: fmt.Sprintf("bad hlc: %v", err),
		}
	}
	o = op.Operation{
		ID:            w.OpID,
		Actor:         w.Actor,
		HLC:           h,
		Context:       w.Context,
		SchemaVersion: w.SchemaVersion,
		Signature:     w.Signature,
	}
	if w.Payload == nil {
		return o, true, nil
	}

	val, err := op.ParseValue(w.Payload)
	if err != nil {
		return op.Operation{}, false, &op.RejectError{
			Code: op.RejectCorrupt, OpID: w.OpID,
			Message: fmt.Sprintf("payload does not parse: %v", err),
		}
	}
	obj, ok := val.(op.Object)
	if !ok {
		return op.Operation{}, false, &op.RejectError{
			Code: op.RejectCorrupt, OpID: w.OpID,
			Message: fmt.Sprintf("payload is %T, want object", val),
		}
	}
	p, err := op.DecodePayload(obj)
	if err != nil {
		return op.Operation{}, false, &op.RejectError{
			Code: op.RejectCorrupt, OpID: w.OpID,
			Message: fmt.Sprintf("payload does not decode: %v", err),
		}
	}
	o.Payload = p
	return o, false, nil
}

// bundleWire groups an actor's delta records into wire bundles. Records
// arrive in canonical order, and one author's bundle operations are
// consecutive in that author's HLC order, so grouping consecutive runs of
// equal bundle IDs reconstructs the original bundles.
func bundleWire(records []store.Record) ([]*WireBundle, error) {
	var out []*WireBundle
	var cur *WireBundle
	for i := range records {
		rec := &records[i]
		if cur == nil || cur.ID != rec.Bundle {
			cur = &WireBundle{ID: rec.Bundle, Actor: rec.Op.Actor}
			out = append(out, cur)
		}
		w, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		cur.Ops = append(cur.Ops, w)
	}
	return out, nil
}
