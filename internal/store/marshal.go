package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/vclock"
)

// Record is one stored operation plus its log metadata.
type Record struct {
	Op     op.Operation
	Bundle string

	// Stale marks an operation that arrived older than the staleness
	// threshold. A review signal only - stale operations are fully
	// integrated.
	Stale bool

	// Purged marks an operation whose payload bytes were garbage
	// collected. Identity, timestamp, and canonical position remain.
	Purged bool
}

// marshalPayload serializes an operation payload to canonical JSON.
// Canonical bytes keep the stored form identical across peers, which the
// state hash depends on.
func marshalPayload(p op.Payload) (string, error) {
	obj, err := op.EncodePayload(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	data, err := op.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return string(data), nil
}

// marshalContext serializes an operation's vector-clock context.
func marshalContext(vc vclock.VClock) (string, error) {
	if vc == nil {
		vc = vclock.New()
	}
	data, err := json.Marshal(vc)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	return string(data), nil
}

// scanRecord decodes one operations row. Column order must match
// recordColumns.
const recordColumns = `op_id, bundle_id, actor_id, hlc, payload, context, schema_version, signature, stale`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		rec        Record
		actorID    string
		hlcHex     string
		payload    sql.NullString
		contextRaw string
		stale      int
	)
	err := row.Scan(
		&rec.Op.ID,
		&rec.Bundle,
		&actorID,
		&hlcHex,
		&payload,
		&contextRaw,
		&rec.Op.SchemaVersion,
		&rec.Op.Signature,
		&stale,
	)
	if err != nil {
		return Record{}, err
	}

	rec.Op.Actor = identity.ActorID(actorID)
	rec.Stale = stale != 0

	h, err := hlc.Parse(hlcHex)
	if err != nil {
		return Record{}, fmt.Errorf("op %s: bad hlc: %w", rec.Op.ID, err)
	}
	rec.Op.HLC = h

	if payload.Valid {
		val, err := op.ParseValue([]byte(payload.String))
		if err != nil {
			return Record{}, fmt.Errorf("op %s: parse payload: %w", rec.Op.ID, err)
		}
		obj, ok := val.(op.Object)
		if !ok {
			return Record{}, fmt.Errorf("op %s: payload is %T, want object", rec.Op.ID, val)
		}
		p, err := op.DecodePayload(obj)
		if err != nil {
			return Record{}, fmt.Errorf("op %s: decode payload: %w", rec.Op.ID, err)
		}
		rec.Op.Payload = p
	} else {
		rec.Purged = true
	}

	vc := vclock.New()
	if err := json.Unmarshal([]byte(contextRaw), &vc); err != nil {
		return Record{}, fmt.Errorf("op %s: parse context: %w", rec.Op.ID, err)
	}
	rec.Op.Context = vc

	return rec, nil
}
