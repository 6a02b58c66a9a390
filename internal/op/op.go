package op

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/vclock"
)

// SchemaVersion is the current operation schema version. Operations from a
// different major version are surfaced as SchemaVersionMismatch, never
// silently coerced.
const SchemaVersion = 1

// Operation is the immutable unit of change.
//
// ID is a UUIDv7: time-sortable, 16 bytes, generated locally with no
// coordination. Actor is the author's public key. Context is the author's
// vector clock at write time - the causal knowledge the conflict detector
// compares. Signature covers (id, actor, hlc, payload) via canonical JSON.
type Operation struct {
	ID            string
	Actor         identity.ActorID
	HLC           hlc.HLC
	Payload       Payload
	Context       vclock.VClock
	SchemaVersion int
	Signature     []byte
}

// NewID generates a time-sortable UUIDv7 operation ID.
// The hyphenated string form preserves byte order under lexicographic
// comparison, so it is safe to ORDER BY directly.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SigningBytes returns the canonical bytes the signature covers:
// exactly (op_id, actor_id, hlc, payload). The causal context and schema
// version ride outside the signature as routing metadata.
func (o *Operation) SigningBytes() ([]byte, error) {
	payload, err := EncodePayload(o.Payload)
	if err != nil {
		return nil, fmt.Errorf("signing bytes for %s: %w", o.ID, err)
	}
	obj := Object{
		"op_id":    String(o.ID),
		"actor_id": String(o.Actor),
		"hlc":      String(o.HLC.String()),
		"payload":  payload,
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("signing bytes for %s: %w", o.ID, err)
	}
	return data, nil
}

// Sign computes and attaches the signature using the author's keypair.
func (o *Operation) Sign(kp *identity.Keypair) error {
	if kp.ActorID() != o.Actor {
		return fmt.Errorf("sign %s: keypair actor %s does not match operation actor %s",
			o.ID, kp.ActorID().Short(), o.Actor.Short())
	}
	data, err := o.SigningBytes()
	if err != nil {
		return err
	}
	o.Signature = kp.Sign(data)
	return nil
}

// VerifySignature checks the attached signature against the operation's
// actor. Any marshaling failure counts as invalid.
func (o *Operation) VerifySignature() bool {
	data, err := o.SigningBytes()
	if err != nil {
		return false
	}
	return identity.Verify(o.Actor, data, o.Signature)
}

// Less imposes canonical order: sort by (HLC, op ID). Identical on every
// peer holding the same operation set, independent of reception order.
func Less(a, b *Operation) bool {
	if c := a.HLC.Compare(b.HLC); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// Compare is the three-way form of canonical order, for slices.SortFunc.
func Compare(a, b *Operation) int {
	if c := a.HLC.Compare(b.HLC); c != 0 {
		return c
	}
	return bytes.Compare([]byte(a.ID), []byte(b.ID))
}

// EntityTarget returns the entity an operation addresses, or "" for
// operations without an entity target (edge ops, resolutions).
func (o *Operation) EntityTarget() string {
	switch p := o.Payload.(type) {
	case CreateEntity:
		return p.Entity
	case DeleteEntity:
		return p.Entity
	case SetField:
		return p.Entity
	case ClearField:
		return p.Entity
	case CrdtDelta:
		return p.Entity
	case ClearAndAdd:
		return p.Entity
	default:
		return ""
	}
}

// FieldTarget returns the (entity, field) a field-level operation
// addresses, or ("", "") for non-field operations.
func (o *Operation) FieldTarget() (entity, field string) {
	switch p := o.Payload.(type) {
	case SetField:
		return p.Entity, p.Field
	case ClearField:
		return p.Entity, p.Field
	case CrdtDelta:
		return p.Entity, p.Field
	case ClearAndAdd:
		return p.Entity, p.Field
	default:
		return "", ""
	}
}
