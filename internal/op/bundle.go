package op

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/quiltdb/quilt/internal/identity"
)

// Bundle is the atomicity boundary: one or more operations created by a
// single user or script action. A bundle commits or fails as a unit; a
// crash, a partial network transfer, or a rejected check discards the
// entire bundle, never a prefix. Undo operates on bundles.
type Bundle struct {
	ID    string
	Actor identity.ActorID
	Ops   []Operation
}

// NewBundleID generates a time-sortable UUIDv7 bundle ID.
func NewBundleID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Validate performs structural checks: non-empty, single author, every
// operation signed and carrying the current schema version.
// Semantic validation (entity existence, field kinds) happens in the
// engine against derived state.
func (b *Bundle) Validate() error {
	if len(b.Ops) == 0 {
		return fmt.Errorf("bundle %s: empty", b.ID)
	}
	for i := range b.Ops {
		o := &b.Ops[i]
		if o.Actor != b.Actor {
			return fmt.Errorf("bundle %s: op %s authored by %s, bundle by %s",
				b.ID, o.ID, o.Actor.Short(), b.Actor.Short())
		}
		if o.SchemaVersion != SchemaVersion {
			return &RejectError{
				Code:    RejectSchemaVersion,
				OpID:    o.ID,
				Message: fmt.Sprintf("schema version %d, expected %d", o.SchemaVersion, SchemaVersion),
			}
		}
		if len(o.Signature) == 0 {
			return &RejectError{Code: RejectSignatureInvalid, OpID: o.ID, Message: "unsigned operation"}
		}
	}
	return nil
}
