package engine

import (
	"errors"
	"fmt"
)

// ApplyErrorCode categorizes why a bundle was refused before commit.
// A refused bundle leaves no trace: no operations land, the clock does not
// advance, and the author can correct and retry.
type ApplyErrorCode string

const (
	// ErrCodeEntityExists - create_entity for an ID that is already live.
	ErrCodeEntityExists ApplyErrorCode = "ENTITY_EXISTS"

	// ErrCodeEntityMissing - a write targets an entity that does not exist
	// or is deleted. Writing a field before the entity's creation is a
	// hard error at authoring time.
	ErrCodeEntityMissing ApplyErrorCode = "ENTITY_MISSING"

	// ErrCodeFieldKindMismatch - an overwrite on a CRDT-typed field, a
	// delta on a plain field, or a delta of the wrong CRDT kind. Mixing
	// the two write disciplines would silently discard concurrent deltas.
	ErrCodeFieldKindMismatch ApplyErrorCode = "FIELD_KIND_MISMATCH"

	// ErrCodeEdgeMissing - delete_edge or move_edge for an unknown or
	// already-deleted edge.
	ErrCodeEdgeMissing ApplyErrorCode = "EDGE_MISSING"

	// ErrCodeConflictClosed - resolve_conflict for a conflict another
	// resolution already closed.
	ErrCodeConflictClosed ApplyErrorCode = "CONFLICT_CLOSED"

	// ErrCodePositionInvalid - create_edge or move_edge with a malformed
	// ordering position.
	ErrCodePositionInvalid ApplyErrorCode = "POSITION_INVALID"

	// ErrCodeBundleQuota - the bundle exceeds the per-bundle operation
	// cap.
	ErrCodeBundleQuota ApplyErrorCode = "BUNDLE_QUOTA"
)

// ApplyError is a structured authoring rejection.
type ApplyError struct {
	Code    ApplyErrorCode
	OpID    string
	Message string
}

func (e *ApplyError) Error() string {
	if e.OpID != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.OpID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ApplyCodeOf extracts the apply code from an error chain, or "" when the
// error is not an authoring rejection.
func ApplyCodeOf(err error) ApplyErrorCode {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsQuotaError reports whether err is a bundle-quota rejection.
func IsQuotaError(err error) bool {
	return ApplyCodeOf(err) == ErrCodeBundleQuota
}
