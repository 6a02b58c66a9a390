package op

import (
	"errors"
	"fmt"
)

// RejectCode categorizes why an operation was refused at ingest.
//
// Rejected operations are never integrated and never forwarded to peers as
// if valid - but they also never silently vanish: the store quarantines
// them for diagnosis.
type RejectCode string

const (
	// RejectSignatureInvalid - the Ed25519 signature does not verify.
	RejectSignatureInvalid RejectCode = "SIGNATURE_INVALID"

	// RejectCorrupt - the operation bytes fail structural checks
	// (checksum/canonical mismatch). Quarantined for manual review after
	// a re-fetch from another peer is attempted.
	RejectCorrupt RejectCode = "CORRUPT_OPERATION"

	// RejectSchemaVersion - the operation comes from an incompatible
	// schema version. Surfaced, not coerced.
	RejectSchemaVersion RejectCode = "SCHEMA_VERSION_MISMATCH"

	// RejectClockDrift - the operation's HLC is too far in the future.
	// The sender must resend later; local clock state is untouched.
	RejectClockDrift RejectCode = "CLOCK_DRIFT"

	// RejectBundleIncomplete - a partial bundle arrived (crash or
	// truncated transfer) and was discarded wholesale.
	RejectBundleIncomplete RejectCode = "BUNDLE_INCOMPLETE"
)

// RejectError is a structured ingest rejection.
type RejectError struct {
	Code    RejectCode
	OpID    string
	Message string
}

func (e *RejectError) Error() string {
	if e.OpID != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.OpID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RejectCodeOf extracts the reject code from an error chain, or "" if the
// error is not a rejection.
func RejectCodeOf(err error) RejectCode {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsSignatureInvalid reports whether err is a signature rejection.
func IsSignatureInvalid(err error) bool {
	return RejectCodeOf(err) == RejectSignatureInvalid
}

// IsSchemaVersionMismatch reports whether err is a schema version rejection.
func IsSchemaVersionMismatch(err error) bool {
	return RejectCodeOf(err) == RejectSchemaVersion
}

// IsCorrupt reports whether err is a corruption rejection.
func IsCorrupt(err error) bool {
	return RejectCodeOf(err) == RejectCorrupt
}
