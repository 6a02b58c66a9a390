// Package op defines the operation and bundle model: the append-only unit
// of change for the replicated log.
//
// Every mutation in the system is an Operation: a signed, HLC-stamped,
// typed payload with a time-sortable ID. Operations are write-once; nothing
// ever mutates or deletes one, later operations only supersede earlier
// ones. Canonical order is (HLC, op ID) and is identical on every peer
// holding the same operation set, regardless of reception order.
//
// All other internal packages import op; op imports only hlc, identity and
// vclock. This keeps the operation model the foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere in payload values - floats break
//     byte-identical canonical serialization across peers.
//   - Signatures cover (op_id, actor_id, hlc, payload) via RFC 8785
//     canonical JSON, so any peer can verify any operation byte-for-byte.
//   - All JSON tags use snake_case.
package op
