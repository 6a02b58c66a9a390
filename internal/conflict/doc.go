// Package conflict detects causally-concurrent edits and tracks their
// resolution lifecycle.
//
// Two writes to the same semantic field conflict if and only if neither
// author's vector clock had observed the other's write when it was made.
// HLC proximity plays no role: an edit five days old and an edit five
// seconds old conflict exactly when they are causally concurrent.
//
// The detector presents only the latest value per causal branch - an
// actor making six offline edits contributes one branch tip, not six.
// Resolutions are ordinary operations; the detector replays them with the
// same first-in-canonical-order acceptance rule the state deriver uses,
// so the surfaced conflict set and the derived field values always agree.
package conflict
