package engine

import "fmt"

// DefaultMaxBundleOps caps operations per bundle. The cap bounds the
// volume one user or script action can commit atomically, regardless of
// what the automation layer above decides to do.
const DefaultMaxBundleOps = 1000

// checkBundleQuota rejects oversized bundles before any validation work.
func checkBundleQuota(bundleID string, ops, limit int) error {
	if ops > limit {
		return &ApplyError{
			Code:    ErrCodeBundleQuota,
			Message: fmt.Sprintf("bundle %s carries %d operations, cap is %d", bundleID, ops, limit),
		}
	}
	return nil
}
