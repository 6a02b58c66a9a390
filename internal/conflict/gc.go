package conflict

import (
	"slices"

	"github.com/quiltdb/quilt/internal/hlc"
)

// PurgeCandidates returns the op IDs whose payload bytes may be garbage
// collected: losing-branch operations of conflicts resolved at or before
// cutoff (the retention window's far edge).
//
// What GC may never discard is not decided here - the store's purge only
// blanks payloads, keeping each op's identifier, author, timestamp, and
// canonical position, and the resolution record itself carries the chosen
// value. An op that is still a live tip of an open or reopened conflict
// is excluded even if some resolution listed it as losing.
func PurgeCandidates(report *Report, cutoff hlc.HLC) []string {
	liveTips := make(map[string]bool)
	for _, rec := range report.Open {
		for _, t := range rec.Tips {
			liveTips[t.OpID] = true
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, rec := range report.Resolved {
		if rec.ResolvedAt.Compare(cutoff) > 0 {
			continue
		}
		for _, opID := range rec.LosingOps {
			if opID == "" || seen[opID] || liveTips[opID] {
				continue
			}
			seen[opID] = true
			out = append(out, opID)
		}
	}
	slices.Sort(out)
	return out
}
