package state

import (
	"fmt"

	"github.com/quiltdb/quilt/internal/op"
)

// Hash computes the derived-state hash: a content hash over the full
// rendered materialization. Two peers whose oplogs have converged must
// produce identical hashes; divergence here after oplog convergence
// means a state-derivation bug and triggers diagnostics, never silent
// reconciliation.
func (s *State) Hash() (string, error) {
	entities := make(op.Object, len(s.entities))
	for id, e := range s.entities {
		obj := op.Object{
			"created_by": op.String(e.CreatedBy),
			"actor":      op.String(e.Actor),
			"hlc":        op.String(e.HLC.String()),
			"deleted":    op.Bool(e.Deleted),
		}
		if e.Deleted {
			obj["deleted_by"] = op.String(e.DeletedBy)
			cascaded := make(op.Array, len(e.CascadedEdges))
			for i, edge := range e.CascadedEdges {
				cascaded[i] = op.String(edge)
			}
			obj["cascaded_edges"] = cascaded
		}
		if e.Survivor != "" {
			obj["survivor"] = op.String(e.Survivor)
		}
		entities[id] = obj
	}

	fields := make(op.Object, len(s.fields))
	for ref, f := range s.fields {
		obj := op.Object{
			"kind":      op.String(f.Kind),
			"source_op": op.String(f.SourceOp),
			"actor":     op.String(f.Actor),
			"hlc":       op.String(f.HLC.String()),
		}
		if rendered := f.Render(); rendered != nil {
			obj["value"] = rendered
		}
		fields[ref.Entity+"\x00"+ref.Key] = obj
	}

	edges := make(op.Object, len(s.edges))
	for id, e := range s.edges {
		edges[id] = op.Object{
			"from":     op.String(e.From),
			"to":       op.String(e.To),
			"rel":      op.String(e.Rel),
			"position": op.String(e.Position),
			"actor":    op.String(e.Actor),
			"hlc":      op.String(e.HLC.String()),
			"deleted":  op.Bool(e.Deleted),
		}
	}

	redirects := make(op.Object, len(s.redirects))
	for from, to := range s.redirects {
		redirects[from] = op.String(to)
	}

	resolved := make(op.Object, len(s.resolved))
	for conflictID, opID := range s.resolved {
		resolved[conflictID] = op.String(opID)
	}

	root := op.Object{
		"entities":  entities,
		"fields":    fields,
		"edges":     edges,
		"redirects": redirects,
		"resolved":  resolved,
	}
	data, err := op.MarshalCanonical(root)
	if err != nil {
		return "", fmt.Errorf("state hash: %w", err)
	}
	return op.HashWithDomain(op.DomainState, data), nil
}
