package state

import (
	"slices"
	"strings"

	"github.com/quiltdb/quilt/internal/crdt"
	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
)

// FieldRef addresses one semantic field.
type FieldRef struct {
	Entity string
	Key    string
}

// Entity is pure identity; "type" is emergent from which fields are
// attached. Deleted entities stay present for audit.
type Entity struct {
	ID        string
	CreatedBy string
	Actor     identity.ActorID
	HLC       hlc.HLC

	Deleted   bool
	DeletedBy string

	// CascadedEdges is the audit record of edges removed with the entity.
	CascadedEdges []string

	// Survivor is set when the deletion absorbed this entity into another.
	Survivor string
}

// Field is one (entity, key) value with provenance. Exactly one of Value
// (plain) or Merge (CRDT) carries the data; Kind dispatches once, at the
// first write.
type Field struct {
	Entity string
	Key    string
	Kind   op.FieldKind

	Value op.Value   // plain only; nil after clear_field
	Merge crdt.State // CRDT only

	SourceOp string
	Actor    identity.ActorID
	HLC      hlc.HLC

	// Contested marks a plain field whose displayed LWW value has an open
	// conflict. Set by the conflict layer, not the deriver.
	Contested bool
}

// Render returns the queryable value of the field.
func (f *Field) Render() op.Value {
	if f.Kind.IsCrdt() {
		return f.Merge.Render()
	}
	return f.Value
}

// Edge is one ordered relationship instance.
type Edge struct {
	ID       string
	From     string
	To       string
	Rel      string
	Position string

	// Provenance of the current position (creation or winning move).
	SourceOp string
	Actor    identity.ActorID
	HLC      hlc.HLC

	Deleted bool
}

// State is the derived materialization of the log.
type State struct {
	entities  map[string]*Entity
	fields    map[FieldRef]*Field
	edges     map[string]*Edge
	redirects map[string]string

	// resolved maps conflict ID to the op that closed it. Only the first
	// valid resolution in canonical order is accepted; later ones are
	// audit artifacts and must not move the field again.
	resolved map[string]string
}

// NewState returns an empty derived state.
func NewState() *State {
	return &State{
		entities:  make(map[string]*Entity),
		fields:    make(map[FieldRef]*Field),
		edges:     make(map[string]*Edge),
		redirects: make(map[string]string),
		resolved:  make(map[string]string),
	}
}

// ResolutionOf returns the op that closed conflict id, if any.
func (s *State) ResolutionOf(conflictID string) (string, bool) {
	opID, ok := s.resolved[conflictID]
	return opID, ok
}

// Resolve follows the redirect chain from id to its final survivor.
// Chains are acyclic by construction; the guard makes a corrupted chain
// terminate deterministically instead of spinning.
func (s *State) Resolve(id string) string {
	seen := map[string]bool{}
	for {
		next, ok := s.redirects[id]
		if !ok || seen[id] {
			return id
		}
		seen[id] = true
		id = next
	}
}

// Entity returns the entity for id, transparently resolving redirects.
func (s *State) Entity(id string) (*Entity, bool) {
	e, ok := s.entities[s.Resolve(id)]
	return e, ok
}

// Live reports whether id resolves to an existing, non-deleted entity.
func (s *State) Live(id string) bool {
	e, ok := s.Entity(id)
	return ok && !e.Deleted
}

// Field returns the field (entity, key), resolving entity redirects.
func (s *State) Field(entity, key string) (*Field, bool) {
	f, ok := s.fields[FieldRef{Entity: s.Resolve(entity), Key: key}]
	return f, ok
}

// Edge returns the edge by ID.
func (s *State) Edge(id string) (*Edge, bool) {
	e, ok := s.edges[id]
	return e, ok
}

// EntityIDs returns all entity IDs (deleted included), sorted.
func (s *State) EntityIDs() []string {
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Fields returns all fields of an entity, sorted by key.
func (s *State) Fields(entity string) []*Field {
	entity = s.Resolve(entity)
	var out []*Field
	for ref, f := range s.fields {
		if ref.Entity == entity {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b *Field) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// EdgesOf returns the live edges attached to an entity at either
// endpoint, sorted by edge ID. Deleting the entity cascades to exactly
// this set.
func (s *State) EdgesOf(entity string) []*Edge {
	entity = s.Resolve(entity)
	var out []*Edge
	for _, e := range s.edges {
		if e.Deleted || (e.From != entity && e.To != entity) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Edge) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// OrderedEdges returns the live edges of (from, rel) in final order:
// by position, with concurrent equal positions broken deterministically
// by (actor, hlc). Positions are interpreted fresh on every derivation,
// so a concurrently-deleted neighbor never skews the order.
func (s *State) OrderedEdges(from, rel string) []*Edge {
	from = s.Resolve(from)
	var out []*Edge
	for _, e := range s.edges {
		if e.Deleted || e.From != from || e.Rel != rel {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Edge) int {
		if c := strings.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Actor), string(b.Actor)); c != 0 {
			return c
		}
		return a.HLC.Compare(b.HLC)
	})
	return out
}

// MarkContested flags or clears the contested display state of a plain
// field.
func (s *State) MarkContested(entity, key string, contested bool) {
	if f, ok := s.Field(entity, key); ok {
		f.Contested = contested
	}
}

// Clone deep-copies the state. Staging contexts overlay their bundles on
// a clone, so canonical state never sees un-promoted edits.
func (s *State) Clone() (*State, error) {
	out := NewState()
	for id, e := range s.entities {
		ce := *e
		ce.CascadedEdges = slices.Clone(e.CascadedEdges)
		out.entities[id] = &ce
	}
	for ref, f := range s.fields {
		cf := *f
		if f.Merge != nil {
			blob, err := f.Merge.Marshal()
			if err != nil {
				return nil, err
			}
			m, err := crdt.LoadState(f.Kind, blob)
			if err != nil {
				return nil, err
			}
			cf.Merge = m
		}
		out.fields[ref] = &cf
	}
	for id, e := range s.edges {
		ce := *e
		out.edges[id] = &ce
	}
	for k, v := range s.redirects {
		out.redirects[k] = v
	}
	for k, v := range s.resolved {
		out.resolved[k] = v
	}
	return out, nil
}
