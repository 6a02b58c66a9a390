package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quiltdb/quilt/internal/op"
)

// Scenario is one multi-peer convergence test.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Workspace all peers share. Sync sessions refuse mismatches, so a
	// scenario always runs inside one workspace.
	Workspace string `yaml:"workspace"`

	// Peers lists peer names. Order fixes the seeded actor identities.
	Peers []string `yaml:"peers"`

	// Script is the ordered list of steps to execute.
	Script []Step `yaml:"script"`

	// Assertions validate the final per-peer states.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Exactly one of the fields is set.
type Step struct {
	// Author commits a bundle of operations on one peer.
	Author *AuthorStep `yaml:"author,omitempty"`

	// Sync runs one full gossip session between exactly two peers.
	Sync []string `yaml:"sync,omitempty,flow"`

	// Resolve closes an open conflict by choosing one peer's branch tip.
	Resolve *ResolveStep `yaml:"resolve,omitempty"`

	// GC purges losing payloads of conflicts resolved so far.
	GC *GCStep `yaml:"gc,omitempty"`
}

// AuthorStep commits Ops as one atomic bundle authored by Peer.
type AuthorStep struct {
	Peer string   `yaml:"peer"`
	Ops  []OpStep `yaml:"ops"`
}

// OpStep describes a single operation payload.
type OpStep struct {
	Kind string `yaml:"kind"`

	Entity   string `yaml:"entity,omitempty"`
	Field    string `yaml:"field,omitempty"`
	Value    any    `yaml:"value,omitempty"`
	Survivor string `yaml:"survivor,omitempty"`

	Edge     string `yaml:"edge,omitempty"`
	From     string `yaml:"from,omitempty"`
	To       string `yaml:"to,omitempty"`
	Rel      string `yaml:"rel,omitempty"`
	Position string `yaml:"position,omitempty"`

	// CRDT authoring. crdt_delta inserts Text (text fields) or Value
	// (list and set fields) at rendered index At; clear_and_add resets a
	// set field to Values as of the author's current clock.
	FieldKind string `yaml:"field_kind,omitempty"`
	Text      string `yaml:"text,omitempty"`
	At        int    `yaml:"at,omitempty"`
	Values    []any  `yaml:"values,omitempty,flow"`
}

// ResolveStep has Peer author a resolution for the open conflict on
// (Entity, Field), choosing the branch tip authored by Choose.
type ResolveStep struct {
	Peer   string `yaml:"peer"`
	Entity string `yaml:"entity"`
	Field  string `yaml:"field"`
	Choose string `yaml:"choose"`
}

// GCStep purges losing payloads on Peer up to its current clock.
type GCStep struct {
	Peer string `yaml:"peer"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Peer restricts the check to one peer. Empty means every peer.
	Peer string `yaml:"peer,omitempty"`

	Entity string `yaml:"entity,omitempty"`
	Field  string `yaml:"field,omitempty"`
	Value  any    `yaml:"value,omitempty"`
	Live   *bool  `yaml:"live,omitempty"`

	From  string   `yaml:"from,omitempty"`
	Rel   string   `yaml:"rel,omitempty"`
	Edges []string `yaml:"edges,omitempty,flow"`

	Status string `yaml:"status,omitempty"`
	Count  *int   `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged     = "converged"
	AssertEntityLive    = "entity_live"
	AssertFieldValue    = "field_value"
	AssertEdgeOrder     = "edge_order"
	AssertConflictCount = "conflict_count"
)

// Operation kinds accepted in OpStep.Kind.
var opStepKinds = map[string]bool{
	"create_entity": true,
	"delete_entity": true,
	"set_field":     true,
	"clear_field":   true,
	"crdt_delta":    true,
	"clear_and_add": true,
	"create_edge":   true,
	"delete_edge":   true,
	"move_edge":     true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected, so a typo fails loudly instead of silently skipping a step.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var scenario Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if len(s.Peers) < 2 {
		return fmt.Errorf("at least two peers are required")
	}
	known := make(map[string]bool, len(s.Peers))
	for _, p := range s.Peers {
		if p == "" {
			return fmt.Errorf("peer names must be non-empty")
		}
		if known[p] {
			return fmt.Errorf("duplicate peer %q", p)
		}
		known[p] = true
	}

	if len(s.Script) == 0 {
		return fmt.Errorf("script is required and must be non-empty")
	}
	for i, step := range s.Script {
		if err := validateStep(i, &step, known); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step, peers map[string]bool) error {
	set := 0
	if step.Author != nil {
		set++
	}
	if step.Sync != nil {
		set++
	}
	if step.Resolve != nil {
		set++
	}
	if step.GC != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("script[%d]: exactly one of author, sync, resolve, gc is required", index)
	}

	switch {
	case step.Author != nil:
		a := step.Author
		if !peers[a.Peer] {
			return fmt.Errorf("script[%d]: unknown peer %q", index, a.Peer)
		}
		if len(a.Ops) == 0 {
			return fmt.Errorf("script[%d]: author needs at least one op", index)
		}
		for j, o := range a.Ops {
			if !opStepKinds[o.Kind] {
				return fmt.Errorf("script[%d].ops[%d]: unknown kind %q", index, j, o.Kind)
			}
			if o.Kind == "crdt_delta" && !op.FieldKind(o.FieldKind).IsCrdt() {
				return fmt.Errorf("script[%d].ops[%d]: crdt_delta needs a CRDT field_kind, got %q", index, j, o.FieldKind)
			}
		}
	case step.Sync != nil:
		if len(step.Sync) != 2 {
			return fmt.Errorf("script[%d]: sync needs exactly two peers", index)
		}
		for _, p := range step.Sync {
			if !peers[p] {
				return fmt.Errorf("script[%d]: unknown peer %q", index, p)
			}
		}
		if step.Sync[0] == step.Sync[1] {
			return fmt.Errorf("script[%d]: sync peers must differ", index)
		}
	case step.Resolve != nil:
		r := step.Resolve
		if !peers[r.Peer] {
			return fmt.Errorf("script[%d]: unknown peer %q", index, r.Peer)
		}
		if !peers[r.Choose] {
			return fmt.Errorf("script[%d]: unknown peer %q in choose", index, r.Choose)
		}
		if r.Entity == "" || r.Field == "" {
			return fmt.Errorf("script[%d]: resolve needs entity and field", index)
		}
	case step.GC != nil:
		if !peers[step.GC.Peer] {
			return fmt.Errorf("script[%d]: unknown peer %q", index, step.GC.Peer)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, peers map[string]bool) error {
	if a.Peer != "" && !peers[a.Peer] {
		return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
	}
	switch a.Type {
	case AssertConverged:
	case AssertEntityLive:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for entity_live", index)
		}
		if a.Live == nil {
			return fmt.Errorf("assertions[%d]: live is required for entity_live", index)
		}
	case AssertFieldValue:
		if a.Entity == "" || a.Field == "" {
			return fmt.Errorf("assertions[%d]: entity and field are required for field_value", index)
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for field_value", index)
		}
	case AssertEdgeOrder:
		if a.From == "" || a.Rel == "" {
			return fmt.Errorf("assertions[%d]: from and rel are required for edge_order", index)
		}
	case AssertConflictCount:
		if a.Status != "open" && a.Status != "resolved" {
			return fmt.Errorf("assertions[%d]: status must be open or resolved", index)
		}
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for conflict_count", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
