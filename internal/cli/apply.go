package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quiltdb/quilt/internal/engine"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/pos"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	OpsFile string
}

// opSpec is one operation in an ops file.
type opSpec struct {
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

	// After names an existing edge to insert behind when position is
	// omitted; with neither, the edge lands at the end of the list.
	After string `yaml:"after,omitempty"`

	// CRDT authoring. crdt_delta inserts text (text fields) or value
	// (list and set fields) at rendered index at; clear_and_add resets a
	// set field to values as of this peer's current clock.
	FieldKind string `yaml:"field_kind,omitempty"`
	Text      string `yaml:"text,omitempty"`
	At        int    `yaml:"at,omitempty"`
	Values    []any  `yaml:"values,omitempty"`
}

// ApplyResult is the apply output payload.
type ApplyResult struct {
	Bundle        string   `json:"bundle"`
	Ops           int      `json:"ops"`
	OpenConflicts []string `json:"open_conflicts,omitempty"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Author and commit a bundle of operations",
		Long: `Author the operations in an ops file as one atomic bundle.

The bundle commits locally and immediately; replication happens on the
next sync. Open conflicts after the commit are reported, not treated as
failure - the commit stands and the conflicts await resolution.

The ops file is a YAML list:

  - kind: create_entity
    entity: card-1
  - kind: set_field
    entity: card-1
    field: title
    value: "Design review"

Supported kinds: create_entity, delete_entity, set_field, clear_field,
crdt_delta, clear_and_add, create_edge, delete_edge, move_edge.

create_edge may omit position: the edge is placed at the end of its
list, or behind the committed edge named by after.

crdt_delta inserts into a merge field named by field_kind (crdt_text,
crdt_list, crdt_set): text at rendered index at for text fields, value
at index at for lists, value for sets. clear_and_add resets a set field
to values; adds made concurrently after the reset point survive.

Examples:
  quilt apply --config quilt.yaml --ops edits.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.OpsFile, "ops", "", "YAML file of operations (required)")
	_ = cmd.MarkFlagRequired("ops")

	return cmd
}

func runApply(opts *ApplyOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	specs, err := loadOps(opts.OpsFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load ops file", err)
	}

	env, err := OpenEnv(ctx, opts.Config, opts.Verbose)
	if err != nil {
		return err
	}
	defer env.Close()

	payloads, err := buildPayloads(ctx, env, specs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build operations", err)
	}

	bundle, conflicts, err := env.Engine.Author(ctx, payloads...)
	if err != nil {
		if code := engine.ApplyCodeOf(err); code != "" {
			return WrapExitError(ExitFailure, fmt.Sprintf("bundle rejected (%s)", code), err)
		}
		return WrapExitError(ExitCommandError, "failed to commit bundle", err)
	}

	result := ApplyResult{Bundle: bundle.ID, Ops: len(bundle.Ops)}
	for _, rec := range conflicts.Open {
		result.OpenConflicts = append(result.OpenConflicts,
			fmt.Sprintf("%s (%s.%s)", rec.ID, rec.Entity, rec.Field))
	}

	f := formatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return f.JSON(result)
	}
	f.Textf("committed bundle %s (%d ops)", result.Bundle, result.Ops)
	for _, c := range result.OpenConflicts {
		f.Textf("open conflict: %s", c)
	}
	return nil
}

var opSpecKinds = map[string]bool{
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

func loadOps(path string) ([]opSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var specs []opSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&specs); err != nil {
		return nil, fmt.Errorf("parse ops: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("ops file is empty")
	}
	for i := range specs {
		if !opSpecKinds[specs[i].Kind] {
			return nil, fmt.Errorf("ops[%d]: unknown op kind %q", i, specs[i].Kind)
		}
		if specs[i].Kind == "crdt_delta" && !op.FieldKind(specs[i].FieldKind).IsCrdt() {
			return nil, fmt.Errorf("ops[%d]: crdt_delta needs a CRDT field_kind, got %q", i, specs[i].FieldKind)
		}
	}
	return specs, nil
}

// buildPayloads converts specs to payloads, allocating positions for
// edge creations that left position empty. `after` anchors must name
// already-committed edges; appends within one file chain off the last
// position allocated for the same list, so they stay in file order.
func buildPayloads(ctx context.Context, env *Env, specs []opSpec) ([]op.Payload, error) {
	type listKey struct{ from, rel string }
	lastAllocated := make(map[listKey]string)

	var crdt *engine.CrdtAuthoring
	payloads := make([]op.Payload, len(specs))
	for i := range specs {
		s := &specs[i]
		if s.Kind == "crdt_delta" || s.Kind == "clear_and_add" {
			var err error
			if crdt == nil {
				if crdt, err = env.Engine.CrdtAuthoring(ctx); err != nil {
					return nil, fmt.Errorf("ops[%d]: %w", i, err)
				}
			}
			if payloads[i], err = crdtSpecPayload(crdt, s); err != nil {
				return nil, fmt.Errorf("ops[%d]: %w", i, err)
			}
			continue
		}
		if s.Kind == "create_edge" && s.Position == "" {
			key := listKey{s.From, s.Rel}
			var (
				p   string
				err error
			)
			if prev, ok := lastAllocated[key]; ok && s.After == "" {
				p, err = pos.After(prev)
			} else {
				p, err = env.Engine.PositionBetween(ctx, s.From, s.Rel, s.After, "")
			}
			if err != nil {
				return nil, fmt.Errorf("ops[%d]: %w", i, err)
			}
			s.Position = p
			lastAllocated[key] = p
		}
		p, err := payloadForSpec(s)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
		payloads[i] = p
	}
	return payloads, nil
}

func crdtSpecPayload(author *engine.CrdtAuthoring, s *opSpec) (op.Payload, error) {
	if s.Kind == "clear_and_add" {
		values := make(op.Array, len(s.Values))
		for i, raw := range s.Values {
			v, err := op.FromGo(raw)
			if err != nil {
				return nil, fmt.Errorf("clear_and_add %s.%s: %w", s.Entity, s.Field, err)
			}
			values[i] = v
		}
		return author.ClearAndAdd(s.Entity, s.Field, values), nil
	}

	switch op.FieldKind(s.FieldKind) {
	case op.FieldCrdtText:
		return author.TextInsert(s.Entity, s.Field, s.At, s.Text)
	case op.FieldCrdtList:
		v, err := op.FromGo(s.Value)
		if err != nil {
			return nil, fmt.Errorf("crdt_delta %s.%s: %w", s.Entity, s.Field, err)
		}
		return author.ListInsert(s.Entity, s.Field, s.At, v)
	case op.FieldCrdtSet:
		v, err := op.FromGo(s.Value)
		if err != nil {
			return nil, fmt.Errorf("crdt_delta %s.%s: %w", s.Entity, s.Field, err)
		}
		return author.SetAdd(s.Entity, s.Field, v)
	default:
		return nil, fmt.Errorf("crdt_delta %s.%s: unsupported field_kind %q", s.Entity, s.Field, s.FieldKind)
	}
}

func payloadForSpec(s *opSpec) (op.Payload, error) {
	switch s.Kind {
	case "create_entity":
		return op.CreateEntity{Entity: s.Entity}, nil
	case "delete_entity":
		return op.DeleteEntity{Entity: s.Entity, Survivor: s.Survivor}, nil
	case "set_field":
		v, err := op.FromGo(s.Value)
		if err != nil {
			return nil, fmt.Errorf("set_field %s.%s: %w", s.Entity, s.Field, err)
		}
		return op.SetField{Entity: s.Entity, Field: s.Field, Value: v}, nil
	case "clear_field":
		return op.ClearField{Entity: s.Entity, Field: s.Field}, nil
	case "create_edge":
		return op.CreateEdge{
			Edge:     s.Edge,
			From:     s.From,
			To:       s.To,
			Rel:      s.Rel,
			Position: s.Position,
		}, nil
	case "delete_edge":
		return op.DeleteEdge{Edge: s.Edge}, nil
	case "move_edge":
		return op.MoveEdge{Edge: s.Edge, Position: s.Position}, nil
	default:
		return nil, fmt.Errorf("unknown op kind %q", s.Kind)
	}
}
