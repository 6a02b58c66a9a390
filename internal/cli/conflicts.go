package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quiltdb/quilt/internal/conflict"
	"github.com/quiltdb/quilt/internal/op"
)

// ConflictsOptions holds flags shared by the conflicts subcommands.
type ConflictsOptions struct {
	*RootOptions
}

// ConflictTipView is one branch tip in list output.
type ConflictTipView struct {
	OpID  string          `json:"op_id"`
	Actor string          `json:"actor"`
	HLC   string          `json:"hlc"`
	Value json.RawMessage `json:"value"`
}

// ConflictView is one conflict in list output.
type ConflictView struct {
	ID     string            `json:"id"`
	Entity string            `json:"entity"`
	Field  string            `json:"field"`
	Status string            `json:"status"`
	Tips   []ConflictTipView `json:"tips,omitempty"`
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(opts))
	cmd.AddCommand(newConflictsResolveCommand(opts))
	return cmd
}

func newConflictsListCommand(opts *ConflictsOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts",
		Long: `List open conflicts with their competing branch tips.

Each tip is the newest value on one causal branch; resolving means
choosing exactly one of them.

Examples:
  quilt conflicts list --config quilt.yaml
  quilt conflicts list --all --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(opts, cmd, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")

	return cmd
}

func runConflictsList(opts *ConflictsOptions, cmd *cobra.Command, all bool) error {
	ctx := cmd.Context()

	env, err := OpenEnv(ctx, opts.Config, opts.Verbose)
	if err != nil {
		return err
	}
	defer env.Close()

	report, err := env.Engine.Conflicts(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "conflict scan failed", err)
	}

	views := make([]ConflictView, 0, len(report.Open))
	for _, rec := range report.Open {
		views = append(views, conflictView(rec))
	}
	if all {
		for _, rec := range report.Resolved {
			views = append(views, conflictView(rec))
		}
	}

	f := formatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return f.JSON(views)
	}
	if len(views) == 0 {
		f.Textf("no conflicts")
		return nil
	}
	for _, v := range views {
		f.Textf("%s  %s.%s  [%s]", v.ID, v.Entity, v.Field, v.Status)
		for _, tip := range v.Tips {
			f.Textf("  tip %s by %s: %s", tip.OpID, tip.Actor[:8], tip.Value)
		}
	}
	return nil
}

func conflictView(rec *conflict.Record) ConflictView {
	v := ConflictView{
		ID:     rec.ID,
		Entity: rec.Entity,
		Field:  rec.Field,
		Status: string(rec.Status),
	}
	for _, tip := range rec.Tips {
		tv := ConflictTipView{
			OpID:  tip.OpID,
			Actor: string(tip.Actor),
			HLC:   tip.HLC.String(),
			Value: json.RawMessage("null"),
		}
		if tip.Value != nil {
			if raw, err := op.MarshalValue(tip.Value); err == nil {
				tv.Value = raw
			}
		}
		v.Tips = append(v.Tips, tv)
	}
	return v
}

func newConflictsResolveCommand(opts *ConflictsOptions) *cobra.Command {
	var (
		conflictID string
		chosenOp   string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an open conflict by choosing a branch tip",
		Long: `Author a resolution operation choosing one branch tip.

The resolution is an ordinary signed operation: it replicates on the
next sync and carries the chosen value, so the outcome survives garbage
collection of the losing branches.

Examples:
  quilt conflicts resolve --id <conflict> --choose <op>`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsResolve(opts, cmd, conflictID, chosenOp)
		},
	}

	cmd.Flags().StringVar(&conflictID, "id", "", "conflict ID (required)")
	_ = cmd.MarkFlagRequired("id")
	cmd.Flags().StringVar(&chosenOp, "choose", "", "winning branch-tip op ID (required)")
	_ = cmd.MarkFlagRequired("choose")

	return cmd
}

func runConflictsResolve(opts *ConflictsOptions, cmd *cobra.Command, conflictID, chosenOp string) error {
	ctx := cmd.Context()

	env, err := OpenEnv(ctx, opts.Config, opts.Verbose)
	if err != nil {
		return err
	}
	defer env.Close()

	bundle, err := env.Engine.Resolve(ctx, conflictID, chosenOp)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("failed to resolve %s", conflictID), err)
	}

	f := formatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return f.JSON(map[string]string{
			"conflict": conflictID,
			"chosen":   chosenOp,
			"bundle":   bundle.ID,
		})
	}
	f.Textf("resolved %s: op %s wins (bundle %s)", conflictID, chosenOp, bundle.ID)
	return nil
}
