package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quiltdb/quilt/internal/op"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Quarantined bool
}

// VerifyResult holds the verification outcome.
type VerifyResult struct {
	Ops      int      `json:"ops"`
	Verified int      `json:"verified"`
	Purged   int      `json:"purged"`
	Invalid  []string `json:"invalid,omitempty"`
	HeadHash string   `json:"head_hash"`
}

// QuarantineView is one quarantined operation in list output.
type QuarantineView struct {
	OpID          string `json:"op_id"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
	QuarantinedAt string `json:"quarantined_at"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify oplog signatures, or list quarantined operations",
		Long: `Re-verify the Ed25519 signature of every stored operation.

Purged operations are skipped: their payload bytes are gone, so their
signatures are unverifiable by design - they are retained on the
strength of the resolution that purged them.

With --quarantined, lists the quarantine queue instead. Rejected
operations never silently vanish; this is where they wait for a clean
re-fetch or manual diagnosis.

Exit codes:
  0 - all signatures verified
  1 - at least one stored operation failed verification
  2 - command error

Examples:
  quilt verify --config quilt.yaml
  quilt verify --config quilt.yaml --quarantined`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Quarantined, "quarantined", false, "list quarantined operations instead")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	env, err := OpenEnv(ctx, opts.Config, opts.Verbose)
	if err != nil {
		return err
	}
	defer env.Close()

	f := formatter(cmd, opts.RootOptions)

	if opts.Quarantined {
		entries, err := env.Store.Quarantined(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read quarantine", err)
		}
		views := make([]QuarantineView, len(entries))
		for i, e := range entries {
			views[i] = QuarantineView{
				OpID:          e.OpID,
				Reason:        e.Reason,
				Detail:        e.Detail,
				QuarantinedAt: e.QuarantinedAt,
			}
		}
		if opts.Format == "json" {
			return f.JSON(views)
		}
		if len(views) == 0 {
			f.Textf("quarantine is empty")
			return nil
		}
		for _, v := range views {
			f.Textf("%s  %s  %s", v.OpID, v.Reason, v.QuarantinedAt)
		}
		return nil
	}

	records, err := env.Store.ReadCanonical(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read oplog", err)
	}

	result := VerifyResult{Ops: len(records)}
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].Op.ID
		if records[i].Purged {
			result.Purged++
			continue
		}
		if records[i].Op.VerifySignature() {
			result.Verified++
		} else {
			result.Invalid = append(result.Invalid, records[i].Op.ID)
		}
	}
	result.HeadHash = op.OplogHeadHash(ids)

	if opts.Format == "json" {
		if err := f.JSON(result); err != nil {
			return err
		}
	} else {
		f.Textf("%d ops: %d verified, %d purged, %d invalid",
			result.Ops, result.Verified, result.Purged, len(result.Invalid))
		for _, id := range result.Invalid {
			f.Textf("✗ bad signature: %s", id)
		}
		f.Textf("head %s", result.HeadHash)
	}

	if len(result.Invalid) > 0 {
		return NewExitError(ExitFailure,
			fmt.Sprintf("%d operations failed signature verification", len(result.Invalid)))
	}
	return nil
}
