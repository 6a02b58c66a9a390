package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quiltdb/quilt/internal/identity"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out   string
	Force bool
}

// KeygenResult is the keygen output payload.
type KeygenResult struct {
	Actor   string `json:"actor"`
	KeyFile string `json:"key_file"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an actor keypair",
		Long: `Generate a fresh Ed25519 actor keypair and write the seed to a file.

The actor's identity is its public key; the printed actor ID is what
other peers see on every operation this key signs.

Examples:
  quilt keygen --out ./actor.key`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "", "key file to write (required)")
	_ = cmd.MarkFlagRequired("out")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing key file")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	if !opts.Force {
		if _, err := os.Stat(opts.Out); err == nil {
			return NewExitError(ExitCommandError,
				fmt.Sprintf("key file %s already exists (use --force to overwrite)", opts.Out))
		}
	}

	kp, err := identity.Generate()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to generate keypair", err)
	}
	if err := kp.Save(opts.Out); err != nil {
		return WrapExitError(ExitCommandError, "failed to write key file", err)
	}

	f := formatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return f.JSON(KeygenResult{Actor: string(kp.ActorID()), KeyFile: opts.Out})
	}
	f.Textf("actor %s", kp.ActorID())
	f.Textf("key written to %s", opts.Out)
	return nil
}
