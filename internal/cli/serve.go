package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiltdb/quilt/internal/sync"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync endpoint for other peers",
		Long: `Listen for incoming sync sessions at /sync.

Each connection runs one full session: handshake, bidirectional delta
exchange, and digest comparison. The engine's maintenance loop runs
alongside the server. Shuts down cleanly when the context is cancelled.

Examples:
  quilt serve --config quilt.yaml
  quilt serve --config quilt.yaml --listen :7420`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	env, err := OpenEnv(ctx, opts.Config, opts.Verbose)
	if err != nil {
		return err
	}
	defer env.Close()

	listen := env.Config.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	if listen == "" {
		return NewExitError(ExitCommandError, "no listen address (set listen in config or pass --listen)")
	}

	syncCfg := env.SyncConfig()
	// Serving peers participate in the advisory leader election; sessions
	// fold received heartbeats and broadcast ours while we lead.
	syncCfg.Election = sync.NewElection(env.Keys.ActorID(), 0)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", sync.Handler(syncCfg))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		// Engine maintenance (conflict rescans, GC) shares the serve
		// lifetime.
		_ = env.Engine.Run(ctx)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	f := formatter(cmd, opts.RootOptions)
	f.Textf("serving sync on %s (actor %s)", listen, env.Keys.ActorID().Short())

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}
