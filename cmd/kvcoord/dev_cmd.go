package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/kvcoord"
	"pkt.systems/kvcoord/internal/memstore"
)

func newDevCommand(env *cliEnv) *cobra.Command {
	var (
		listen string
		node   string
		reap   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Serve an in-memory KV and session store for local development",
		Long: `Serve the /v1/kv and /v1/session endpoints from memory. State is lost on
exit. Intended for tests and local development only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := env.load(ctx); err != nil {
				return err
			}
			defer env.cleanup()
			logger := env.subsystem("cli.dev")

			store := memstore.New(memstore.Config{Logger: env.logger, Node: node, ReapInterval: reap})
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("dev: listen %s: %w", listen, err)
			}
			srv := &http.Server{
				Handler:           store.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go store.Run(runCtx)

			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ln) }()
			logger.Info("cli.dev.listening", "address", ln.Addr().String(), "node", node)
			fmt.Fprintf(cmd.OutOrStdout(), "serving in-memory store on http://%s\n", ln.Addr())

			select {
			case err := <-serveErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			// Blocking reads hold connections open; close them rather than wait.
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
			logger.Info("cli.dev.stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", kvcoord.DefaultDevListen, "listen address")
	cmd.Flags().StringVar(&node, "node", memstore.DefaultNode, "node name reported for sessions")
	cmd.Flags().DurationVar(&reap, "reap-interval", memstore.DefaultReapInterval, "how often expired sessions are invalidated")
	return cmd
}
