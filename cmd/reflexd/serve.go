package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/normanking/cortex-reflex/internal/logging"
	"github.com/normanking/cortex-reflex/internal/policy"
	"github.com/normanking/cortex-reflex/internal/server"
	"github.com/normanking/cortex-reflex/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the decision engine behind the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(cfg, engine.WithLogger(log))
			if err != nil {
				return err
			}
			if err := eng.Start(ctx); err != nil {
				return errors.Join(err, eng.Close())
			}

			srv := server.New(eng, cfg.Server, logging.Component(log, "server"))
			serveErr := srv.ListenAndServe(ctx)
			return errors.Join(serveErr, eng.Close())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// POLICY COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Deliberative policy tools",
	}

	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured policy table over gRPC",
		Long: `Serves policy.table (and policy.fallback) as a remote policy, so an
engine configured with policy.mode=remote can deliberate against it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Policy.Address
			}
			tb, err := cfg.Policy.TablePolicy()
			if err != nil {
				return fmt.Errorf("policy table: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return servePolicy(ctx, addr, tb)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default policy.address)")
	cmd.AddCommand(serve)

	return cmd
}

func servePolicy(ctx context.Context, addr string, p *policy.Table) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	plog := logging.Component(log, "policy")

	gs := grpc.NewServer()
	policy.NewServer(p, plog).Register(gs)

	errc := make(chan error, 1)
	go func() { errc <- gs.Serve(l) }()
	plog.Info().Str("addr", l.Addr().String()).Int("entries", p.Len()).Msg("policy server listening")

	select {
	case err := <-errc:
		return fmt.Errorf("grpc serve: %w", err)
	case <-ctx.Done():
	}
	gs.GracefulStop()
	plog.Info().Msg("policy server stopped")
	return <-errc
}
