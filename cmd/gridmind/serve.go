package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/gridmind/internal/binding"
	"github.com/danielpatrickdp/gridmind/internal/logging"
	"github.com/danielpatrickdp/gridmind/internal/metrics"
)

// #region serve-cmd

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		addr        string
		metricsAddr string
		runID       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose one engine over gRPC",
		Long: `Expose one engine as the gridmind.v1.Engine gRPC service. Clients drive
it with ResetEpisode, Step and GetDiagnostics. Prometheus metrics are served
on the metrics address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Serve.Addr
			}
			if metricsAddr == "" {
				metricsAddr = cfg.Serve.MetricsAddr
			}
			s, err := openStack(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := s.newEngine(runID)
			if err != nil {
				return err
			}
			defer s.closeEngine(ctx, engine)

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			gs := binding.NewGRPCServer(engine, logger)
			hs := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(s.registry)}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				logger.Info("grpc listening", "addr", lis.Addr().String(), logging.RunIDKey, engine.RunID())
				return gs.Serve(lis)
			})
			eg.Go(func() error {
				logger.Info("metrics listening", "addr", metricsAddr)
				if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")
				gs.GracefulStop()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return hs.Shutdown(sctx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC listen address (default: serve.addr)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (default: serve.metrics_addr)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (default: random UUID)")
	return cmd
}

// #endregion serve-cmd
