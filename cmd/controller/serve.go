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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/danielpatrickdp/attending-controller/internal/api"
	"github.com/danielpatrickdp/attending-controller/internal/config"
	"github.com/danielpatrickdp/attending-controller/internal/logging"
	"github.com/danielpatrickdp/attending-controller/internal/notify"
	"github.com/danielpatrickdp/attending-controller/internal/orchestrator"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

const shutdownTimeout = 5 * time.Second

// #region serve

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the gRPC health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, _, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.NotifyAddr != "" {
		remote, err := notify.NewGRPCNotifier(cfg.NotifyAddr)
		if err != nil {
			return fmt.Errorf("escalation notifier: %w", err)
		}
		defer remote.Close()
		notifier = remote
	}
	dispatcher := notify.NewDispatcher(notifier, cfg.NotifyTimeout, logger)
	defer dispatcher.Wait()

	ocfg := orchestrator.DefaultConfig()
	ocfg.DefaultPersona = cfg.DefaultPersona
	ocfg.Enabled = cfg.Enabled
	orch := orchestrator.New(store, ocfg,
		orchestrator.WithRegistry(reg),
		orchestrator.WithEscalator(dispatcher),
		orchestrator.WithLogger(logger))

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewHandler(api.Deps{Controller: orch, Store: store, Logger: logger}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	logger.Info("controller starting",
		zap.String("version", version),
		zap.String("db", cfg.DBPath),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
		zap.Int("protocols", len(reg.Protocols())),
		zap.Bool("enabled", cfg.Enabled))

	var gs *grpc.Server
	var lis net.Listener
	if cfg.GRPCAddr != "" {
		lis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs = grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if gs != nil {
		g.Go(func() error {
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if gs != nil {
			gs.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// #endregion serve

// #region sink

var sinkCmd = &cobra.Command{
	Use:   "escalation-sink",
	Short: "Serve EscalationService and log every escalation received",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.GRPCAddr
		}

		logger, _, err := logging.NewLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		gs := grpc.NewServer()
		notify.RegisterEscalationService(gs, notify.HandlerFunc(func(_ context.Context, e notify.Escalation) error {
			logger.Warn("escalation received",
				zap.String("session", e.SessionID),
				zap.String("turn", e.TurnID),
				zap.String("intervention", e.InterventionID),
				zap.String("reason", e.Reason),
				zap.Float64("quality", e.Quality),
				zap.Int("incidents", e.Incidents))
			return nil
		}))

		go func() {
			<-ctx.Done()
			gs.GracefulStop()
		}()
		logger.Info("escalation sink listening", zap.String("addr", addr))
		return gs.Serve(lis)
	},
}

func init() {
	sinkCmd.Flags().String("addr", "", "listen address (defaults to grpc_addr)")
}

// #endregion sink
