package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/code-payments/iap-bridge/bridge"
	"github.com/code-payments/iap-bridge/config"
	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/iap/android"
	"github.com/code-payments/iap-bridge/iap/apple"
	"github.com/code-payments/iap-bridge/iap/memory"
	"github.com/code-payments/iap-bridge/model"
)

func newServeCommand() *cobra.Command {
	var sandbox bool

	// Environment and .env values become the flag defaults.
	cfg, loadErr := config.Load()
	if loadErr != nil {
		cfg = config.Default()
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bridge over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !sandbox {
				return errors.New("vendor bindings are provided by the host application; use --sandbox to serve the in-memory vendors")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().BoolVar(&sandbox, "sandbox", false, "serve the in-memory sandbox vendors")
	cfg.BindFlags(cmd.Flags())

	return cmd
}

func newLogger(debug bool) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	zc := zap.NewProductionConfig()
	zc.Level = level

	log, err := zc.Build()
	return log, level, err
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, level, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := iap.NewBus()
	metrics := iap.NewMetrics(reg)

	var coordinator iap.Coordinator
	switch cfg.PlatformValue() {
	case model.PlatformGoogle:
		client := memory.NewBillingClient(cfg.PackageName)
		for _, p := range catalog {
			client.PutProduct(p)
		}
		coordinator = android.NewCoordinator(log, client, bus, metrics)
	case model.PlatformApple:
		store := memory.NewStoreKit()
		for _, p := range catalog {
			store.PutProduct(p)
		}
		coordinator = apple.NewCoordinator(log, store.Kit(), bus, metrics, cfg.ReceiptTTL)
	}
	defer coordinator.Shutdown()

	handler := bridge.NewHandler(log, coordinator, level)
	server := bridge.NewServer(log, handler, bus, bridge.StreamConfig{
		BufferSize: cfg.StreamBufferSize,
		PingDelay:  cfg.StreamPingDelay,
		Timeout:    cfg.StreamTimeout,
	})

	serv := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(),
			unaryLoggingInterceptor(log),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(),
		)),
	)
	bridge.RegisterBridgeServer(serv, server)

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")

		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}

		stopped := make(chan struct{})
		go func() {
			serv.GracefulStop()
			close(stopped)
		}()

		// Event streams only end with their clients.
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			serv.Stop()
		}
	}()

	log.Info("Serving",
		zap.String("platform", cfg.PlatformValue().String()),
		zap.String("address", lis.Addr().String()),
		zap.Int("products", len(catalog)),
	)
	return serv.Serve(lis)
}

func unaryLoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if ce := log.Check(zap.DebugLevel, "Handled call"); ce != nil {
			ce.Write(zap.String("method", info.FullMethod), zap.Duration("duration", time.Since(start)), zap.Error(err))
		}
		return resp, err
	}
}
