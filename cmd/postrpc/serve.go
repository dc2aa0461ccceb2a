package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"post-rpc/config"
	"post-rpc/middleware"
	"post-rpc/registry"
	"post-rpc/server"
	"post-rpc/services"
)

const shutdownTimeout = 5 * time.Second

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo services",
	RunE:  executeServeCmd,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address, overrides server.address")
}

func executeServeCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	svr, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	var reg registry.Registry
	if len(cfg.Registry.EtcdEndpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer func() { _ = etcdReg.Close() }()
		reg = etcdReg
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.Serve(cfg.Server.Address, cfg.Server.AdvertiseURL, reg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
	if err := svr.Shutdown(shutdownTimeout); err != nil {
		return err
	}
	return <-errCh
}

// newServer registers the demo services with the middlewares cfg asks for.
func newServer(cfg *config.Config, logger *zap.Logger) (*server.Server, error) {
	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithBasePath(cfg.Server.BasePath),
		server.WithArgsField(cfg.Client.ArgsField),
		server.WithTTL(cfg.Registry.TTL),
	)
	err := svr.RegisterSession("test", func() any { return &services.TestService{} })
	if err != nil {
		return nil, err
	}
	if err := svr.RegisterName("random", &services.RandomService{}); err != nil {
		return nil, err
	}
	for name, methods := range cfg.Server.Filter {
		if err := svr.Filter(name, methods...); err != nil {
			return nil, err
		}
	}

	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.RateLimit.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit.Rate, cfg.Server.RateLimit.Burst))
	}
	if cfg.Server.Timeout > 0 {
		svr.Use(middleware.TimeoutMiddleware(cfg.Server.Timeout.Std()))
	}
	return svr, nil
}
