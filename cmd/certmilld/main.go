package main

import (
	"context"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/server"
	"github.com/certmill/certmill/internal/storage"
	"github.com/certmill/certmill/internal/tasks"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("certmill starting", zap.String("external_url", cfg.ExternalURL))

	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	caService, err := ca.New(cfg, store)
	if err != nil {
		logger.Fatal("failed to initialize CA service", zap.Error(err))
	}
	logger.Info("CA service initialized", zap.Bool("is_initialized", caService.IsInitialized()))

	if cfg.BootstrapAPIKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.SaveAPIKey(ctx, cfg.BootstrapAPIKey, []string{"admin"}); err != nil {
			cancel()
			logger.Fatal("failed to save bootstrap API key", zap.Error(err))
		}
		cancel()
		logger.Info("bootstrap API key saved with admin role")
	}

	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg)
	if err != nil {
		logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
	}

	runner := tasks.NewRunner(cfg, store, caService)
	runner.Start()
	defer runner.Stop()

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, store, cfg, caService, runner, logger)
	server.ApplyCommonMiddleware(httpsInstance, store, cfg, caService, runner, logger)
	server.SetupRouter(httpInstance, httpsInstance, store, cfg, caService)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP listener starting", zap.String("address", cfg.HTTPAddress))
		errCh <- httpInstance.Start(cfg.HTTPAddress)
	}()
	go func() {
		logger.Info("HTTPS listener starting", zap.String("address", cfg.HTTPSAddress))
		errCh <- httpsInstance.StartTLS(cfg.HTTPSAddress, certFile, keyFile)
	}()

	err = <-errCh
	logger.Error("server stopped", zap.Error(err))
	os.Exit(1)
}
