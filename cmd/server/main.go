package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shawkridge/athena/internal/api"
	"github.com/shawkridge/athena/internal/buildconfig"
	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
)

// Exit codes: 0 success, 2 configuration error, 3 backend unavailable,
// 4 verification hard failure at bootstrap.
const (
	exitOK      = 0
	exitConfig  = 2
	exitBackend = 3
	exitVerify  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		bootLogger().Error("configuration invalid", zap.Error(err))
		return exitConfig
	}

	logger := buildLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	pool, err := db.New(ctx, cfg.DB, cfg.Embed.Dimension, logger)
	if err != nil {
		logger.Error("database connection failed", zap.Error(err))
		return exitBackend
	}
	defer pool.Close()

	if err := db.Migrate(pool, logger); err != nil {
		logger.Error("migrations failed", zap.Error(err))
		if errors.Is(err, domain.ErrSchemaMismatch) {
			return exitVerify
		}
		return exitBackend
	}

	app, err := api.NewApp(ctx, pool, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		switch {
		case errors.Is(err, domain.ErrConfig):
			return exitConfig
		case errors.Is(err, domain.ErrVerificationFailed):
			return exitVerify
		default:
			return exitBackend
		}
	}
	if app.Degraded {
		logger.Warn("running degraded: embedding provider unavailable, mock fallback active")
	}

	app.Start()
	defer app.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("version", buildconfig.Version()),
			zap.String("commit", buildconfig.Commit()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return exitBackend
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
		return exitBackend
	}

	logger.Info("server stopped")
	return exitOK
}

// bootLogger is used before the configured logger exists.
func bootLogger() *zap.Logger {
	l, _ := zap.NewProduction()
	return l
}

func buildLogger(cfg config.LogConfig) *zap.Logger {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return bootLogger()
	}
	return logger
}
