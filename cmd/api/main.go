package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/cleanup"
	"tenantguard.org/internal/config"
	"tenantguard.org/internal/httpapi"
	"tenantguard.org/internal/migrate"
	"tenantguard.org/internal/obs"
	"tenantguard.org/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenantguard-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to YAML config (default $TENANTGUARD_CONFIG)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := obs.InitLogger(obs.LogConfig{
		Level:       cfg.Logging.Level,
		Environment: cfg.Logging.Environment,
		ServiceName: "tenantguard-api",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	backend, dialect, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		mgr := migrate.NewManager(backend.DB(), dialect, migrate.WithLogger(logger))
		if err := mgr.Up(ctx); err != nil {
			return err
		}
		if err := mgr.Seed(ctx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	codec, err := auth.NewCodec(cfg.Security.JWTSecret, auth.WithCodecIssuer(cfg.Security.Issuer))
	if err != nil {
		return err
	}
	blacklist := auth.NewBlacklist(backend,
		auth.WithFailClosed(cfg.Security.BlacklistFailClosed),
		auth.WithSweepBatch(cfg.Cleanup.BatchSize),
		auth.WithBlacklistLogger(logger.Named("blacklist")),
	)
	svc, err := auth.NewService(backend, codec,
		auth.WithAccessTTL(cfg.Security.AccessTTL),
		auth.WithRefreshTTL(cfg.Security.RefreshTTL),
		auth.WithRefreshRotation(cfg.Security.RevokeOnRefresh),
		auth.WithBlacklist(blacklist),
		auth.WithLogger(logger.Named("auth")),
		auth.WithMailer(auth.LogMailer{From: cfg.Mail.From, Logger: logger.Named("mail")}),
	)
	if err != nil {
		return err
	}

	if cfg.Cleanup.Interval > 0 {
		sched := cleanup.NewScheduler(blacklist, cfg.Cleanup.Interval, cfg.Cleanup.Retention, logger.Named("cleanup"))
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("cleanup scheduler stopped", zap.Error(err))
			}
		}()
	}

	api := httpapi.New(svc, backend, httpapi.Options{
		Version:    version,
		Logger:     logger.Named("http"),
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		TrustProxy: cfg.Server.TrustProxy,
	})
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting tenantguard-api",
			zap.String("version", version),
			zap.String("addr", srv.Addr),
			zap.String("driver", string(dialect)),
			zap.Bool("blacklist_fail_closed", blacklist.FailClosed()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	svc.Wait()
	logger.Info("stopped")
	return nil
}
