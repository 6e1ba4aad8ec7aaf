package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tenantguard.org/internal/config"
	"tenantguard.org/internal/migrate"
	"tenantguard.org/internal/obs"
	"tenantguard.org/internal/store"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = pflag.String("config", "", "path to YAML config (default $TENANTGUARD_CONFIG)")
		timeout    = pflag.Duration("timeout", 60*time.Second, "overall deadline")
	)
	pflag.Usage = func() {
		fmt.Println("usage: migrate [--config FILE] up|down|status|seed")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 1 {
		pflag.Usage()
		log.Fatal("exactly one command is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := obs.InitLogger(obs.LogConfig{Level: cfg.Logging.Level, Environment: "development"})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, dialect, err := store.Open(cfg.Database)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer backend.Close()

	mgr := migrate.NewManager(backend.DB(), dialect, migrate.WithLogger(logger))

	cmd := pflag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		pflag.Usage()
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}
