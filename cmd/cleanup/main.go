package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/config"
	"tenantguard.org/internal/obs"
	"tenantguard.org/internal/store"
)

const defaultOldDays = 30

type options struct {
	configPath string
	stats      bool
	expired    bool
	oldDays    int
	all        bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "path to YAML config (default $TENANTGUARD_CONFIG)")
	flags.BoolVar(&opts.stats, "stats", false, "print blacklist statistics")
	flags.BoolVar(&opts.expired, "cleanup-expired", false, "delete entries whose token has expired")
	flags.IntVar(&opts.oldDays, "cleanup-old", 0, "delete entries revoked more than `DAYS` days ago")
	flags.BoolVar(&opts.all, "all", false, "run every operation (old entries use 30 days unless --cleanup-old is set)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if !opts.stats && !opts.expired && opts.oldDays == 0 && !opts.all {
		fmt.Fprintln(os.Stderr, "usage: cleanup [--config FILE] [--stats] [--cleanup-expired] [--cleanup-old DAYS] [--all]")
		flags.PrintDefaults()
		os.Exit(2)
	}
	if opts.oldDays < 0 {
		fmt.Fprintln(os.Stderr, "cleanup: --cleanup-old must be positive")
		os.Exit(2)
	}

	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := obs.InitLogger(obs.LogConfig{Level: cfg.Logging.Level, Environment: cfg.Logging.Environment, ServiceName: "tenantguard-cleanup"})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	backend, _, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	bl := auth.NewBlacklist(backend, auth.WithSweepBatch(cfg.Cleanup.BatchSize), auth.WithBlacklistLogger(logger))
	return execute(ctx, bl, opts, out)
}

func execute(ctx context.Context, bl *auth.Blacklist, opts options, out io.Writer) error {
	if opts.stats || opts.all {
		stats, err := bl.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(out, stats)
	}
	if opts.expired || opts.all {
		n, err := bl.SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "expired entries deleted: %d\n", n)
	}
	if opts.oldDays > 0 || opts.all {
		days := opts.oldDays
		if days == 0 {
			days = defaultOldDays
		}
		n, err := bl.SweepOlderThan(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "entries older than %d days deleted: %d\n", days, n)
	}
	return nil
}

func printStats(out io.Writer, s auth.BlacklistStats) {
	fmt.Fprintf(out, "total:   %d\n", s.Total)
	fmt.Fprintf(out, "expired: %d\n", s.Expired)
	fmt.Fprintf(out, "active:  %d\n", s.Active)
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-20s %d\n", k, s.ByKind[auth.TokenKind(k)])
	}
	fmt.Fprintf(out, "as of:   %s\n", s.GeneratedAt.UTC().Format(time.RFC3339))
}
