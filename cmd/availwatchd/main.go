// Command availwatchd runs the availability-watching daemon: it
// polls monitored target sites through a headless browser, classifies
// their rendered DOM against an expected "available" color marker,
// and emails subscribers when a watched date opens up.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dsperanza/availwatch/internal/buildinfo"
	"github.com/dsperanza/availwatch/internal/config"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "seed":
		runSeed(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("availwatchd - availability watcher daemon")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the scheduler and admin server")
	fmt.Println("  seed     Idempotently load targets from config into the store")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, explicit string) *config.Config {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", cfgPath, "zone", cfg.Zone, "data_dir", cfg.DataDir)
	return cfg
}

func reconfigureLogger(logger *slog.Logger, cfg *config.Config) *slog.Logger {
	if cfg.LogLevel == "" {
		return logger
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid log_level in config", "error", err)
		os.Exit(1)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting availwatchd", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg := loadConfig(logger, configPath)
	logger = reconfigureLogger(logger, cfg)

	daemon, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize daemon", "error", err)
		os.Exit(1)
	}
	defer daemon.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- daemon.admin.Start()
	}()

	schedErrCh := make(chan error, 1)
	go func() {
		schedErrCh <- daemon.scheduler.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-schedErrCh:
		if err != nil {
			logger.Error("scheduler stopped unexpectedly", "error", err)
		}
		stop()
	case err := <-errCh:
		if err != nil {
			logger.Error("admin server stopped unexpectedly", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := daemon.admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}

	<-schedErrCh
	logger.Info("availwatchd stopped")
}

func runSeed(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)
	logger = reconfigureLogger(logger, cfg)

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	seeds := targetSeeds(cfg)
	if err := st.SeedTargets(seeds); err != nil {
		logger.Error("failed to seed targets", "error", err)
		os.Exit(1)
	}
	logger.Info("seeded targets", "count", len(seeds))
}
