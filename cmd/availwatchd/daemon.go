package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dsperanza/availwatch/internal/adminserver"
	"github.com/dsperanza/availwatch/internal/clock"
	"github.com/dsperanza/availwatch/internal/config"
	"github.com/dsperanza/availwatch/internal/fetch"
	"github.com/dsperanza/availwatch/internal/linksign"
	"github.com/dsperanza/availwatch/internal/notify"
	"github.com/dsperanza/availwatch/internal/rotate"
	"github.com/dsperanza/availwatch/internal/schedule"
	"github.com/dsperanza/availwatch/internal/session"
	"github.com/dsperanza/availwatch/internal/store"
)

const shutdownTimeout = 10 * time.Second

// daemon bundles every long-lived collaborator runServe needs to
// start and stop cleanly.
type daemon struct {
	store     *store.Store
	sessions  *session.Pool
	scheduler *schedule.Scheduler
	admin     *adminserver.Server
}

func (d *daemon) Close() error {
	return d.store.Close()
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "availwatch.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dbPath, err)
	}
	logger.Info("store opened", "path", dbPath)
	return st, nil
}

func targetSeeds(cfg *config.Config) []store.TargetSeed {
	seeds := make([]store.TargetSeed, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		seeds = append(seeds, store.TargetSeed{
			Name:           t.Name,
			URL:            t.URL,
			PaletteR:       t.PaletteR,
			PaletteG:       t.PaletteG,
			PaletteB:       t.PaletteB,
			CadenceHintSec: t.CadenceHintSec,
		})
	}
	return seeds
}

func buildRotator(cfg config.RotateConfig, logger *slog.Logger) rotate.Rotator {
	switch cfg.Strategy {
	case "gluetun":
		return rotate.NewGluetunRotator(cfg.GluetunURL, logger)
	case "process_exit":
		return rotate.NewProcessExitRotator(logger)
	default:
		return rotate.None{}
	}
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	loc, err := time.LoadLocation(cfg.Zone)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", cfg.Zone, err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	if seeds := targetSeeds(cfg); len(seeds) > 0 {
		if err := st.SeedTargets(seeds); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed targets: %w", err)
		}
	}

	sessions := session.New(session.Config{
		MaxConcurrent: cfg.Session.MaxConcurrent,
		UseBound:      cfg.Session.UseBound,
		ProfileDir:    cfg.Session.ProfileDir,
		Headless:      true,
		Logger:        logger,
	})

	if !cfg.SMTP.Configured() {
		logger.Warn("smtp is not fully configured; notification sends will fail until it is")
	}

	signer := linksign.New(cfg.LinkSign.Secret, cfg.LinkSign.TTL)
	notifier := notify.New(st, cfg.SMTP, signer, cfg.LinkSign.BaseURL, logger)

	rotator := buildRotator(cfg.Rotate, logger)

	sched := schedule.New(st, sessions, fetch.New(), notifier, rotator, clock.Real{}, loc, cfg.Schedule, logger)

	admin := adminserver.New(cfg.Admin.Address, cfg.Admin.Port, st, signer, logger)

	return &daemon{store: st, sessions: sessions, scheduler: sched, admin: admin}, nil
}
