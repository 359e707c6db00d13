package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/freebrew/liveRAID/internal/boot"
	"github.com/freebrew/liveRAID/internal/config"
	"github.com/freebrew/liveRAID/internal/executor"
	"github.com/freebrew/liveRAID/internal/planner"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/safety"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
	"github.com/freebrew/liveRAID/pkg/shell"
)

const efivarsPath = "/sys/firmware/efi/efivars"

// app carries what every command needs after flags and config are resolved.
type app struct {
	cfg config.Config
	log zerolog.Logger
	run shell.Runner
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if f := flags.Lookup("dry-run"); f != nil && f.Changed {
		cfg.DryRun = viper.GetBool("dryRun")
	}
	if f := flags.Lookup("state-dir"); f != nil && f.Changed {
		cfg.StateDir = viper.GetString("stateDir")
	}
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		lvl, err := zerolog.ParseLevel(viper.GetString("logging.level"))
		if err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	a := &app{
		cfg: cfg,
		log: newLogger(cfg.LogLevel),
		run: shell.Exec{Timeout: cfg.CommandTimeout},
	}
	if cfg.Source != "" {
		a.log.Debug().Str("config", cfg.Source).Msg("configuration loaded")
	}
	return a, nil
}

func newLogger(level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// scan takes a fresh system and disk snapshot.
func (a *app) scan(ctx context.Context) (blk.Inventory, sysctx.Context, error) {
	mounts, err := blk.MountTable(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("mount table unavailable, relying on lsblk mountpoints")
	}
	sys, err := sysctx.Detect(ctx, a.run, sysctx.Options{Firmware: a.cfg.Firmware, Table: a.cfg.PartitionTable})
	if err != nil {
		return blk.Inventory{}, sys, err
	}
	inv, err := blk.Scan(ctx, a.run, blk.ScanOptions{RootSource: sys.RootSource, Mounts: mounts})
	return inv, sys, err
}

func (a *app) candidates() blk.CandidateOptions {
	return blk.CandidateOptions{AllowRemovable: a.cfg.AllowRemovable}
}

func (a *app) plannerOptions() planner.Options {
	return planner.Options{ESPSize: a.cfg.ESPSize, Candidates: a.candidates()}
}

func (a *app) bootConfigurer() *boot.Configurer {
	return boot.New(a.run, boot.SysMounter{}, a.log, boot.Options{
		BootloaderID:   a.cfg.BootloaderID,
		GrubTimeout:    a.cfg.GrubTimeout,
		BackupExisting: a.cfg.BackupExisting,
		EFIVars:        efivarsPath,
	})
}

func (a *app) executor(observe func(executor.Event)) *executor.Executor {
	return executor.New(a.run, a.bootConfigurer(), a.log, executor.Options{
		SettleTimeout:  a.cfg.SettleTimeout,
		BackupExisting: a.cfg.BackupExisting,
		Journal:        executor.NewJournal(a.cfg.StateDir),
		Observer:       observe,
	})
}

func (a *app) guard(sys sysctx.Context, ex *executor.Executor) *safety.Guard {
	return safety.NewGuard(ex, sys, a.log, safety.Options{
		DryRun:      a.cfg.DryRun,
		StateDir:    a.cfg.StateDir,
		RequireRoot: true,
	})
}

// exitCode separates input mistakes from failures during provisioning.
func exitCode(err error) int {
	switch {
	case raid.IsValidation(err):
		return 2
	case errors.Is(err, executor.ErrCancelled), errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}
