package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/migration"
)

// Run and recover flags
var (
	runTables           []string
	runBackupDir        string
	runIdentityFallback string
	runAutoOrder        bool
	runDryRun           bool
	recoverDir          string
)

func init() {
	runCmd.Flags().StringSliceVar(&runTables, "tables", nil, "Only migrate these tables (comma separated), in planned order")
	runCmd.Flags().StringVar(&runBackupDir, "backup-dir", "", "Root directory for run snapshots and reports")
	runCmd.Flags().StringVar(&runIdentityFallback, "identity-fallback", "", "What to do when the identity override fails: abort, prompt or strip")
	runCmd.Flags().BoolVar(&runAutoOrder, "auto-order", false, "Reorder tables so dependencies come first")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Export and back up without writing to the destination")

	recoverCmd.Flags().StringVar(&recoverDir, "dir", "", "Run directory holding the snapshots to re-import")
	recoverCmd.Flags().StringSliceVar(&runTables, "tables", nil, "Tables to re-import (defaults to the failed tables of the run)")
	recoverCmd.Flags().StringVar(&runIdentityFallback, "identity-fallback", "", "What to do when the identity override fails: abort, prompt or strip")
	recoverCmd.MarkFlagRequired("dir")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Export, back up and import the configured tables",
	Long: `Run migrates every configured table in order. A table whose export, backup or
import fails is recorded in the run report and the next table still runs.

The report and snapshots are written to <backup-dir>/migration_<unix-ms>/.`,
	RunE: withSession(func(ctx context.Context, s *session) error {
		orchestrator, err := newOrchestrator(ctx, s, runDryRun)
		if err != nil {
			return err
		}

		run, err := orchestrator.Run(ctx, runTables)
		if err != nil {
			return errors.Wrap(err, "migration run failed")
		}
		if failed := run.FailedTables(); len(failed) > 0 {
			s.logger.Warn().
				Strs("tables", failed).
				Str("dir", run.BackupDir).
				Msg("Some tables did not fully migrate; fix the cause and run recover")
		}
		return nil
	}),
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-import tables from the snapshots of an earlier run",
	Long: `Recover reads the snapshots of an earlier run and imports them again, without
touching the source project. Without --tables it retries every table that the
run's report marks as failed. Imports are upserts, so recovering twice is safe.`,
	RunE: withSession(func(ctx context.Context, s *session) error {
		orchestrator, err := newOrchestrator(ctx, s, false)
		if err != nil {
			return err
		}

		if _, err := orchestrator.Recover(ctx, recoverDir, runTables); err != nil {
			return errors.Wrap(err, "recovery failed")
		}
		return nil
	}),
}

// newOrchestrator applies the run flags to the configuration and builds the
// orchestrator for the session
func newOrchestrator(ctx context.Context, s *session, dryRun bool) (*migration.Orchestrator, error) {
	cfg := s.cfg.Migration
	if runBackupDir != "" {
		cfg.BackupDir = runBackupDir
	}
	if runIdentityFallback != "" {
		cfg.IdentityFallback = runIdentityFallback
	}
	if runAutoOrder {
		cfg.AutoOrder = true
	}

	switch cfg.IdentityFallback {
	case config.FallbackAbort, config.FallbackPrompt, config.FallbackStrip:
	default:
		return nil, errors.Errorf("unknown identity fallback %q (want abort, prompt or strip)", cfg.IdentityFallback)
	}

	tables, err := s.tables(ctx)
	if err != nil {
		return nil, err
	}
	cfg.Tables = tables

	return migration.NewOrchestrator(s.source.store, s.dest.store, cfg, s.logger,
		migration.WithProjects(s.cfg.Source.Identifier(), s.cfg.Destination.Identifier()),
		migration.WithConfirmer(newPromptConfirmer(os.Stdin, os.Stderr)),
		migration.WithDryRun(dryRun),
		migration.WithOutput(os.Stdout),
	), nil
}
