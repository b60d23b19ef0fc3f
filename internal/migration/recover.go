package migration

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ksred/supamigrate/internal/models"
)

// Recover re-imports tables from the snapshots in dir, the directory of an
// earlier run. Without an explicit table list it retries every table that
// did not fully migrate according to that run's report. Upserts make
// repeated recoveries safe.
func (o *Orchestrator) Recover(ctx context.Context, dir string, only []string) (*models.MigrationRun, error) {
	runID := uuid.New().String()
	logger := o.logger.With().Str("run_id", runID).Logger()

	backup, err := OpenBackupDir(dir, logger)
	if err != nil {
		return nil, err
	}

	if len(only) == 0 {
		previous, err := backup.ReadReport(MigrationReportFile)
		if err != nil {
			return nil, fmt.Errorf("no table list given and %w", err)
		}
		only = previous.FailedTables()
		if len(only) == 0 {
			logger.Info().Str("dir", dir).Msg("Every table of the previous run succeeded, nothing to recover")
		}
	}

	plan, err := Plan(o.cfg.Tables, o.cfg.AutoOrder)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		if plan, err = Select(plan, only); err != nil {
			return nil, err
		}
	} else {
		plan = nil
	}

	run := models.NewMigrationRun(runID, models.RunKindRecovery, dir, o.destID, o.now())
	run.BackupDir = backup.Dir()

	logger.Info().
		Int("tables", len(plan)).
		Str("dir", dir).
		Msg("Starting recovery")

	o.execute(ctx, run, plan, logger, func(spec models.TableSpec) ([]models.Row, string, error) {
		rows, err := backup.Read(spec.Name)
		if err != nil {
			return nil, "", err
		}
		return rows, backup.SnapshotPath(spec.Name), nil
	})

	return o.finish(ctx, run, backup, RecoveryReportFile, logger)
}
