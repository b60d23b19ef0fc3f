package migration

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

// Orchestrator migrates a planned list of tables one at a time. A table's
// failure is recorded in the run report and the next table still runs.
type Orchestrator struct {
	source    Source
	dest      Destination
	cfg       config.Migration
	confirmer Confirmer
	sourceID  string
	destID    string
	dryRun    bool
	out       io.Writer
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithConfirmer sets the operator prompt used by the prompt fallback policy
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithProjects sets the identifiers recorded in the report
func WithProjects(source, destination string) Option {
	return func(o *Orchestrator) {
		o.sourceID = source
		o.destID = destination
	}
}

// WithDryRun exports and backs up without writing to the destination
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// WithOutput sets where the summary table is printed
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator for one run
func NewOrchestrator(source Source, dest Destination, cfg config.Migration, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source: source,
		dest:   dest,
		cfg:    cfg,
		out:    io.Discard,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run migrates the configured tables, restricted to only when it is non-empty.
// Errors are returned for startup failures (planning, backup directory) and
// for a report that could not be written; table failures live in the report.
func (o *Orchestrator) Run(ctx context.Context, only []string) (*models.MigrationRun, error) {
	plan, err := Plan(o.cfg.Tables, o.cfg.AutoOrder)
	if err != nil {
		return nil, err
	}
	plan, err = Select(plan, only)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger := o.logger.With().Str("run_id", runID).Logger()

	start := o.now()
	backup, err := NewBackupWriter(o.cfg.BackupDir, start, logger)
	if err != nil {
		return nil, err
	}

	run := models.NewMigrationRun(runID, models.RunKindMigration, o.sourceID, o.destID, start)
	run.BackupDir = backup.Dir()

	logger.Info().
		Int("tables", len(plan)).
		Str("backup_dir", backup.Dir()).
		Bool("dry_run", o.dryRun).
		Msg("Starting migration")

	exporter := NewExporter(o.source, o.cfg.PageSize, logger)
	o.execute(ctx, run, plan, logger, func(spec models.TableSpec) ([]models.Row, string, error) {
		rows, err := exporter.Export(ctx, spec)
		if err != nil {
			return nil, "", err
		}
		path, err := backup.Write(spec.Name, rows)
		if err != nil {
			// The export itself succeeded
			return rows, "", err
		}
		return rows, path, nil
	})

	return o.finish(ctx, run, backup, MigrationReportFile, logger)
}

// loadFunc produces the rows of a table and the snapshot file holding them
type loadFunc func(spec models.TableSpec) ([]models.Row, string, error)

// execute processes tables strictly in order, recording each outcome
func (o *Orchestrator) execute(ctx context.Context, run *models.MigrationRun, plan []models.TableSpec, logger zerolog.Logger, load loadFunc) {
	importer := NewImporter(o.dest, o.cfg.BatchSize, logger)
	identity := NewIdentityImporter(o.dest, o.cfg.BatchSize, o.cfg.IdentityFallback, o.confirmer, logger)

	for _, spec := range plan {
		if ctx.Err() != nil {
			logger.Warn().Str("table", spec.Name).Msg("Run cancelled, skipping remaining tables")
			return
		}

		result := &models.TableMigrationResult{
			Table:       spec.Name,
			Description: spec.Description,
			StartTime:   o.now(),
			DryRun:      o.dryRun,
		}
		err := o.guard(func() error {
			rows, path, err := load(spec)
			result.Exported = len(rows)
			result.BackupFile = path
			if err != nil {
				return err
			}
			return o.importTable(ctx, spec, rows, result, importer, identity, logger)
		})
		result.EndTime = o.now()

		o.record(run, result, err, logger)
	}
}

// finish aggregates the run, writes its report and prints the summary
func (o *Orchestrator) finish(ctx context.Context, run *models.MigrationRun, backup *BackupWriter, reportName string, logger zerolog.Logger) (*models.MigrationRun, error) {
	run.Finish(o.now())
	path, err := backup.WriteReport(reportName, run)
	PrintSummary(o.out, run)
	if err != nil {
		return run, err
	}

	logger.Info().
		Int("succeeded", run.Summary.TablesSucceeded).
		Int("failed", run.Summary.TablesFailed).
		Str("report", path).
		Msg("Run finished")
	return run, ctx.Err()
}

func (o *Orchestrator) importTable(ctx context.Context, spec models.TableSpec, rows []models.Row, result *models.TableMigrationResult, importer *Importer, identity *IdentityImporter, logger zerolog.Logger) error {
	logger = utils.ForTable(logger, spec.Name)
	if len(rows) == 0 {
		logger.Info().Msg("Table is empty, skipping import")
		return nil
	}
	if o.dryRun {
		logger.Info().Int("rows", len(rows)).Msg("Dry run, skipping import")
		return nil
	}

	var (
		res ImportResult
		err error
	)
	if spec.Identity {
		res, err = identity.Import(ctx, spec.Name, rows)
	} else {
		res, err = importer.Import(ctx, spec.Name, rows)
	}

	result.Imported = res.Imported
	result.Errors = res.Errors
	result.IdentityFallback = res.IdentityFallback
	if err != nil {
		return err
	}
	if res.Errors > 0 {
		return utils.WrapTableError(spec.Name, utils.StageImport,
			fmt.Errorf("%d of %d rows failed: %w", res.Errors, len(rows), res.LastError))
	}
	return nil
}

// guard runs fn and turns a panic into an error carrying its stack
func (o *Orchestrator) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

func (o *Orchestrator) record(run *models.MigrationRun, result *models.TableMigrationResult, err error, logger zerolog.Logger) {
	if err != nil {
		result.ErrorMessage = err.Error()
		run.Errors = append(run.Errors, models.ErrorEntry{
			Table: result.Table,
			Error: err.Error(),
			Stack: stackOf(err),
		})
		logger.Error().
			Err(err).
			Str("table", result.Table).
			Int("exported", result.Exported).
			Int("imported", result.Imported).
			Int("errors", result.Errors).
			Msg("Table migration failed")
	} else {
		logger.Info().
			Str("table", result.Table).
			Int("exported", result.Exported).
			Int("imported", result.Imported).
			Dur("elapsed", result.EndTime.Sub(result.StartTime)).
			Msg("Table migrated")
	}
	run.Record(result)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func stackOf(err error) string {
	if p, ok := err.(*panicError); ok {
		return string(p.stack)
	}
	return utils.StackTrace(err)
}
