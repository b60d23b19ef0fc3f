package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/supabase"
	"github.com/ksred/supamigrate/internal/supabase/supabasetest"
	"github.com/ksred/supamigrate/internal/utils"
)

// fixture is a source and a destination project plus a migration config
type fixture struct {
	src    *supabasetest.Server
	dst    *supabasetest.Server
	source *supabase.Client
	dest   *supabase.Client
	cfg    config.Migration
	out    *bytes.Buffer
}

func newFixture(t *testing.T, tables ...models.TableSpec) *fixture {
	t.Helper()
	source, src := newProject(t, "source")
	dest, dst := newProject(t, "destination")

	return &fixture{
		src:    src,
		dst:    dst,
		source: source,
		dest:   dest,
		cfg: config.Migration{
			PageSize:         DefaultPageSize,
			BatchSize:        DefaultBatchSize,
			BackupDir:        t.TempDir(),
			IdentityFallback: config.FallbackAbort,
			Tables:           tables,
		},
		out: &bytes.Buffer{},
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	opts = append([]Option{
		WithProjects("https://source.example", "https://destination.example"),
		WithOutput(f.out),
	}, opts...)
	return NewOrchestrator(f.source, f.dest, f.cfg, quietLogger(), opts...)
}

// seed fills a source table and creates the matching destination table
func (f *fixture) seed(table string, n int) {
	f.src.CreateTable(table)
	f.src.Seed(table, makeRows(1, n)...)
	f.dst.CreateTable(table)
}

func TestOrchestrator_Run(t *testing.T) {
	f := newFixture(t,
		models.TableSpec{Name: "categories", Description: "Categories"},
		models.TableSpec{Name: "tags"},
		models.TableSpec{Name: "posts", Identity: true, DependsOn: []string{"categories"}},
	)
	f.seed("categories", 250)
	f.seed("tags", 0)
	f.seed("posts", 120)
	f.dst.SetIdentityAlways("posts")

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	run, err := f.orchestrator(WithClock(func() time.Time { return start })).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunKindMigration, run.Kind)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, "https://source.example", run.Source)
	assert.Equal(t, filepath.Join(f.cfg.BackupDir, "migration_1714557600000"), run.BackupDir)
	assert.Equal(t, []string{"categories", "tags", "posts"}, run.Order)
	assert.Empty(t, run.Errors)
	assert.Equal(t, models.Summary{
		TablesSucceeded: 3,
		TotalExported:   370,
		TotalImported:   370,
	}, run.Summary)

	categories := run.Tables["categories"]
	assert.Equal(t, "Categories", categories.Description)
	assert.Equal(t, filepath.Join(run.BackupDir, "categories.json"), categories.BackupFile)
	assert.Len(t, f.dst.Rows("categories"), 250)
	assert.Equal(t, 3, f.dst.WriteRequests("categories"))

	// Empty tables are backed up but never written
	data, err := os.ReadFile(filepath.Join(run.BackupDir, "tags.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
	assert.Zero(t, f.dst.WriteRequests("tags"))
	assert.True(t, run.Tables["tags"].Succeeded())

	// Identity tables go through the SQL function, never the table endpoint
	assert.Len(t, f.dst.Queries(), 2)
	assert.Zero(t, f.dst.WriteRequests("posts"))
	assert.Equal(t, 120, run.Tables["posts"].Imported)

	assert.FileExists(t, filepath.Join(run.BackupDir, MigrationReportFile))
	assert.Contains(t, f.out.String(), "3 succeeded, 0 failed; 370 exported, 370 imported, 0 errors")
	assert.Contains(t, f.out.String(), run.BackupDir)
}

func TestOrchestrator_FailedBatchIsRecordedAndRunContinues(t *testing.T) {
	f := newFixture(t,
		models.TableSpec{Name: "categories"},
		models.TableSpec{Name: "products", DependsOn: []string{"categories"}},
	)
	f.seed("categories", 250)
	f.seed("products", 10)
	f.dst.FailWrites("categories", func(r models.Row) bool {
		id, _ := r.ID()
		return id.Equal(models.Int(150))
	})

	run, err := f.orchestrator().Run(context.Background(), nil)
	require.NoError(t, err)

	categories := run.Tables["categories"]
	assert.Equal(t, 250, categories.Exported)
	assert.Equal(t, 150, categories.Imported)
	assert.Equal(t, 100, categories.Errors)
	assert.Contains(t, categories.ErrorMessage, "100 of 250 rows failed")
	assert.False(t, categories.Succeeded())

	assert.True(t, run.Tables["products"].Succeeded())
	assert.Len(t, f.dst.Rows("products"), 10)

	require.Len(t, run.Errors, 1)
	assert.Equal(t, "categories", run.Errors[0].Table)
	assert.NotEmpty(t, run.Errors[0].Stack)
	assert.Equal(t, []string{"categories"}, run.FailedTables())
	assert.Equal(t, 1, run.Summary.TablesFailed)
	assert.Contains(t, f.out.String(), "FAILED")
}

func TestOrchestrator_ExportFailureSkipsBackupAndImport(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "categories"}, models.TableSpec{Name: "tags"})
	f.seed("categories", 20)
	f.seed("tags", 5)
	f.src.FailReads("categories")

	run, err := f.orchestrator().Run(context.Background(), nil)
	require.NoError(t, err)

	categories := run.Tables["categories"]
	assert.Zero(t, categories.Exported)
	assert.Empty(t, categories.BackupFile)
	assert.Contains(t, categories.ErrorMessage, "export")
	assert.NoFileExists(t, filepath.Join(run.BackupDir, "categories.json"))
	assert.Zero(t, f.dst.WriteRequests("categories"))

	assert.Equal(t, 5, run.Tables["tags"].Imported)
	assert.Equal(t, []string{"categories"}, run.FailedTables())
}

func TestOrchestrator_IdentityAbortStopsOnlyThatTable(t *testing.T) {
	f := newFixture(t,
		models.TableSpec{Name: "posts", Identity: true},
		models.TableSpec{Name: "post_tags", DependsOn: []string{"posts"}},
	)
	f.seed("posts", 30)
	f.seed("post_tags", 4)
	f.dst.SetIdentityAlways("posts")
	f.dst.DisableRPC()

	run, err := f.orchestrator().Run(context.Background(), nil)
	require.NoError(t, err)

	posts := run.Tables["posts"]
	assert.False(t, posts.Succeeded())
	assert.Equal(t, 30, posts.Errors)
	assert.Contains(t, posts.ErrorMessage, "posts identity failed")
	assert.Empty(t, f.dst.Rows("posts"))

	assert.True(t, run.Tables["post_tags"].Succeeded())
	assert.Len(t, f.dst.Rows("post_tags"), 4)
}

func TestOrchestrator_IdentityStripAssignsNewIDs(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "posts", Identity: true})
	f.seed("posts", 3)
	f.dst.SetIdentityAlways("posts")
	f.dst.DisableRPC()
	f.cfg.IdentityFallback = config.FallbackStrip

	run, err := f.orchestrator().Run(context.Background(), nil)
	require.NoError(t, err)

	posts := run.Tables["posts"]
	assert.True(t, posts.Succeeded())
	assert.True(t, posts.IdentityFallback)
	assert.Len(t, f.dst.Rows("posts"), 3)
	assert.Contains(t, f.out.String(), "OK (NEW IDS)")
}

func TestOrchestrator_ImportLogsCarryRunID(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "tags"}, models.TableSpec{Name: "categories"})
	f.seed("tags", 0)
	f.seed("categories", 5)

	var logs bytes.Buffer
	o := NewOrchestrator(f.source, f.dest, f.cfg, zerolog.New(&logs), WithOutput(f.out))
	run, err := o.Run(context.Background(), nil)
	require.NoError(t, err)

	var skipped, imported, backups int
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		switch entry["message"] {
		case "Table is empty, skipping import":
			skipped++
		case "Import finished":
			imported++
		case "Backup written":
			backups++
		default:
			continue
		}
		assert.Equal(t, run.RunID, entry["run_id"], line)
	}
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 2, backups)
}

func TestOrchestrator_DryRun(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "categories"}, models.TableSpec{Name: "posts", Identity: true})
	f.seed("categories", 12)
	f.seed("posts", 3)

	run, err := f.orchestrator(WithDryRun(true)).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Zero(t, f.dst.WriteRequests("categories"))
	assert.Empty(t, f.dst.Queries())
	assert.FileExists(t, filepath.Join(run.BackupDir, "categories.json"))

	categories := run.Tables["categories"]
	assert.True(t, categories.DryRun)
	assert.Equal(t, 12, categories.Exported)
	assert.Zero(t, categories.Imported)
	assert.Equal(t, 2, run.Summary.TablesSucceeded)
	assert.Contains(t, f.out.String(), "DRY RUN")
}

func TestOrchestrator_SelectsTables(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "categories"}, models.TableSpec{Name: "tags"})
	f.seed("categories", 2)
	f.seed("tags", 2)

	run, err := f.orchestrator().Run(context.Background(), []string{"tags"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tags"}, run.Order)
	assert.Zero(t, f.dst.WriteRequests("categories"))
}

func TestOrchestrator_StartupErrors(t *testing.T) {
	t.Run("Invalid plan", func(t *testing.T) {
		f := newFixture(t,
			models.TableSpec{Name: "a", DependsOn: []string{"b"}},
			models.TableSpec{Name: "b", DependsOn: []string{"a"}},
		)
		run, err := f.orchestrator().Run(context.Background(), nil)
		assert.Nil(t, run)
		assert.True(t, errors.Is(err, utils.ErrPlan))

		entries, err := os.ReadDir(f.cfg.BackupDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Unknown selected table", func(t *testing.T) {
		f := newFixture(t, models.TableSpec{Name: "tags"})
		_, err := f.orchestrator().Run(context.Background(), []string{"users"})
		assert.True(t, errors.Is(err, utils.ErrPlan))
	})

	t.Run("Backup root is a file", func(t *testing.T) {
		f := newFixture(t, models.TableSpec{Name: "tags"})
		f.cfg.BackupDir = filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f.cfg.BackupDir, nil, 0o644))

		run, err := f.orchestrator().Run(context.Background(), nil)
		assert.Nil(t, run)
		assert.True(t, errors.Is(err, utils.ErrBackup))
	})
}

func TestOrchestrator_CancelledRunStillWritesReport(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "tags"})
	f.seed("tags", 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.orchestrator().Run(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, run)
	assert.Empty(t, run.Order)
	assert.FileExists(t, filepath.Join(run.BackupDir, MigrationReportFile))
}

// panickingSource panics while reading one table
type panickingSource struct {
	Source
	table string
}

func (s *panickingSource) FetchPage(ctx context.Context, table, orderBy string, offset, limit int) ([]models.Row, error) {
	if table == s.table {
		panic("page decoder state corrupted")
	}
	return s.Source.FetchPage(ctx, table, orderBy, offset, limit)
}

func TestOrchestrator_PanicIsConfinedToTable(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "categories"}, models.TableSpec{Name: "tags"})
	f.seed("categories", 3)
	f.seed("tags", 3)

	source := &panickingSource{Source: f.source, table: "categories"}
	dest := newMemoryDest()
	run, err := NewOrchestrator(source, dest, f.cfg, quietLogger()).Run(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0].Error, "panic")
	assert.Contains(t, run.Errors[0].Stack, "goroutine")
	assert.Equal(t, 3, run.Tables["tags"].Imported)
	n, _ := dest.Count(context.Background(), "tags")
	assert.Equal(t, int64(3), n)
}

func TestOrchestrator_ReportFile(t *testing.T) {
	f := newFixture(t, models.TableSpec{Name: "categories", Description: "Categories"})
	f.seed("categories", 5)

	run, err := f.orchestrator().Run(context.Background(), nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(run.BackupDir, MigrationReportFile))
	require.NoError(t, err)

	var report struct {
		StartTime   time.Time `json:"startTime"`
		EndTime     time.Time `json:"endTime"`
		Source      string    `json:"source"`
		Destination string    `json:"destination"`
		Tables      map[string]struct {
			Description string `json:"description"`
			Exported    int    `json:"exported"`
			Imported    int    `json:"imported"`
			Errors      int    `json:"errors"`
		} `json:"tables"`
		Summary map[string]int    `json:"summary"`
		Errors  []json.RawMessage `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(data, &report))

	assert.False(t, report.StartTime.IsZero())
	assert.False(t, report.EndTime.Before(report.StartTime))
	assert.Equal(t, "https://destination.example", report.Destination)
	assert.Equal(t, "Categories", report.Tables["categories"].Description)
	assert.Equal(t, 5, report.Tables["categories"].Exported)
	assert.Equal(t, 5, report.Tables["categories"].Imported)
	assert.Equal(t, 1, report.Summary["tablesSucceeded"])
	assert.NotNil(t, report.Errors)
	assert.Empty(t, report.Errors)
}

func TestPrintSummary(t *testing.T) {
	run := models.NewMigrationRun("run", models.RunKindMigration, "a", "b", time.Now())
	run.BackupDir = "backups/migration_1"
	run.Record(&models.TableMigrationResult{Table: "categories", Exported: 3, Imported: 3})
	run.Record(&models.TableMigrationResult{Table: "posts", Exported: 4, Imported: 1, Errors: 3, ErrorMessage: "boom"})
	run.Record(&models.TableMigrationResult{Table: "tags", Exported: 2, DryRun: true})
	run.Finish(time.Now())

	var out bytes.Buffer
	PrintSummary(&out, run)

	text := out.String()
	for _, want := range []string{"TABLE", "EXPORTED", "categories", "FAILED", "DRY RUN", "OK"} {
		assert.Contains(t, text, want)
	}
	assert.Contains(t, text, "2 succeeded, 1 failed; 9 exported, 4 imported, 3 errors")
	assert.Contains(t, text, "Backups and report: backups/migration_1")
}
