package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

// Report file names written into a run directory
const (
	MigrationReportFile = "migration_report.json"
	RecoveryReportFile  = "recovery_report.json"
)

// BackupWriter owns one run directory of table snapshots and reports
type BackupWriter struct {
	dir    string
	logger zerolog.Logger
}

// NewBackupWriter creates <root>/migration_<unix-ms> for a run started at start
func NewBackupWriter(root string, start time.Time, logger zerolog.Logger) (*BackupWriter, error) {
	dir := filepath.Join(root, fmt.Sprintf("migration_%d", start.UnixMilli()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create backup directory: %v", utils.ErrBackup, err)
	}
	return &BackupWriter{dir: dir, logger: logger}, nil
}

// OpenBackupDir opens an existing run directory, used by recovery
func OpenBackupDir(dir string, logger zerolog.Logger) (*BackupWriter, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open backup directory: %v", utils.ErrBackup, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", utils.ErrBackup, dir)
	}
	return &BackupWriter{dir: dir, logger: logger}, nil
}

// Dir returns the run directory
func (b *BackupWriter) Dir() string {
	return b.dir
}

// SnapshotPath returns the snapshot file of a table
func (b *BackupWriter) SnapshotPath(table string) string {
	return filepath.Join(b.dir, table+".json")
}

// Write stores the full row set of a table. An empty table is written as [].
func (b *BackupWriter) Write(table string, rows []models.Row) (string, error) {
	if rows == nil {
		rows = []models.Row{}
	}

	path := b.SnapshotPath(table)
	if err := writeJSONFile(path, rows); err != nil {
		return "", utils.WrapTableError(table, utils.StageBackup, err)
	}

	b.logger.Info().
		Str("table", table).
		Int("rows", len(rows)).
		Str("file", path).
		Msg("Backup written")
	return path, nil
}

// Read loads a table snapshot
func (b *BackupWriter) Read(table string) ([]models.Row, error) {
	data, err := os.ReadFile(b.SnapshotPath(table))
	if err != nil {
		return nil, utils.WrapTableError(table, utils.StageBackup, err)
	}

	var rows []models.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, utils.WrapTableError(table, utils.StageBackup, fmt.Errorf("decode snapshot: %w", err))
	}
	return rows, nil
}

// WriteReport stores a run report under name in the run directory
func (b *BackupWriter) WriteReport(name string, report any) (string, error) {
	path := filepath.Join(b.dir, name)
	if err := writeJSONFile(path, report); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", utils.ErrBackup, name, err)
	}
	b.logger.Info().Str("file", path).Msg("Report written")
	return path, nil
}

// ReadReport loads a migration report from the run directory
func (b *BackupWriter) ReadReport(name string) (*models.MigrationRun, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", utils.ErrBackup, name, err)
	}

	var run models.MigrationRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", utils.ErrBackup, name, err)
	}
	return &run, nil
}

// writeJSONFile writes v with 2-space indentation, replacing path atomically
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
