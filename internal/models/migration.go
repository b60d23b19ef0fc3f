package models

import (
	"time"
)

// TableSpec describes one table in the migration list
type TableSpec struct {
	Name        string   `json:"name" mapstructure:"name" yaml:"name"`
	Description string   `json:"description" mapstructure:"description" yaml:"description"`
	Identity    bool     `json:"identity,omitempty" mapstructure:"identity" yaml:"identity"`
	OrderBy     string   `json:"order_by,omitempty" mapstructure:"order_by" yaml:"order_by"`
	DependsOn   []string `json:"depends_on,omitempty" mapstructure:"depends_on" yaml:"depends_on"`
}

// SortColumn returns the column used for stable pagination
func (t TableSpec) SortColumn() string {
	if t.OrderBy == "" {
		return IDColumn
	}
	return t.OrderBy
}

// TableMigrationResult is the outcome of migrating a single table.
// It is recorded once and never modified afterwards.
type TableMigrationResult struct {
	Table            string    `json:"table"`
	Description      string    `json:"description"`
	Exported         int       `json:"exported"`
	Imported         int       `json:"imported"`
	Errors           int       `json:"errors"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	ErrorMessage     string    `json:"error,omitempty"`
	IdentityFallback bool      `json:"identityFallback,omitempty"`
	BackupFile       string    `json:"backupFile,omitempty"`
	DryRun           bool      `json:"dryRun,omitempty"`
}

// Succeeded reports whether every exported row reached the destination.
// A dry run succeeds once the table is exported and backed up.
func (r TableMigrationResult) Succeeded() bool {
	if r.ErrorMessage != "" || r.Errors != 0 {
		return false
	}
	return r.DryRun || r.Imported == r.Exported
}

// Summary holds the aggregate counts of a run
type Summary struct {
	TablesSucceeded int `json:"tablesSucceeded"`
	TablesFailed    int `json:"tablesFailed"`
	TotalExported   int `json:"totalExported"`
	TotalImported   int `json:"totalImported"`
	TotalErrors     int `json:"totalErrors"`
}

// ErrorEntry is a table-level failure captured in the run report
type ErrorEntry struct {
	Table string `json:"table"`
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

// MigrationRun is the report of one orchestrator invocation. It is owned by
// the orchestrator for its whole lifetime.
type MigrationRun struct {
	RunID       string                           `json:"runId"`
	Kind        string                           `json:"kind"`
	StartTime   time.Time                        `json:"startTime"`
	EndTime     time.Time                        `json:"endTime"`
	Source      string                           `json:"source"`
	Destination string                           `json:"destination"`
	BackupDir   string                           `json:"backupDir"`
	Order       []string                         `json:"order"`
	Tables      map[string]*TableMigrationResult `json:"tables"`
	Summary     Summary                          `json:"summary"`
	Errors      []ErrorEntry                     `json:"errors"`
}

// Run kinds
const (
	RunKindMigration = "migration"
	RunKindRecovery  = "recovery"
)

// NewMigrationRun creates an empty run report
func NewMigrationRun(runID, kind, source, destination string, start time.Time) *MigrationRun {
	return &MigrationRun{
		RunID:       runID,
		Kind:        kind,
		StartTime:   start,
		Source:      source,
		Destination: destination,
		Tables:      make(map[string]*TableMigrationResult),
		Errors:      []ErrorEntry{},
	}
}

// Record stores a table result and keeps the processing order
func (m *MigrationRun) Record(result *TableMigrationResult) {
	if _, exists := m.Tables[result.Table]; !exists {
		m.Order = append(m.Order, result.Table)
	}
	m.Tables[result.Table] = result
}

// Finish computes the summary and stamps the end time
func (m *MigrationRun) Finish(end time.Time) {
	m.EndTime = end

	var s Summary
	for _, name := range m.Order {
		r := m.Tables[name]
		if r.Succeeded() {
			s.TablesSucceeded++
		} else {
			s.TablesFailed++
		}
		s.TotalExported += r.Exported
		s.TotalImported += r.Imported
		s.TotalErrors += r.Errors
	}
	m.Summary = s
}

// FailedTables returns the tables that did not fully migrate, in run order
func (m *MigrationRun) FailedTables() []string {
	var failed []string
	for _, name := range m.Order {
		if !m.Tables[name].Succeeded() {
			failed = append(failed, name)
		}
	}
	return failed
}

// VerifyResult compares the row counts of one table on both sides
type VerifyResult struct {
	Table       string `json:"table"`
	Source      int64  `json:"source"`
	Destination int64  `json:"destination"`
	Match       bool   `json:"match"`
	Error       string `json:"error,omitempty"`
}
