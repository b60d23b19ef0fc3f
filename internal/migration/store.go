// Package migration copies tables between two Supabase projects: export,
// backup, import, verification and recovery.
package migration

import (
	"context"

	"github.com/ksred/supamigrate/internal/models"
)

// Counter counts the rows of a table
type Counter interface {
	Count(ctx context.Context, table string) (int64, error)
}

// Source is the read side of a migration
type Source interface {
	Counter
	FetchPage(ctx context.Context, table, orderBy string, offset, limit int) ([]models.Row, error)
}

// Destination is the write side of a migration
type Destination interface {
	Counter
	Upsert(ctx context.Context, table string, rows []models.Row, conflictColumn string) error
	Insert(ctx context.Context, table string, rows []models.Row) error
	ExecSQL(ctx context.Context, query string) error
}

// ImportResult is the row accounting of one table import
type ImportResult struct {
	Imported         int
	Errors           int
	Batches          int
	IdentityFallback bool
	LastError        error
}

// batches splits rows into consecutive chunks of at most size rows
func batches(rows []models.Row, size int) [][]models.Row {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]models.Row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
