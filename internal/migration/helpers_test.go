package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/supabase"
	"github.com/ksred/supamigrate/internal/supabase/supabasetest"
	"github.com/ksred/supamigrate/internal/utils"
)

func quietLogger() zerolog.Logger {
	return utils.NopLogger()
}

// newProject starts a fake project and returns a client for it
func newProject(t *testing.T, name string) (*supabase.Client, *supabasetest.Server) {
	t.Helper()
	srv := supabasetest.NewServer()
	t.Cleanup(srv.Close)

	client, err := supabase.NewClient(srv.Project(name), quietLogger())
	require.NoError(t, err)
	return client, srv
}

// makeRows builds n rows with ids starting at first
func makeRows(first, n int) []models.Row {
	rows := make([]models.Row, n)
	for i := range rows {
		id := first + i
		rows[i] = models.Row{
			"id":    models.Int(int64(id)),
			"title": models.String(fmt.Sprintf("row %d", id)),
		}
	}
	return rows
}

// recordingSource wraps a Source, remembering requested offsets and failing
// at a chosen offset
type recordingSource struct {
	Source
	offsets []int
	failAt  int
}

func (s *recordingSource) FetchPage(ctx context.Context, table, orderBy string, offset, limit int) ([]models.Row, error) {
	s.offsets = append(s.offsets, offset)
	if s.failAt >= 0 && offset == s.failAt {
		return nil, errors.New("connection reset by peer")
	}
	return s.Source.FetchPage(ctx, table, orderBy, offset, limit)
}

// memoryDest is an in-process Destination that records every call
type memoryDest struct {
	mu         sync.Mutex
	rows       map[string]map[string]models.Row
	batchSizes []int
	inserts    int
	queries    []string
	failBatch  func(n int, batch []models.Row) bool
	execErr    error
	nextID     int64
}

func newMemoryDest() *memoryDest {
	return &memoryDest{rows: make(map[string]map[string]models.Row), nextID: 1}
}

func (d *memoryDest) table(name string) map[string]models.Row {
	t, ok := d.rows[name]
	if !ok {
		t = make(map[string]models.Row)
		d.rows[name] = t
	}
	return t
}

func (d *memoryDest) Count(_ context.Context, table string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.table(table))), nil
}

func (d *memoryDest) Upsert(_ context.Context, table string, rows []models.Row, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.batchSizes)
	d.batchSizes = append(d.batchSizes, len(rows))
	if d.failBatch != nil && d.failBatch(n, rows) {
		return fmt.Errorf("batch %d rejected", n+1)
	}
	t := d.table(table)
	for _, row := range rows {
		id, _ := row.ID()
		t[idKey(id)] = row
	}
	return nil
}

func (d *memoryDest) Insert(_ context.Context, table string, rows []models.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inserts++
	t := d.table(table)
	for _, row := range rows {
		if title, ok := row["title"].AsString(); ok && title == "reject me" {
			return errors.New("new row violates check constraint")
		}
		cp := row.WithoutID()
		cp[models.IDColumn] = models.Int(d.nextID)
		d.nextID++
		t[idKey(cp[models.IDColumn])] = cp
	}
	return nil
}

func (d *memoryDest) ExecSQL(_ context.Context, query string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	return d.execErr
}

func idKey(v models.Value) string {
	n, _ := v.AsNumber()
	return n.String()
}
