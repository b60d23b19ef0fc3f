package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

func TestImporter_BatchesOf100(t *testing.T) {
	dest := newMemoryDest()
	importer := NewImporter(dest, DefaultBatchSize, quietLogger())

	result, err := importer.Import(context.Background(), "products", makeRows(1, 250))
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 50}, dest.batchSizes)
	assert.Equal(t, 250, result.Imported)
	assert.Equal(t, 0, result.Errors)
	assert.Equal(t, 3, result.Batches)
	assert.NoError(t, result.LastError)
}

func TestImporter_FailedBatchDoesNotStopLaterBatches(t *testing.T) {
	dest := newMemoryDest()
	dest.failBatch = func(n int, _ []models.Row) bool { return n == 1 }
	importer := NewImporter(dest, DefaultBatchSize, quietLogger())

	result, err := importer.Import(context.Background(), "products", makeRows(1, 250))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 150, result.Imported)
	assert.Equal(t, 100, result.Errors)
	assert.Equal(t, 250, result.Imported+result.Errors)
	assert.ErrorContains(t, result.LastError, "batch 2 rejected")

	n, _ := dest.Count(context.Background(), "products")
	assert.Equal(t, int64(150), n)
}

func TestImporter_AccountingNeverExceedsExported(t *testing.T) {
	for _, size := range []int{1, 7, 100, 250, 1000} {
		dest := newMemoryDest()
		dest.failBatch = func(n int, _ []models.Row) bool { return n%2 == 0 }
		importer := NewImporter(dest, 33, quietLogger())

		result, err := importer.Import(context.Background(), "tags", makeRows(1, size))
		require.NoError(t, err)
		assert.Equal(t, size, result.Imported+result.Errors, "size %d", size)
	}
}

func TestImporter_IsIdempotent(t *testing.T) {
	client, srv := newProject(t, "destination")
	srv.CreateTable("categories")
	importer := NewImporter(client, DefaultBatchSize, quietLogger())
	ctx := context.Background()

	rows := makeRows(1, 130)
	first, err := importer.Import(ctx, "categories", rows)
	require.NoError(t, err)
	second, err := importer.Import(ctx, "categories", rows)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stored := srv.Rows("categories")
	require.Len(t, stored, 130)
	for i := range rows {
		assert.True(t, rows[i].Equal(stored[i]), "row %d differs", i)
	}
}

func TestImporter_RejectedBatchWritesNothing(t *testing.T) {
	client, srv := newProject(t, "destination")
	srv.CreateTable("prices")
	srv.FailWrites("prices", func(r models.Row) bool {
		id, _ := r.ID()
		return id.Equal(models.Int(150))
	})
	importer := NewImporter(client, DefaultBatchSize, quietLogger())

	result, err := importer.Import(context.Background(), "prices", makeRows(1, 250))
	require.NoError(t, err)

	assert.Equal(t, 150, result.Imported)
	assert.Equal(t, 100, result.Errors)
	assert.Len(t, srv.Rows("prices"), 150)
	assert.Equal(t, 3, srv.WriteRequests("prices"))
}

func TestImporter_StopsWhenContextDone(t *testing.T) {
	dest := newMemoryDest()
	importer := NewImporter(dest, DefaultBatchSize, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := importer.Import(ctx, "products", makeRows(1, 250))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, utils.ErrImport))
	assert.Equal(t, 0, result.Imported+result.Errors)
	assert.Empty(t, dest.batchSizes)
}
