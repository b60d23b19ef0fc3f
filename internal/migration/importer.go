package migration

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

// DefaultBatchSize is the number of rows written per destination request
const DefaultBatchSize = 100

// Importer upserts rows into the destination keyed on id
type Importer struct {
	dest      Destination
	batchSize int
	logger    zerolog.Logger
}

// NewImporter creates an importer; a non-positive batch size uses DefaultBatchSize
func NewImporter(dest Destination, batchSize int, logger zerolog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Importer{
		dest:      dest,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Import writes rows in sequential batches. Each batch is counted as wholly
// imported or wholly failed, and a failed batch does not stop the next one.
// The returned error is only set when ctx is done.
func (i *Importer) Import(ctx context.Context, table string, rows []models.Row) (ImportResult, error) {
	logger := utils.ForTable(i.logger, table)
	var result ImportResult

	for n, batch := range batches(rows, i.batchSize) {
		if err := ctx.Err(); err != nil {
			return result, utils.WrapTableError(table, utils.StageImport, err)
		}
		result.Batches++

		if err := i.dest.Upsert(ctx, table, batch, models.IDColumn); err != nil {
			result.Errors += len(batch)
			result.LastError = err
			logger.Error().
				Err(err).
				Int("batch", n+1).
				Int("rows", len(batch)).
				Msg("Batch import failed")
			continue
		}

		result.Imported += len(batch)
		logger.Debug().
			Int("batch", n+1).
			Int("rows", len(batch)).
			Int("imported", result.Imported).
			Msg("Batch imported")
	}

	logger.Info().
		Int("imported", result.Imported).
		Int("errors", result.Errors).
		Msg("Import finished")
	return result, nil
}
