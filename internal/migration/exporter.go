package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

// DefaultPageSize is the number of rows requested per export page
const DefaultPageSize = 100

// Exporter reads whole tables from the source in fixed-size pages
type Exporter struct {
	source   Source
	pageSize int
	logger   zerolog.Logger
}

// NewExporter creates an exporter; a non-positive page size uses DefaultPageSize
func NewExporter(source Source, pageSize int, logger zerolog.Logger) *Exporter {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Exporter{
		source:   source,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Export returns every row of the table ordered by its sort column. Any page
// failure discards what was read so far.
func (e *Exporter) Export(ctx context.Context, spec models.TableSpec) ([]models.Row, error) {
	logger := utils.ForTable(e.logger, spec.Name)
	orderBy := spec.SortColumn()

	rows := []models.Row{}
	offset := 0
	for {
		page, err := e.source.FetchPage(ctx, spec.Name, orderBy, offset, e.pageSize)
		if err != nil {
			return nil, utils.WrapTableError(spec.Name, utils.StageExport,
				fmt.Errorf("page at offset %d: %w", offset, err))
		}

		rows = append(rows, page...)
		logger.Debug().
			Int("offset", offset).
			Int("rows", len(page)).
			Msg("Fetched page")

		if len(page) < e.pageSize {
			break
		}
		offset += e.pageSize
	}

	logger.Info().Int("rows", len(rows)).Msg("Exported table")
	return rows, nil
}
