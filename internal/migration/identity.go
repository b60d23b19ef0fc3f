package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/supabase"
	"github.com/ksred/supamigrate/internal/utils"
)

// Confirmer asks the operator whether primary keys may be reassigned for a
// table whose identity override failed
type Confirmer interface {
	ConfirmFallback(table string, cause error) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(table string, cause error) (bool, error)

// ConfirmFallback implements Confirmer
func (f ConfirmFunc) ConfirmFallback(table string, cause error) (bool, error) {
	return f(table, cause)
}

// IdentityImporter writes tables whose id is a GENERATED identity column,
// keeping the source ids through OVERRIDING SYSTEM VALUE
type IdentityImporter struct {
	dest      Destination
	batchSize int
	policy    string
	confirmer Confirmer
	logger    zerolog.Logger
}

// NewIdentityImporter creates an identity importer with the given fallback policy
func NewIdentityImporter(dest Destination, batchSize int, policy string, confirmer Confirmer, logger zerolog.Logger) *IdentityImporter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if policy == "" {
		policy = config.FallbackAbort
	}
	return &IdentityImporter{
		dest:      dest,
		batchSize: batchSize,
		policy:    policy,
		confirmer: confirmer,
		logger:    logger,
	}
}

// Import sends each batch as one raw upsert statement. When a statement is
// rejected the fallback policy decides between stopping the table and
// inserting the batch row by row without ids.
func (i *IdentityImporter) Import(ctx context.Context, table string, rows []models.Row) (ImportResult, error) {
	logger := utils.ForTable(i.logger, table)
	var (
		result  ImportResult
		strip   bool
		decided bool
	)

	for n, batch := range batches(rows, i.batchSize) {
		if err := ctx.Err(); err != nil {
			return result, utils.WrapTableError(table, utils.StageImport, err)
		}
		result.Batches++

		query, err := BuildIdentityUpsert(table, batch)
		if err == nil {
			err = i.dest.ExecSQL(ctx, query)
			if supabase.IsNotFound(err) {
				err = fmt.Errorf("SQL function missing on destination: %w", err)
			}
		}
		if err == nil {
			result.Imported += len(batch)
			logger.Debug().
				Int("batch", n+1).
				Int("rows", len(batch)).
				Msg("Identity batch imported")
			continue
		}

		logger.Warn().
			Err(err).
			Int("batch", n+1).
			Msg("Identity override failed")

		if !decided {
			ok, confirmErr := i.allowStrip(table, err)
			if confirmErr != nil {
				result.Errors += len(batch)
				result.LastError = err
				return result, confirmErr
			}
			strip, decided = ok, true
		}
		if !strip {
			result.Errors += len(batch)
			result.LastError = err
			return result, utils.WrapTableError(table, utils.StageIdentity, err)
		}

		i.insertWithoutIDs(ctx, table, batch, &result, logger)
	}

	logger.Info().
		Int("imported", result.Imported).
		Int("errors", result.Errors).
		Bool("identity_fallback", result.IdentityFallback).
		Msg("Identity import finished")
	return result, nil
}

// allowStrip applies the fallback policy once per table
func (i *IdentityImporter) allowStrip(table string, cause error) (bool, error) {
	switch i.policy {
	case config.FallbackStrip:
		return true, nil
	case config.FallbackPrompt:
		if i.confirmer == nil {
			return false, nil
		}
		ok, err := i.confirmer.ConfirmFallback(table, cause)
		if err != nil {
			return false, utils.WrapTableError(table, utils.StageIdentity,
				fmt.Errorf("confirmation failed: %w", err))
		}
		return ok, nil
	default:
		return false, nil
	}
}

func (i *IdentityImporter) insertWithoutIDs(ctx context.Context, table string, batch []models.Row, result *ImportResult, logger zerolog.Logger) {
	if !result.IdentityFallback {
		logger.Warn().Msg("Inserting rows without ids; the destination assigns new ids and references to this table may break")
	}
	result.IdentityFallback = true

	for _, row := range batch {
		if err := i.dest.Insert(ctx, table, []models.Row{row.WithoutID()}); err != nil {
			result.Errors++
			result.LastError = err
			id, _ := row.ID()
			logger.Error().
				Err(err).
				Interface("source_id", id).
				Msg("Row insert failed")
			continue
		}
		result.Imported++
	}
}

// BuildIdentityUpsert renders an INSERT ... OVERRIDING SYSTEM VALUE that
// updates every non-id column on id conflict. The batch is one JSON document
// expanded by json_populate_recordset, which casts each cell to its column
// type. Columns are the sorted union across rows; cells a row lacks are NULL.
func BuildIdentityUpsert(table string, rows []models.Row) (string, error) {
	if len(rows) == 0 {
		return "", fmt.Errorf("no rows to insert into %s", table)
	}

	for r, row := range rows {
		for col, v := range row {
			n, ok := v.AsNumber()
			if ok && !models.IsNumericLiteral(n.String()) {
				return "", fmt.Errorf("row %d column %s: invalid number %q", r, col, n)
			}
		}
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows for %s: %w", table, err)
	}

	columns := models.ColumnUnion(rows)
	quoted := make([]string, len(columns))
	for n, col := range columns {
		quoted[n] = pq.QuoteIdentifier(col)
	}
	list := strings.Join(quoted, ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) OVERRIDING SYSTEM VALUE SELECT %s FROM json_populate_recordset(NULL::%s, %s)",
		pq.QuoteIdentifier(table), list, list, pq.QuoteIdentifier(table), pq.QuoteLiteral(string(payload)))

	var updates []string
	for n, col := range columns {
		if col == models.IDColumn {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[n], quoted[n]))
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", pq.QuoteIdentifier(models.IDColumn))
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET " + strings.Join(updates, ", "))
	}
	return b.String(), nil
}
