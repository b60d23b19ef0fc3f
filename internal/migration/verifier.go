package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

// Verifier compares row counts between the two projects. It never writes.
type Verifier struct {
	source Counter
	dest   Counter
	logger zerolog.Logger
}

// NewVerifier creates a verifier
func NewVerifier(source, dest Counter, logger zerolog.Logger) *Verifier {
	return &Verifier{
		source: source,
		dest:   dest,
		logger: logger,
	}
}

// Verify counts each table on both sides. A failed count is recorded on the
// table's result rather than returned. The error is ErrVerification when
// any table does not match, or the context error when ctx is done.
func (v *Verifier) Verify(ctx context.Context, tables []string) ([]models.VerifyResult, error) {
	results := make([]models.VerifyResult, 0, len(tables))
	mismatched := 0

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := v.verifyTable(ctx, table)
		if !result.Match {
			mismatched++
		}
		results = append(results, result)
	}

	if mismatched > 0 {
		return results, fmt.Errorf("%w: %d of %d tables", utils.ErrVerification, mismatched, len(tables))
	}
	return results, nil
}

func (v *Verifier) verifyTable(ctx context.Context, table string) models.VerifyResult {
	logger := utils.ForTable(v.logger, table)
	result := models.VerifyResult{Table: table}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := v.source.Count(gctx, table)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		result.Source = n
		return nil
	})
	g.Go(func() error {
		n, err := v.dest.Count(gctx, table)
		if err != nil {
			return fmt.Errorf("destination: %w", err)
		}
		result.Destination = n
		return nil
	})

	if err := g.Wait(); err != nil {
		result.Error = err.Error()
		logger.Error().Err(err).Msg("Count failed")
		return result
	}

	result.Match = result.Source == result.Destination
	event := logger.Info()
	if !result.Match {
		event = logger.Warn()
	}
	event.
		Int64("source", result.Source).
		Int64("destination", result.Destination).
		Bool("match", result.Match).
		Msg("Verified table")
	return result
}
