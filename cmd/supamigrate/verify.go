package main

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ksred/supamigrate/internal/migration"
	"github.com/ksred/supamigrate/internal/models"
)

var verifyOutput string

func init() {
	verifyCmd.Flags().StringSliceVar(&runTables, "tables", nil, "Only verify these tables (comma separated)")
	verifyCmd.Flags().StringVar(&verifyOutput, "output", "", "Also write the results as JSON to this file")
}

// verifyReport is the JSON written by verify --output
type verifyReport struct {
	Time        time.Time             `json:"time"`
	Source      string                `json:"source"`
	Destination string                `json:"destination"`
	Tables      []models.VerifyResult `json:"tables"`
	Match       bool                  `json:"match"`
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare row counts of every table on both projects",
	Long: `Verify counts the rows of each configured table on the source and the
destination and prints both counts. It never writes. The exit status is 2 when
any table does not match.`,
	RunE: withSession(func(ctx context.Context, s *session) error {
		tables, err := s.tables(ctx)
		if err != nil {
			return err
		}
		plan, err := migration.Plan(tables, true)
		if err != nil {
			return err
		}
		if plan, err = migration.Select(plan, runTables); err != nil {
			return err
		}

		names := make([]string, len(plan))
		for i, spec := range plan {
			names[i] = spec.Name
		}

		results, verifyErr := migration.NewVerifier(s.source.store, s.dest.store, s.logger).Verify(ctx, names)
		migration.PrintVerification(os.Stdout, results)

		if verifyOutput != "" {
			report := verifyReport{
				Time:        time.Now().UTC(),
				Source:      s.cfg.Source.Identifier(),
				Destination: s.cfg.Destination.Identifier(),
				Tables:      results,
				Match:       verifyErr == nil,
			}
			if err := writeJSONFile(verifyOutput, report); err != nil {
				return errors.Wrap(err, "failed to write verification report")
			}
			s.logger.Info().Str("file", verifyOutput).Msg("Verification report written")
		}
		return verifyErr
	}),
}
