package migration

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/ksred/supamigrate/internal/models"
)

// PrintSummary renders the per-table counts of a run
func PrintSummary(w io.Writer, run *models.MigrationRun) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"TABLE", "EXPORTED", "IMPORTED", "ERRORS", "STATUS"})

	for _, name := range run.Order {
		r := run.Tables[name]
		table.Append([]string{
			r.Table,
			strconv.Itoa(r.Exported),
			strconv.Itoa(r.Imported),
			strconv.Itoa(r.Errors),
			status(r),
		})
	}
	table.Render()

	s := run.Summary
	fmt.Fprintf(w, "%d succeeded, %d failed; %d exported, %d imported, %d errors\n",
		s.TablesSucceeded, s.TablesFailed, s.TotalExported, s.TotalImported, s.TotalErrors)
	if run.BackupDir != "" {
		fmt.Fprintf(w, "Backups and report: %s\n", run.BackupDir)
	}
}

func status(r *models.TableMigrationResult) string {
	switch {
	case !r.Succeeded():
		return "FAILED"
	case r.DryRun:
		return "DRY RUN"
	case r.IdentityFallback:
		return "OK (NEW IDS)"
	default:
		return "OK"
	}
}

// PrintVerification renders the row counts of both projects per table
func PrintVerification(w io.Writer, results []models.VerifyResult) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"TABLE", "SOURCE", "DESTINATION", "MATCH"})

	mismatched := 0
	for _, r := range results {
		match := "yes"
		if !r.Match {
			match = "NO"
			mismatched++
		}
		if r.Error != "" {
			match = "ERROR: " + r.Error
		}
		table.Append([]string{
			r.Table,
			strconv.FormatInt(r.Source, 10),
			strconv.FormatInt(r.Destination, 10),
			match,
		})
	}
	table.Render()

	if mismatched == 0 {
		fmt.Fprintf(w, "All %d tables match\n", len(results))
	} else {
		fmt.Fprintf(w, "%d of %d tables do not match\n", mismatched, len(results))
	}
}
