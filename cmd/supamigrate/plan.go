package main

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ksred/supamigrate/internal/migration"
	"github.com/ksred/supamigrate/internal/models"
)

func init() {
	planCmd.Flags().BoolVar(&runAutoOrder, "auto-order", false, "Reorder tables so dependencies come first")
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the order tables will be migrated in",
	RunE: withSession(func(ctx context.Context, s *session) error {
		tables, err := s.tables(ctx)
		if err != nil {
			return err
		}
		plan, err := migration.Plan(tables, runAutoOrder || s.cfg.Migration.AutoOrder)
		if err != nil {
			return err
		}
		printPlan(os.Stdout, plan)
		return nil
	}),
}

func printPlan(w io.Writer, plan []models.TableSpec) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"#", "TABLE", "DEPENDS ON", "IDENTITY", "ORDER BY"})

	for i, spec := range plan {
		identity := ""
		if spec.Identity {
			identity = "yes"
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			spec.Name,
			strings.Join(spec.DependsOn, ", "),
			identity,
			spec.SortColumn(),
		})
	}
	table.Render()
}
