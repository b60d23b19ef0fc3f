package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ksred/supamigrate/internal/utils"
)

const version = "v0.3.0"

// Global flags
var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "supamigrate",
	Short: "Copy tables and auth users from one Supabase project to another",
	Long: `supamigrate copies a configured list of tables from a source Supabase project
into a destination project with the same schema.

Every table is exported page by page, written to a JSON snapshot, and then
upserted into the destination on its id column. A run report is written next
to the snapshots so failed tables can be re-imported later.

Examples:
  supamigrate plan                                  # Show the table order
  supamigrate run --dry-run                         # Export and back up only
  supamigrate run --tables posts,post_tags          # Migrate two tables
  supamigrate verify --output verify_report.json    # Compare row counts
  supamigrate recover --dir backups/migration_1714557600000
  supamigrate auth-users --dry-run`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(authUsersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for a verification mismatch and 1 for everything else
func exitCode(err error) int {
	if errors.Is(err, utils.ErrVerification) {
		return 2
	}
	return 1
}
