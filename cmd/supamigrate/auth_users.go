package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ksred/supamigrate/internal/authsync"
)

var authDryRun bool

func init() {
	authUsersCmd.Flags().BoolVar(&authDryRun, "dry-run", false, "Report what would be created without creating users")
}

var authUsersCmd = &cobra.Command{
	Use:   "auth-users",
	Short: "Create the source's auth users that are missing on the destination",
	Long: `auth-users copies authentication users through the admin API, keeping their
ids, confirmation state and metadata so rows that reference them stay valid.
Passwords cannot be read through the admin API; copied users must reset them.

Users whose email already exists on the destination under another id are
reported as conflicts and left alone. Both projects need the rest transport.`,
	RunE: withSession(func(ctx context.Context, s *session) error {
		if s.source.client == nil || s.dest.client == nil {
			return errors.New("auth-users needs the rest transport on both projects")
		}

		report, err := authsync.NewReconciler(s.source.client, s.dest.client, s.logger).Reconcile(ctx, authDryRun)
		if err != nil {
			return errors.Wrap(err, "auth user reconciliation failed")
		}

		verb := "created"
		if report.DryRun {
			verb = "would be created"
		}
		fmt.Fprintf(os.Stdout, "%d source users, %d destination users: %d matched, %d %s, %d conflicts, %d failed\n",
			report.SourceUsers, report.DestinationUsers, report.Matched, len(report.Created), verb,
			len(report.Conflicts), len(report.Failed))
		for _, c := range report.Conflicts {
			fmt.Fprintf(os.Stdout, "  conflict: %s is %s on the source and %s on the destination\n",
				c.Email, c.SourceID, c.DestinationID)
		}
		for _, f := range report.Failed {
			fmt.Fprintf(os.Stdout, "  failed: %s (%s): %s\n", f.ID, f.Email, f.Error)
		}
		if len(report.Failed) > 0 {
			return errors.Errorf("%d users could not be created", len(report.Failed))
		}
		return nil
	}),
}
