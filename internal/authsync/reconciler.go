// Package authsync copies authentication users between projects through the
// GoTrue admin API.
package authsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/supabase"
)

// UserLister lists every auth user of a project
type UserLister interface {
	ListAllUsers(ctx context.Context) ([]models.AuthUser, error)
}

// UserStore lists and creates auth users
type UserStore interface {
	UserLister
	CreateUser(ctx context.Context, params supabase.CreateUserParams) (*models.AuthUser, error)
}

// Reconciler creates the source's users that the destination is missing.
// Passwords are not readable through the admin API, so copied users have to
// reset theirs.
type Reconciler struct {
	source UserLister
	dest   UserStore
	logger zerolog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(source UserLister, dest UserStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		source: source,
		dest:   dest,
		logger: logger.With().Str("component", "authsync").Logger(),
	}
}

// Reconcile matches source users to destination users by id, then by
// case-insensitive email. A user matched only by email under a different id
// is a conflict and is left alone. Unmatched users are created with their
// original id unless dryRun is set.
func (r *Reconciler) Reconcile(ctx context.Context, dryRun bool) (*models.AuthReconcileReport, error) {
	var sourceUsers, destUsers []models.AuthUser

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		users, err := r.source.ListAllUsers(gctx)
		if err != nil {
			return fmt.Errorf("list source users: %w", err)
		}
		sourceUsers = users
		return nil
	})
	g.Go(func() error {
		users, err := r.dest.ListAllUsers(gctx)
		if err != nil {
			return fmt.Errorf("list destination users: %w", err)
		}
		destUsers = users
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &models.AuthReconcileReport{
		SourceUsers:      len(sourceUsers),
		DestinationUsers: len(destUsers),
		Created:          []string{},
		Conflicts:        []models.AuthUserConflict{},
		Failed:           []models.AuthUserFailure{},
		DryRun:           dryRun,
	}

	byID := make(map[string]bool, len(destUsers))
	byEmail := make(map[string]string, len(destUsers))
	for _, u := range destUsers {
		byID[u.ID] = true
		if email := u.NormalizedEmail(); email != "" {
			byEmail[email] = u.ID
		}
	}

	for _, u := range sourceUsers {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if byID[u.ID] {
			report.Matched++
			continue
		}
		email := u.NormalizedEmail()
		if destID, ok := byEmail[email]; ok && email != "" {
			report.Conflicts = append(report.Conflicts, models.AuthUserConflict{
				Email:         u.Email,
				SourceID:      u.ID,
				DestinationID: destID,
			})
			r.logger.Warn().
				Str("email", u.Email).
				Str("source_id", u.ID).
				Str("destination_id", destID).
				Msg("Email exists under a different id")
			continue
		}

		if dryRun {
			report.Created = append(report.Created, u.ID)
			byID[u.ID] = true
			if email != "" {
				byEmail[email] = u.ID
			}
			continue
		}

		created, err := r.dest.CreateUser(ctx, supabase.ParamsFromUser(u))
		if err != nil {
			report.Failed = append(report.Failed, models.AuthUserFailure{
				ID:    u.ID,
				Email: u.Email,
				Error: err.Error(),
			})
			r.logger.Error().Err(err).Str("user_id", u.ID).Msg("Failed to create user")
			continue
		}

		report.Created = append(report.Created, created.ID)
		byID[created.ID] = true
		if email != "" {
			byEmail[email] = created.ID
		}
		r.logger.Debug().Str("user_id", created.ID).Msg("User created")
	}

	r.logger.Info().
		Int("source", report.SourceUsers).
		Int("destination", report.DestinationUsers).
		Int("matched", report.Matched).
		Int("created", len(report.Created)).
		Int("conflicts", len(report.Conflicts)).
		Int("failed", len(report.Failed)).
		Bool("dry_run", dryRun).
		Msg("Auth users reconciled")
	return report, nil
}
