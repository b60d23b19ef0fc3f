package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/database"
	"github.com/ksred/supamigrate/internal/migration"
	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/supabase"
	"github.com/ksred/supamigrate/internal/utils"
)

// readRetryBudget bounds the retries of a failed REST read
const readRetryBudget = 30 * time.Second

// store is what the migration needs from either transport
type store interface {
	migration.Source
	migration.Destination
}

// project is one opened side of a migration
type project struct {
	name   string
	store  store
	client *supabase.Client
	db     *database.Database
}

func (p *project) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return p.client.Close()
}

// session holds everything a command needs, opened once per invocation
type session struct {
	cfg    *config.Config
	logger zerolog.Logger
	source *project
	dest   *project
}

// loadConfiguration loads the configuration and applies the global flags
func loadConfiguration(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogging configures the process logger
func setupLogging(cfg *config.Config) zerolog.Logger {
	logConfig := utils.DefaultConfig()
	if cfg.Server.Debug {
		logConfig = utils.DevelopmentConfig()
	}
	// An explicit --log-level wins over debug mode
	if logLevel != "" || !cfg.Server.Debug {
		logConfig.Level = cfg.Server.LogLevel
	}
	logConfig.LogFile = cfg.Server.LogFile

	utils.SetupGlobalLogger(logConfig)
	return utils.NewLogger(logConfig).With().Str("version", version).Logger()
}

// openProject connects to a project over its configured transport
func openProject(ctx context.Context, name string, p config.Project, rpcFunction string, logger zerolog.Logger) (*project, error) {
	if p.Transport == config.TransportPostgres {
		db := database.NewDatabase(p.Database, logger.With().Str("project", name).Logger())
		if err := db.Connect(ctx); err != nil {
			return nil, errors.Wrapf(err, "failed to connect to %s database", name)
		}

		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.Health(healthCtx); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "%s database health check failed", name)
		}

		logger.Info().
			Str("project", name).
			Str("host", p.Database.Host).
			Int("port", p.Database.Port).
			Str("database", p.Database.DBName).
			Msg("Connected to database")
		return &project{name: name, store: db, db: db}, nil
	}

	client, err := supabase.NewClient(p, logger,
		supabase.WithRPCFunction(rpcFunction),
		supabase.WithRetry(readRetryBudget),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s client", name)
	}
	logger.Info().Str("project", name).Str("url", p.Identifier()).Msg("Using REST transport")
	return &project{name: name, store: client, client: client}, nil
}

// openSession loads configuration and opens both projects
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfiguration(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	logger := setupLogging(cfg)

	source, err := openProject(ctx, "source", cfg.Source, cfg.Migration.RPCFunction, logger)
	if err != nil {
		return nil, err
	}
	dest, err := openProject(ctx, "destination", cfg.Destination, cfg.Migration.RPCFunction, logger)
	if err != nil {
		source.Close()
		return nil, err
	}

	return &session{cfg: cfg, logger: logger, source: source, dest: dest}, nil
}

func (s *session) Close() {
	for _, p := range []*project{s.source, s.dest} {
		if err := p.Close(); err != nil {
			s.logger.Error().Err(err).Str("project", p.name).Msg("Failed to close project")
		}
	}
}

// tables returns the configured table list, with foreign keys read from the
// source schema merged in when the source is reached directly
func (s *session) tables(ctx context.Context) ([]models.TableSpec, error) {
	specs := s.cfg.Migration.Tables
	if s.source.db == nil {
		return specs, nil
	}

	keys, err := s.source.db.ForeignKeys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read source foreign keys")
	}
	converted := make([]migration.ForeignKey, len(keys))
	for i, k := range keys {
		converted[i] = migration.ForeignKey{Table: k.Table, References: k.References}
	}
	s.logger.Debug().Int("foreign_keys", len(keys)).Msg("Merged schema dependencies")
	return migration.MergeForeignKeys(specs, converted), nil
}

// withSession wraps a command body with signal handling and an open session.
// Errors other than a verification mismatch are logged with their stack.
func withSession(fn func(ctx context.Context, s *session) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return logFailure(utils.NewLogger(utils.DefaultConfig()), err)
		}
		defer s.Close()

		if err := fn(ctx, s); err != nil {
			if errors.Is(err, utils.ErrVerification) {
				return err
			}
			return logFailure(s.logger, err)
		}
		return nil
	}
}

func logFailure(logger zerolog.Logger, err error) error {
	logger.Error().Err(err).Str("stack", utils.StackTrace(err)).Msg("Command failed")
	return err
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
