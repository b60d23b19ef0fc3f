package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/utils"
)

const (
	connectMaxElapsed = 30 * time.Second
	execMaxElapsed    = 5 * time.Second
)

// Database manages a direct connection to a project's Postgres instance
type Database struct {
	db     *gorm.DB
	config config.Database
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewDatabase creates a new Database instance
func NewDatabase(cfg config.Database, logger zerolog.Logger) *Database {
	return &Database{
		config: cfg,
		logger: logger,
	}
}

func newConnectBackoff() backoff.BackOff {
	// BackOff implementations are stateful, always return a fresh instance
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxElapsedTime = connectMaxElapsed
	return bo
}

func newExecBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = execMaxElapsed
	return bo
}

// Connect establishes a connection to the PostgreSQL database with retry logic
func (d *Database) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(d.getLogLevel()),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	dsn := d.config.URL()
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		db, err := gorm.Open(postgres.Open(dsn), gormConfig)
		if err == nil {
			var sqlDB *sql.DB
			if sqlDB, err = db.DB(); err == nil {
				err = sqlDB.PingContext(ctx)
			}
		}
		if err != nil {
			d.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("host", d.config.Host).
				Msg("Database connection attempt failed")
			if !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		d.db = db
		return nil
	}, backoff.WithContext(newConnectBackoff(), ctx))
	if err != nil {
		return utils.WrapDatabaseError("connect", fmt.Errorf("after %d attempts: %w", attempt, err))
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(d.config.MaxConnections)
	sqlDB.SetMaxIdleConns(d.config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(d.config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(d.config.ConnMaxIdleTime)

	d.logger.Info().
		Str("host", d.config.Host).
		Str("database", d.config.DBName).
		Msg("Connected to database")

	return nil
}

// Health checks the database connection health
func (d *Database) Health(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	d.db = nil
	return nil
}

// DB returns the underlying gorm.DB instance
func (d *Database) DB() *gorm.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// SetDB sets the underlying gorm.DB instance (for testing)
func (d *Database) SetDB(db *gorm.DB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.db = db
}

// getLogLevel maps the zerolog level onto GORM's logger
func (d *Database) getLogLevel() logger.LogLevel {
	switch d.logger.GetLevel() {
	case zerolog.TraceLevel:
		return logger.Info
	case zerolog.DebugLevel:
		return logger.Warn
	case zerolog.Disabled:
		return logger.Silent
	default:
		return logger.Error
	}
}

// WithTransaction executes a function within a database transaction
func (d *Database) WithTransaction(ctx context.Context, fn func(*gorm.DB) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	return d.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
}

// Exec executes raw SQL, retrying transient failures
func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	return backoff.Retry(func() error {
		err := d.db.WithContext(ctx).Exec(query, args...).Error
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newExecBackoff(), ctx))
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"deadlock detected",
		"too many connections",
		"connection timeout",
		"i/o timeout",
		"broken pipe",
		"the database system is starting up",
	}

	for _, retryable := range retryableErrors {
		if containsIgnoreCase(errStr, retryable) {
			return true
		}
	}

	return false
}

// containsIgnoreCase checks if string contains substring (case insensitive)
func containsIgnoreCase(s, substr string) bool {
	return len(s) >= len(substr) &&
		strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
