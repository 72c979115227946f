package db

import (
	"embed"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/domain"
)

//go:embed migrations
var migrationFS embed.FS

// Migrate applies all pending schema migrations from the embedded set. The
// database must not be dirty and must not be ahead of the binary's schema.
func Migrate(pool *Pool, logger *zap.Logger) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool.Raw())
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("%w: migration driver: %v", domain.ErrBackendUnavailable, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	defer func() {
		if serr := src.Close(); serr != nil {
			logger.Warn("closing migration source", zap.Error(serr))
		}
	}()

	before, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("%w: reading schema version: %v", domain.ErrBackendUnavailable, err)
	}
	if dirty {
		return fmt.Errorf("%w: schema version %d is dirty, manual repair required",
			domain.ErrSchemaMismatch, before)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema up to date", zap.Uint("version", before))
			return nil
		}
		// The iofs source returns ErrNotExist when the stored version is
		// newer than anything embedded in this binary.
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: database schema %d is ahead of this binary",
				domain.ErrSchemaMismatch, before)
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	after, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("%w: reading schema version: %v", domain.ErrBackendUnavailable, err)
	}
	logger.Info("migrations applied",
		zap.Uint("from", before),
		zap.Uint("to", after))
	return nil
}
