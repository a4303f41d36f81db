package database

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	migratelite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chatsync/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateUp applies the embedded migrations. Postgres migrations run on a
// dedicated pool because the driver pins a connection for its advisory lock;
// sqlite runs on the shared pool, which may be a single in-memory connection.
func migrateUp(db *sqlx.DB, cfg config.DatabaseConfig) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch cfg.Driver {
	case "postgres":
		m, err = migrate.NewWithSourceInstance("iofs", src, cfg.DSN)
		if err == nil {
			defer m.Close()
		}
	case "sqlite3":
		drv, derr := migratelite.WithInstance(db.DB, &migratelite.Config{})
		if derr != nil {
			return fmt.Errorf("migration driver: %w", derr)
		}
		// Not closed: closing the driver would close the shared pool.
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// isRetryablePostgres treats connection exceptions, serialization failures,
// resource exhaustion and operator shutdowns as transient.
func isRetryablePostgres(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	code := string(pqErr.Code)
	switch {
	case strings.HasPrefix(code, "08"), // connection_exception
		strings.HasPrefix(code, "40"), // transaction_rollback
		strings.HasPrefix(code, "53"), // insufficient_resources
		strings.HasPrefix(code, "57P"): // operator_intervention
		return true
	}
	return false
}
