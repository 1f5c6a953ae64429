// Package database provides database setup, models, and the data access layer (Store)
// for the per-project message log, sequence counters and read pointers.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/edgard/projectlog/migrations"

	_ "github.com/jackc/pgx/v5/stdlib" //revive:disable:blank-imports
	_ "modernc.org/sqlite"             //revive:disable:blank-imports
)

// Supported driver names, as registered with database/sql.
const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

// Options configures the connection pool.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewDB connects, applies migrations, and returns a new database connection pool.
func NewDB(opts Options) (*sqlx.DB, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.Driver != DriverSQLite && opts.Driver != DriverPgx {
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := sqlx.Connect(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.Driver == DriverSQLite {
		// SQLite doesn't support concurrent writes, so max open conns = 1
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := ApplyMigrations(db.DB, opts.Driver, ExtractDBNameFromPath(opts.DSN)); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Error closing database after migration failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database connected and migrations applied successfully", "driver", opts.Driver)
	return db, nil
}

// CloseDB closes the database connection pool.
func CloseDB(db *sqlx.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		slog.Error("Error closing database connection", "error", err)
	} else {
		slog.Info("Database connection closed successfully.")
	}
}

// ApplyMigrations runs the embedded migrations for driverName against db.
func ApplyMigrations(db *sql.DB, driverName, dbName string) error {
	if db == nil {
		return errors.New("database connection is nil, cannot apply migrations")
	}
	if dbName == "" {
		return errors.New("database name/path for migration driver is empty")
	}

	slog.Info("Applying database migrations...", "driver", driverName, "database_name", dbName)

	var (
		dir        string
		dbDriver   migratedb.Driver
		driverErr  error
		driverKind string
	)
	switch driverName {
	case DriverSQLite:
		dir, driverKind = "sqlite", "sqlite3"
		dbDriver, driverErr = sqlite3.WithInstance(db, &sqlite3.Config{})
	case DriverPgx:
		dir, driverKind = "postgres", "pgx5"
		dbDriver, driverErr = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		return fmt.Errorf("no migrations for driver %q", driverName)
	}
	if driverErr != nil {
		return fmt.Errorf("failed to create %s database driver: %w", driverKind, driverErr)
	}

	sub, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("failed to open migrations directory %q: %w", dir, err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create embed source driver instance: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, driverKind, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No database migrations to apply.")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database migrations applied successfully.")
	return nil
}

// ExtractDBNameFromPath extracts the database name from a file path, a file: URI or
// a PostgreSQL connection URL.
func ExtractDBNameFromPath(path string) string {
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		if u, err := url.Parse(path); err == nil {
			return strings.TrimPrefix(u.Path, "/")
		}
	}

	path = strings.TrimPrefix(path, "file:")

	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}

	if decoded, err := url.PathUnescape(path); err == nil {
		return decoded
	}

	return path
}
