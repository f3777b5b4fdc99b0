package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql, used only to drive migrate
)

//go:embed migrations
var migrationsFS embed.FS

// PgConfig configures the catchup index's Postgres connection.
type PgConfig struct {
	DSN string
}

// OpenCatchupIndex opens a pgx pool against cfg.DSN, applies embedded
// migrations via golang-migrate, and returns a ready CatchupIndex.
//
// Migrations run over a database/sql handle (the only thing golang-migrate
// speaks) while the index itself is served by a pgxpool.Pool for native
// pgx performance; the two connections are independent, and the migration
// handle is closed here, leaving only the pool open for the caller.
func OpenCatchupIndex(ctx context.Context, cfg PgConfig) (*CatchupIndex, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog: ping postgres: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, err
	}

	return NewCatchupIndex(pool), nil
}

func runMigrations(dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("eventlog: open migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("eventlog: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventlog: create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "event_index", driver)
	if err != nil {
		return fmt.Errorf("eventlog: create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("eventlog: apply migrations: %w", err)
	}

	// Close only the migration source driver. Calling m.Close() would also
	// close sqlDB via the postgres driver, which is fine here since sqlDB
	// is dedicated to migrations, but we defer sqlDB.Close() ourselves for
	// clarity about what owns the connection.
	return sourceDriver.Close()
}
