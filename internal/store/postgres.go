// Package store implements the coordinator's persistence layer: a
// Postgres-backed task store and a Redis-backed settings store, both
// external to the core control-theory fabric but required for the
// Coordinator Arbiter to have somewhere durable to keep state (spec.md §6,
// "Persisted state").
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Postgres wraps a *sql.DB tuned for the coordinator's task-claim workload:
// many short-lived, highly concurrent UPDATE ... RETURNING statements.
type Postgres struct {
	*sql.DB
}

// NewPostgres opens and pings the connection, failing fast on a bad DSN
// rather than deferring the error to the first query.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(15)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}

	return &Postgres{DB: db}, nil
}

// RunMigrations applies every pending migration under migrationsPath.
func (p *Postgres) RunMigrations(migrationsPath string) error {
	driver, err := postgres.WithInstance(p.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
