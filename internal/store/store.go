// Package store provides the durable persistence layer: agents, their
// append-only state-transition log, and task completions, behind a
// transactional interface shared by SQLite and PostgreSQL backends.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/conductor/internal/common/apperr"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/otelx"
	"github.com/kandev/conductor/internal/db"
	"github.com/kandev/conductor/internal/store/migrate"
)

var tracer = otelx.Tracer("conductor-store")

// Store is the transactional persistence interface. Every multi-row
// mutation (completion commit, agent transitions) runs inside a single call
// to Transaction, which serializes writes on one writer connection and
// gives snapshot isolation for the duration of fn.
type Store interface {
	Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	Reader() *sqlx.DB
	Driver() string
	Stats() db.Stats
	Close() error
}

type sqlStore struct {
	pool   *db.Pool
	driver string
}

// Provide opens a Store for cfg.Driver ("sqlite" or "postgres"),
// applies pending migrations, and returns it with a cleanup func.
func Provide(cfg *config.DatabaseConfig) (Store, func() error, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return provideSQLite(cfg)
	case "postgres":
		return providePostgres(cfg)
	default:
		return nil, nil, apperr.New(apperr.KindInvariant, "store", "provide", fmt.Errorf("unknown database driver %q", cfg.Driver))
	}
}

func provideSQLite(cfg *config.DatabaseConfig) (Store, func() error, error) {
	writerRaw, err := db.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, nil, apperr.New(apperr.KindTransient, "store", "open-sqlite-writer", err)
	}
	readerRaw, err := db.OpenSQLiteReader(cfg.Path)
	if err != nil {
		_ = writerRaw.Close()
		return nil, nil, apperr.New(apperr.KindTransient, "store", "open-sqlite-reader", err)
	}

	pool := db.NewPool(sqlx.NewDb(writerRaw, "sqlite3"), sqlx.NewDb(readerRaw, "sqlite3"))
	s := &sqlStore{pool: pool, driver: "sqlite"}

	if err := bootstrapSchema(pool.Writer().DB, cfg.MigrationsDir, schemaSQLite); err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	return s, pool.Close, nil
}

func providePostgres(cfg *config.DatabaseConfig) (Store, func() error, error) {
	raw, err := db.OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, nil, apperr.New(apperr.KindTransient, "store", "open-postgres", err)
	}
	sx := sqlx.NewDb(raw, "pgx")
	pool := db.NewPool(sx, sx)
	s := &sqlStore{pool: pool, driver: "postgres"}

	if err := bootstrapSchema(pool.Writer().DB, cfg.MigrationsDir, schemaPostgres); err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	return s, pool.Close, nil
}

// bootstrapSchema brings a fresh connection up to date. With MigrationsDir
// set it defers to internal/store/migrate's checksum-tracked runner;
// otherwise it lays down the built-in idempotent schema directly, which is
// what every test fixture and a from-scratch deployment uses.
func bootstrapSchema(conn *sql.DB, migrationsDir string, stmts []string) error {
	if migrationsDir != "" {
		migrations, err := migrate.Load(migrationsDir)
		if err != nil {
			return err
		}
		if _, err := migrate.Apply(conn, migrations); err != nil {
			return err
		}
		return nil
	}
	return applySchema(conn, stmts)
}

func applySchema(conn *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			return apperr.New(apperr.KindInvariant, "store", "apply-schema", err)
		}
	}
	return nil
}

// Transaction runs fn inside a single database transaction on the writer
// connection, committing on success and rolling back on error or panic.
func (s *sqlStore) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, span := tracer.Start(ctx, "store.transaction")
	defer span.End()

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return apperr.New(apperr.KindTransient, "store", "begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.New(apperr.KindTransient, "store", "commit", err)
	}
	return nil
}

func (s *sqlStore) Reader() *sqlx.DB { return s.pool.Reader() }
func (s *sqlStore) Driver() string   { return s.driver }
func (s *sqlStore) Stats() db.Stats  { return s.pool.Stats() }
func (s *sqlStore) Close() error     { return s.pool.Close() }
