package db

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kandev/conductor/internal/common/apperr"
)

// OpenPostgres opens a PostgreSQL database connection using pgx.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "db", "open postgres", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, apperr.New(apperr.KindTransient, "db", "ping postgres", err)
	}

	return db, nil
}
