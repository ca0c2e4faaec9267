package db

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Pool splits writer and reader connections so the coordination core's
// single-writer invariant (one in-flight transaction at a time on SQLite)
// never contends with status-endpoint and poller reads.
//
// SQLite: the writer pool caps at MaxOpenConns(1) to avoid SQLITE_BUSY under
// write contention; the reader pool opens several read-only connections that
// ride along on WAL snapshots. PostgreSQL: Writer and Reader are the same
// *sqlx.DB, since pgx already pools connections internally and there is no
// single-writer constraint to enforce.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Stats reports the underlying connection pool stats for both the writer and
// reader, used by the operator status endpoint to surface pool saturation.
type Stats struct {
	Writer sql.DBStats `json:"writer"`
	Reader sql.DBStats `json:"reader"`
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Stats returns the current writer and reader pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{Writer: p.writer.Stats(), Reader: p.reader.Stats()}
}

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
