// Package migrate applies timestamped SQL migration files to a database,
// tracking applied checksums in a schema_migrations table and guarding
// concurrent runs with a stale-aware advisory lock row.
package migrate

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/kandev/conductor/internal/common/apperr"
)

const staleLockTimeout = 5 * time.Minute

var filenameRe = regexp.MustCompile(`^(\d{14})_(.+)\.sql$`)

// Migration is one parsed migration file.
type Migration struct {
	Version     string
	Description string
	Path        string
	Checksum    string
	SQL         string
}

// Load reads and sorts every *.sql file in dir by version.
func Load(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "migrate", "load", err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filenameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.New(apperr.KindTransient, "migrate", "read", err)
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:     m[1],
			Description: m[2],
			Path:        path,
			Checksum:    hex.EncodeToString(sum[:]),
			SQL:         string(content),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Ensure creates the bookkeeping tables if absent.
func Ensure(conn *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			checksum    TEXT NOT NULL,
			applied_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS migration_lock (
			id          INTEGER PRIMARY KEY,
			holder_pid  INTEGER NOT NULL,
			acquired_at TIMESTAMP NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			return apperr.New(apperr.KindInvariant, "migrate", "ensure", err)
		}
	}
	return nil
}

// Apply runs every migration in migrations not yet recorded in
// schema_migrations, inside its own transaction, under a stale-aware lock.
func Apply(conn *sql.DB, migrations []Migration) (int, error) {
	if err := Ensure(conn); err != nil {
		return 0, err
	}
	if err := acquireLock(conn); err != nil {
		return 0, err
	}
	defer releaseLock(conn)

	applied := make(map[string]string)
	rows, err := conn.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return 0, apperr.New(apperr.KindTransient, "migrate", "query-applied", err)
	}
	for rows.Next() {
		var v, c string
		if err := rows.Scan(&v, &c); err != nil {
			rows.Close()
			return 0, apperr.New(apperr.KindTransient, "migrate", "scan-applied", err)
		}
		applied[v] = c
	}
	rows.Close()

	count := 0
	for _, m := range migrations {
		if checksum, ok := applied[m.Version]; ok {
			if checksum != m.Checksum {
				return count, apperr.New(apperr.KindInvariant, "migrate", "apply",
					fmt.Errorf("checksum mismatch for migration %s: recorded %s, file %s", m.Version, checksum, m.Checksum))
			}
			continue
		}

		tx, err := conn.Begin()
		if err != nil {
			return count, apperr.New(apperr.KindTransient, "migrate", "begin", err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return count, apperr.New(apperr.KindInvariant, "migrate", "exec", fmt.Errorf("%s: %w", m.Version, err))
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, description, checksum, applied_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Description, m.Checksum, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return count, apperr.New(apperr.KindTransient, "migrate", "record", err)
		}
		if err := tx.Commit(); err != nil {
			return count, apperr.New(apperr.KindTransient, "migrate", "commit", err)
		}
		count++
	}
	return count, nil
}

func acquireLock(conn *sql.DB) error {
	var holderPID int
	var acquiredAt time.Time
	err := conn.QueryRow(`SELECT holder_pid, acquired_at FROM migration_lock WHERE id = 1`).Scan(&holderPID, &acquiredAt)
	switch {
	case err == sql.ErrNoRows:
		_, err := conn.Exec(`INSERT INTO migration_lock (id, holder_pid, acquired_at) VALUES (1, ?, ?)`, os.Getpid(), time.Now().UTC())
		if err != nil {
			return apperr.New(apperr.KindTransient, "migrate", "lock", err)
		}
		return nil
	case err != nil:
		return apperr.New(apperr.KindTransient, "migrate", "lock", err)
	}

	if time.Since(acquiredAt) > staleLockTimeout {
		_, err := conn.Exec(`UPDATE migration_lock SET holder_pid = ?, acquired_at = ? WHERE id = 1`, os.Getpid(), time.Now().UTC())
		if err != nil {
			return apperr.New(apperr.KindTransient, "migrate", "lock", err)
		}
		return nil
	}

	return apperr.New(apperr.KindInvariant, "migrate", "lock",
		fmt.Errorf("migration lock held by pid %d since %s", holderPID, acquiredAt))
}

func releaseLock(conn *sql.DB) {
	_, _ = conn.Exec(`DELETE FROM migration_lock WHERE id = 1 AND holder_pid = ?`, os.Getpid())
}
