// Package storage opens the revision database and owns its schema.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/sandpit/internal/config"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB pairs a connection pool with its dialect so callers can write queries
// once with '?' placeholders.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open selects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (*DB, error) {
	switch Dialect(cfg.Driver) {
	case SQLite, "":
		return OpenSQLite(ctx, cfg.Path)
	case Postgres:
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Rebind rewrites '?' placeholders to '$n' for postgres. Question marks inside
// single-quoted literals are left alone.
func (db *DB) Rebind(query string) string {
	if db.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Bootstrap creates tables/indexes if missing.
func Bootstrap(ctx context.Context, db *DB) error {
	packagesType := "JSON"
	if db.Dialect == Postgres {
		packagesType = "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
  id         TEXT PRIMARY KEY,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS revisions (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  title      TEXT NOT NULL DEFAULT '',
  source     TEXT NOT NULL,
  html       TEXT,
  packages   ` + packagesType + ` NOT NULL,
  version    TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS revisions_user_created_at_idx ON revisions(user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", db.Dialect, err)
		}
	}
	return nil
}
