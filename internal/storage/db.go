package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is a *sql.DB that knows its dialect. Queries are written with `?`
// placeholders and passed through Rebind.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the configured backend and bootstraps the schema.
func Open(ctx context.Context, driver, path, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case SQLite, "":
		return OpenSQLite(ctx, path)
	case Postgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}
}

// OpenPostgres opens a pgx-backed connection pool and bootstraps the schema.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{DB: sqlDB, Dialect: Postgres}
	if err := Bootstrap(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Rebind rewrites `?` placeholders into the dialect's positional form.
// Question marks inside single-quoted literals are left alone.
func (db *DB) Rebind(query string) string {
	if db.Dialect != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Bootstrap creates tables and indexes if missing. The DDL is portable
// across SQLite and Postgres; timestamps are RFC 3339 TEXT.
func Bootstrap(ctx context.Context, db *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS repositories (
  id             TEXT PRIMARY KEY,
  owner          TEXT NOT NULL,
  name           TEXT NOT NULL,
  clone_url      TEXT NOT NULL,
  secret         TEXT NOT NULL DEFAULT '',
  provider       TEXT NOT NULL,
  next_build_num BIGINT NOT NULL DEFAULT 1,
  created_at     TEXT NOT NULL,
  UNIQUE (owner, name)
);`,
		`CREATE TABLE IF NOT EXISTS builds (
  id            TEXT PRIMARY KEY,
  repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
  num           BIGINT NOT NULL,
  status        TEXT NOT NULL,
  reason        TEXT NOT NULL DEFAULT '',
  exit_code     INTEGER,
  ref           TEXT NOT NULL DEFAULT '',
  commit_sha    TEXT NOT NULL DEFAULT '',
  pusher        TEXT NOT NULL DEFAULT '',
  delivery      TEXT NOT NULL DEFAULT '',
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  finished_at   TEXT,
  UNIQUE (repository_id, num)
);`,
		`CREATE TABLE IF NOT EXISTS users (
  name          TEXT PRIMARY KEY,
  password_hash TEXT NOT NULL,
  created_at    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS builds_status_created_at_idx ON builds(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS builds_repository_num_idx ON builds(repository_id, num);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", db.Dialect, err)
		}
	}
	return nil
}
