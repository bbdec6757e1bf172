// Package store persists repositories, builds and users over database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/flux/internal/storage"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTransition  = errors.New("invalid build state transition")
)

// timeFormat is fixed-width so TEXT columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// queryable is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txBeginner interface {
	queryable
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store is the entry point to the sub-stores.
type Store struct {
	db           *storage.DB
	repositories *RepositoryStore
	builds       *BuildStore
	users        *UserStore
	now          func() time.Time
}

// New wraps an opened database.
func New(db *storage.DB) *Store {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	s.repositories = &RepositoryStore{s: s}
	s.builds = &BuildStore{s: s}
	s.users = &UserStore{s: s}
	return s
}

// Open connects to the configured backend and returns a Store.
func Open(ctx context.Context, driver, path, dsn string) (*Store, error) {
	db, err := storage.Open(ctx, driver, path, dsn)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Repositories() *RepositoryStore { return s.repositories }
func (s *Store) Builds() *BuildStore             { return s.builds }
func (s *Store) Users() *UserStore               { return s.users }

// conn returns the request's session connection when the context carries
// one, otherwise the pool.
func (s *Store) conn(ctx context.Context) txBeginner {
	if sess, ok := SessionFrom(ctx); ok && sess.conn != nil {
		return sess.conn
	}
	return s.db.DB
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// withTx runs fn in a transaction on the context's connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn(ctx).BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
