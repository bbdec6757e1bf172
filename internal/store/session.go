package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Session pins one pooled connection for the duration of a request.
type Session struct {
	conn *sql.Conn
}

type sessionKey struct{}

// Acquire reserves a dedicated connection. Callers must Release it.
func (s *Store) Acquire(ctx context.Context) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire db session: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Release returns the connection to the pool. Calling it twice is a no-op.
func (sess *Session) Release() error {
	if sess == nil || sess.conn == nil {
		return nil
	}
	err := sess.conn.Close()
	sess.conn = nil
	return err
}

// WithSession returns a context whose store calls run on sess.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the session stored in ctx, if any.
func SessionFrom(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok && sess != nil
}
