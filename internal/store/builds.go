package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// BuildStore manages build records and per-repository build numbers.
type BuildStore struct {
	s *Store
}

const buildSelect = `
SELECT b.id, b.num, b.status, b.reason, b.exit_code, b.ref, b.commit_sha, b.pusher, b.delivery,
       b.created_at, b.started_at, b.finished_at,
       r.id, r.owner, r.name, r.clone_url, r.secret, r.provider, r.next_build_num, r.created_at
FROM builds b
JOIN repositories r ON r.id = b.repository_id`

// Create allocates the repository's next build number and inserts a
// Pending build in one transaction. Numbers are never reused.
func (b *BuildStore) Create(ctx context.Context, repo Repository, meta PushMetadata) (Build, error) {
	id := uuid.NewString()
	now := b.s.now()

	err := b.s.withTx(ctx, func(tx *sql.Tx) error {
		var num int64
		err := tx.QueryRowContext(ctx, b.s.rebind(`
UPDATE repositories
SET next_build_num = next_build_num + 1
WHERE id = ?
RETURNING next_build_num - 1;`), repo.ID).Scan(&num)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("repository %s: %w", repo.FullName(), ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("allocate build number: %w", err)
		}

		_, err = tx.ExecContext(ctx, b.s.rebind(`
INSERT INTO builds (id, repository_id, num, status, reason, ref, commit_sha, pusher, delivery, created_at)
VALUES (?, ?, ?, ?, '', ?, ?, ?, ?, ?);`),
			id, repo.ID, num, string(StatusPending), meta.Ref, meta.Commit, meta.Pusher, meta.Delivery,
			formatTime(now))
		if err != nil {
			return fmt.Errorf("insert build: %w", err)
		}
		return nil
	})
	if err != nil {
		return Build{}, err
	}
	return b.Get(ctx, id)
}

// Get returns a build by id.
func (b *BuildStore) Get(ctx context.Context, id string) (Build, error) {
	row := b.s.conn(ctx).QueryRowContext(ctx, b.s.rebind(buildSelect+` WHERE b.id = ?;`), id)
	return scanBuild(row)
}

// GetByNumber returns build num of the given repository.
func (b *BuildStore) GetByNumber(ctx context.Context, repoID string, num int64) (Build, error) {
	row := b.s.conn(ctx).QueryRowContext(ctx,
		b.s.rebind(buildSelect+` WHERE b.repository_id = ? AND b.num = ?;`), repoID, num)
	return scanBuild(row)
}

// ListByRepository returns a repository's builds, newest first. limit <= 0
// returns all of them.
func (b *BuildStore) ListByRepository(ctx context.Context, repoID string, limit int) ([]Build, error) {
	query := buildSelect + ` WHERE b.repository_id = ? ORDER BY b.num DESC`
	args := []any{repoID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return b.list(ctx, query+";", args...)
}

// ListByStatus returns builds in the given state, oldest first.
func (b *BuildStore) ListByStatus(ctx context.Context, status Status) ([]Build, error) {
	return b.list(ctx, buildSelect+` WHERE b.status = ? ORDER BY b.created_at ASC, b.num ASC;`, string(status))
}

// Recent returns the most recently created builds across all repositories.
func (b *BuildStore) Recent(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.list(ctx, buildSelect+` ORDER BY b.created_at DESC, b.num DESC LIMIT ?;`, limit)
}

// MarkRunning moves a Pending build to Running and stamps started_at.
func (b *BuildStore) MarkRunning(ctx context.Context, id string) (Build, error) {
	res, err := b.s.conn(ctx).ExecContext(ctx, b.s.rebind(`
UPDATE builds SET status = ?, started_at = ?
WHERE id = ? AND status = ?;`),
		string(StatusRunning), formatTime(b.s.now()), id, string(StatusPending))
	if err != nil {
		return Build{}, fmt.Errorf("mark build running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := b.Get(ctx, id); err != nil {
			return Build{}, err
		}
		return Build{}, fmt.Errorf("build %s is not pending: %w", id, ErrInvalidTransition)
	}
	return b.Get(ctx, id)
}

// Finish records a terminal result for a Pending or Running build.
func (b *BuildStore) Finish(ctx context.Context, id string, res Result) (Build, error) {
	if !res.Status.IsTerminal() {
		return Build{}, fmt.Errorf("finish with status %q: %w", res.Status, ErrInvalidTransition)
	}

	var code sql.NullInt64
	if res.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*res.ExitCode), Valid: true}
	}

	out, err := b.s.conn(ctx).ExecContext(ctx, b.s.rebind(`
UPDATE builds SET status = ?, reason = ?, exit_code = ?, finished_at = ?
WHERE id = ? AND status IN (?, ?);`),
		string(res.Status), string(res.Reason), code, formatTime(b.s.now()),
		id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return Build{}, fmt.Errorf("finish build: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		if _, err := b.Get(ctx, id); err != nil {
			return Build{}, err
		}
		return Build{}, fmt.Errorf("build %s already finished: %w", id, ErrInvalidTransition)
	}
	return b.Get(ctx, id)
}

func (b *BuildStore) list(ctx context.Context, query string, args ...any) ([]Build, error) {
	rows, err := b.s.conn(ctx).QueryContext(ctx, b.s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return out, nil
}

func scanBuild(row rowScanner) (Build, error) {
	var (
		build                   Build
		status, reason          string
		exitCode                sql.NullInt64
		createdAt               string
		startedAt, finishedAt   sql.NullString
		provider, repoCreatedAt string
	)
	err := row.Scan(
		&build.ID, &build.Num, &status, &reason, &exitCode,
		&build.Push.Ref, &build.Push.Commit, &build.Push.Pusher, &build.Push.Delivery,
		&createdAt, &startedAt, &finishedAt,
		&build.Repository.ID, &build.Repository.Owner, &build.Repository.Name,
		&build.Repository.CloneURL, &build.Repository.Secret, &provider,
		&build.Repository.NextBuildNum, &repoCreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, fmt.Errorf("scan build: %w", err)
	}

	build.Status = Status(status)
	build.Reason = Reason(reason)
	build.Repository.Provider = ParseProvider(provider)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		build.ExitCode = &code
	}
	if build.CreatedAt, err = parseTime(createdAt); err != nil {
		return Build{}, err
	}
	if build.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Build{}, err
	}
	if build.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return Build{}, err
	}
	if build.Repository.CreatedAt, err = parseTime(repoCreatedAt); err != nil {
		return Build{}, err
	}
	return build, nil
}
