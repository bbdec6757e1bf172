package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RepositoryStore manages registered repositories.
type RepositoryStore struct {
	s *Store
}

const repositoryColumns = `id, owner, name, clone_url, secret, provider, next_build_num, created_at`

// Create registers a repository. Owner and name must be unique together.
func (r *RepositoryStore) Create(ctx context.Context, repo Repository) (Repository, error) {
	repo.Owner = strings.TrimSpace(repo.Owner)
	repo.Name = strings.TrimSpace(repo.Name)
	if repo.Owner == "" || repo.Name == "" {
		return Repository{}, fmt.Errorf("repository owner and name are required")
	}
	if strings.Contains(repo.Owner, "/") || strings.Contains(repo.Name, "/") {
		return Repository{}, fmt.Errorf("repository owner and name must not contain '/'")
	}
	if repo.CloneURL == "" {
		return Repository{}, fmt.Errorf("repository clone url is required")
	}

	if _, err := r.GetByFullName(ctx, repo.Owner, repo.Name); err == nil {
		return Repository{}, fmt.Errorf("repository %s: %w", repo.FullName(), ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return Repository{}, err
	}

	repo.ID = uuid.NewString()
	repo.Provider = ParseProvider(string(repo.Provider))
	repo.NextBuildNum = 1
	repo.CreatedAt = r.s.now()

	_, err := r.s.conn(ctx).ExecContext(ctx, r.s.rebind(`
INSERT INTO repositories (`+repositoryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`),
		repo.ID, repo.Owner, repo.Name, repo.CloneURL, repo.Secret, string(repo.Provider),
		repo.NextBuildNum, formatTime(repo.CreatedAt))
	if err != nil {
		return Repository{}, fmt.Errorf("insert repository: %w", err)
	}
	return repo, nil
}

// Get returns a repository by id.
func (r *RepositoryStore) Get(ctx context.Context, id string) (Repository, error) {
	row := r.s.conn(ctx).QueryRowContext(ctx, r.s.rebind(
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?;`), id)
	return scanRepository(row)
}

// GetByFullName returns the repository registered as owner/name.
func (r *RepositoryStore) GetByFullName(ctx context.Context, owner, name string) (Repository, error) {
	row := r.s.conn(ctx).QueryRowContext(ctx, r.s.rebind(
		`SELECT `+repositoryColumns+` FROM repositories WHERE owner = ? AND name = ?;`), owner, name)
	return scanRepository(row)
}

// List returns all repositories ordered by owner and name.
func (r *RepositoryStore) List(ctx context.Context) ([]Repository, error) {
	rows, err := r.s.conn(ctx).QueryContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories ORDER BY owner, name;`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return out, nil
}

// Delete removes a repository and, by cascade, its builds.
func (r *RepositoryStore) Delete(ctx context.Context, id string) error {
	res, err := r.s.conn(ctx).ExecContext(ctx, r.s.rebind(`DELETE FROM repositories WHERE id = ?;`), id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (Repository, error) {
	var (
		repo      Repository
		provider  string
		createdAt string
	)
	err := row.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.CloneURL, &repo.Secret,
		&provider, &repo.NextBuildNum, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	if err != nil {
		return Repository{}, fmt.Errorf("scan repository: %w", err)
	}
	repo.Provider = ParseProvider(provider)
	if repo.CreatedAt, err = parseTime(createdAt); err != nil {
		return Repository{}, err
	}
	return repo, nil
}
