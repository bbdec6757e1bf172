package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// UserStore manages login accounts.
type UserStore struct {
	s *Store
}

// Create adds a user with a bcrypt hash of password.
func (u *UserStore) Create(ctx context.Context, name, password string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("user name is required")
	}
	if password == "" {
		return User{}, fmt.Errorf("password is required")
	}

	if _, err := u.Get(ctx, name); err == nil {
		return User{}, fmt.Errorf("user %s: %w", name, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{Name: name, PasswordHash: string(hash), CreatedAt: u.s.now()}
	_, err = u.s.conn(ctx).ExecContext(ctx, u.s.rebind(
		`INSERT INTO users (name, password_hash, created_at) VALUES (?, ?, ?);`),
		user.Name, user.PasswordHash, formatTime(user.CreatedAt))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// Get returns a user by name.
func (u *UserStore) Get(ctx context.Context, name string) (User, error) {
	var (
		user      User
		createdAt string
	)
	err := u.s.conn(ctx).QueryRowContext(ctx, u.s.rebind(
		`SELECT name, password_hash, created_at FROM users WHERE name = ?;`), name).
		Scan(&user.Name, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, err
	}
	return user, nil
}

// Authenticate checks a password. Unknown users and wrong passwords both
// yield ErrInvalidCredentials.
func (u *UserStore) Authenticate(ctx context.Context, name, password string) (User, error) {
	user, err := u.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Ensure creates the user if missing. It reports whether a user was created;
// an existing user's password is left unchanged.
func (u *UserStore) Ensure(ctx context.Context, name, password string) (bool, error) {
	_, err := u.Get(ctx, name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if _, err := u.Create(ctx, name, password); err != nil {
		return false, err
	}
	return true, nil
}
