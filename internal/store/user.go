package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/spfa-lab/patientsim/internal/model"
)

var userColumns = []string{"id", "email", "name", "password_hash", "role", "created_at"}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user. Emails are stored lowercased.
func (s *Store) CreateUser(ctx context.Context, u model.User) (int64, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	row, err := s.queryRow(ctx, s.db, s.sb.Insert("users").
		Columns("email", "name", "password_hash", "role", "created_at").
		Values(email, u.Name, u.PasswordHash, u.Role, s.now()).
		Suffix("RETURNING id"))
	if err != nil {
		return 0, err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		slog.Error("failed to create user", "email", email, "error", err)
		return 0, err
	}
	slog.Info("created user", "id", id, "email", email, "role", u.Role)
	return id, nil
}

// GetUserByEmail returns a user by email, or nil if none exists.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(userColumns...).From("users").
		Where(sq.Eq{"email": strings.ToLower(strings.TrimSpace(email))}))
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

// GetUserByID returns a user by ID, or nil if none exists.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(userColumns...).From("users").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

// UserCount returns the total number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("COUNT(*)").From("users"))
	if err != nil {
		return 0, err
	}
	var count int
	err = row.Scan(&count)
	return count, err
}
