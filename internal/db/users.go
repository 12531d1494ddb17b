package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/models"
)

const userColumns = "id, username, full_name, email, password_hash, role, verified, gender, date_of_birth, city, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.PasswordHash, &u.Role,
		&u.Verified, &u.Gender, &u.DateOfBirth, &u.City, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a new unverified user
func (db *DB) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	created, err := scanUser(db.Pool.QueryRow(ctx,
		`INSERT INTO users (username, full_name, email, password_hash, role, verified, gender, date_of_birth, city)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8) RETURNING `+userColumns,
		u.Username, u.FullName, u.Email, u.PasswordHash, u.Role, u.Gender, u.DateOfBirth, u.City))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case "users_email_key":
				return nil, apperr.Duplicate("Email already exists")
			case "users_username_key":
				return nil, apperr.Duplicate("Username already exists")
			}
		}
		return nil, apperr.Store("failed to create user", err)
	}
	return created, nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, apperr.Store("failed to get user", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, apperr.Store("failed to get user", err)
	}
	return u, nil
}

// MarkVerified sets verified once. changed is false when the user was
// already verified.
func (db *DB) MarkVerified(ctx context.Context, email string) (*models.User, bool, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		"UPDATE users SET verified = TRUE WHERE lower(email) = lower($1) AND verified = FALSE RETURNING "+userColumns,
		email))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperr.Store("failed to verify user", err)
	}

	// either unknown or already verified
	u, err = db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return u, false, nil
}
