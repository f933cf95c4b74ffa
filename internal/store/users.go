package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/safar/order-desk/internal/database"
	"github.com/safar/order-desk/internal/models"
)

const userColumns = `id, email, name, created_at, updated_at, version`

func scanUser(row interface{ Scan(...any) error }, user *models.User) error {
	return row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt, &user.Version)
}

// CreateUser stores a back-office operator, the actor recorded on status
// changes and refunds. Emails are compared case-insensitively, so
// they are kept lower-cased.
func CreateUser(ctx context.Context, db *sql.DB, email, name string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("create user: email is required")
	}

	user := &models.User{}
	err := scanUser(db.QueryRowContext(ctx,
		`INSERT INTO users (email, name, created_at, updated_at, version)
		 VALUES ($1, $2, NOW(), NOW(), 1)
		 RETURNING `+userColumns,
		email, strings.TrimSpace(name)), user)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", email, database.ErrDuplicate)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

func GetUser(ctx context.Context, q Querier, id int64) (*models.User, error) {
	user := &models.User{}
	err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id), user)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}
