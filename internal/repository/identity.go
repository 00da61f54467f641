// Package repository provides PostgreSQL persistence for identities,
// sessions and authorization codes.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/GophSession/internal/models"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a duplicate key.
const uniqueViolation = "23505"

// ErrConflict is returned when a row with the same key already exists.
var ErrConflict = errors.New("already exists")

// PostgresIdentityRepository stores identities in PostgreSQL.
type PostgresIdentityRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresIdentityRepository creates a PostgresIdentityRepository over db.
func NewPostgresIdentityRepository(db *sql.DB) *PostgresIdentityRepository {
	return &PostgresIdentityRepository{DB: db}
}

// CreateIdentity inserts a new identity. The created_at column is filled in
// on id.
func (r *PostgresIdentityRepository) CreateIdentity(ctx context.Context, id *models.Identity) error {
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO identities (id, provider, subject, is_anonymous, name, avatar_url, email)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		RETURNING created_at
	`, id.ID, id.Provider, id.Subject, id.Anonymous, id.Name, id.AvatarURL, id.Email).Scan(&id.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("CreateIdentity: %w", ErrConflict)
		}
		return fmt.Errorf("CreateIdentity: %w", err)
	}
	return nil
}

// UpsertProviderIdentity inserts an identity for (provider, subject) or
// refreshes the profile of the existing one. It returns the stored row,
// whose ID is the existing one on conflict.
func (r *PostgresIdentityRepository) UpsertProviderIdentity(ctx context.Context, id *models.Identity) (*models.Identity, error) {
	out := *id
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO identities (id, provider, subject, is_anonymous, name, avatar_url, email)
		VALUES ($1, $2, $3, false, $4, $5, $6)
		ON CONFLICT (provider, subject) DO UPDATE SET
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			email = EXCLUDED.email
		RETURNING id, created_at
	`, id.ID, id.Provider, id.Subject, id.Name, id.AvatarURL, id.Email).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("UpsertProviderIdentity: %w", err)
	}
	out.Anonymous = false
	return &out, nil
}

// GetIdentity fetches an identity by ID. It returns models.ErrNotFound when
// there is none.
func (r *PostgresIdentityRepository) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	var out models.Identity
	var subject sql.NullString
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, provider, subject, is_anonymous, name, avatar_url, email, created_at
		FROM identities WHERE id = $1
	`, id).Scan(&out.ID, &out.Provider, &subject, &out.Anonymous, &out.Name, &out.AvatarURL, &out.Email, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetIdentity: %w", err)
	}
	out.Subject = subject.String
	return &out, nil
}
