package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/GophSession/internal/models"
)

// PostgresSessionRepository stores sessions and single-use authorization
// codes in PostgreSQL.
type PostgresSessionRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresSessionRepository creates a PostgresSessionRepository over db.
func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{DB: db}
}

// CreateSession inserts s.
func (r *PostgresSessionRepository) CreateSession(ctx context.Context, s models.ServerSession) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO sessions (access_token, refresh_token, identity_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, s.AccessToken, s.RefreshToken, s.IdentityID, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("CreateSession: %w", err)
	}
	return nil
}

// GetSession fetches a session by access token.
func (r *PostgresSessionRepository) GetSession(ctx context.Context, accessToken string) (*models.ServerSession, error) {
	return r.getSession(ctx, "access_token", accessToken)
}

// GetSessionByRefresh fetches a session by refresh token.
func (r *PostgresSessionRepository) GetSessionByRefresh(ctx context.Context, refreshToken string) (*models.ServerSession, error) {
	return r.getSession(ctx, "refresh_token", refreshToken)
}

func (r *PostgresSessionRepository) getSession(ctx context.Context, column, token string) (*models.ServerSession, error) {
	var s models.ServerSession
	// column is one of two constants above, never user input.
	err := r.DB.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, identity_id, expires_at
		FROM sessions WHERE `+column+` = $1
	`, token).Scan(&s.AccessToken, &s.RefreshToken, &s.IdentityID, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	return &s, nil
}

// ReplaceSession swaps the session identified by oldAccessToken for next in
// one transaction. It returns models.ErrNotFound when the old session is
// already gone, so a refresh token is only ever used once.
func (r *PostgresSessionRepository) ReplaceSession(ctx context.Context, oldAccessToken string, next models.ServerSession) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE access_token = $1`, oldAccessToken)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (access_token, refresh_token, identity_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, next.AccessToken, next.RefreshToken, next.IdentityID, next.ExpiresAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteSession removes a session. Deleting a missing session is not an
// error.
func (r *PostgresSessionRepository) DeleteSession(ctx context.Context, accessToken string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE access_token = $1`, accessToken)
	return err
}

// CreateCode stores a single-use authorization code.
func (r *PostgresSessionRepository) CreateCode(ctx context.Context, code, identityID string, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO auth_codes (code, identity_id, expires_at) VALUES ($1, $2, $3)
	`, code, identityID, expiresAt)
	if err != nil {
		return fmt.Errorf("CreateCode: %w", err)
	}
	return nil
}

// ConsumeCode deletes a code and returns what it was issued for. A code can
// be consumed once; afterwards models.ErrNotFound is returned.
func (r *PostgresSessionRepository) ConsumeCode(ctx context.Context, code string) (string, time.Time, error) {
	var identityID string
	var expiresAt time.Time
	err := r.DB.QueryRowContext(ctx, `
		DELETE FROM auth_codes WHERE code = $1 RETURNING identity_id, expires_at
	`, code).Scan(&identityID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, models.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ConsumeCode: %w", err)
	}
	return identityID, expiresAt, nil
}
