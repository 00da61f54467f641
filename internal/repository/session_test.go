package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/GophSession/internal/models"
)

func setupSessionMock(t *testing.T) (*PostgresSessionRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresSessionRepository(db)
	cleanup := func() { db.Close() }
	return repo, mock, cleanup
}

const insertSession = `INSERT INTO sessions (access_token, refresh_token, identity_id, expires_at)`

var sessionCols = []string{"access_token", "refresh_token", "identity_id", "expires_at"}

func TestCreateSession(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	exp := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(insertSession)).
		WithArgs("at", "rt", "id-1", exp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := models.ServerSession{AccessToken: "at", RefreshToken: "rt", IdentityID: "id-1", ExpiresAt: exp}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetSession(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	exp := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE access_token = $1`)).
		WithArgs("at").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow("at", "rt", "id-1", exp))

	got, err := repo.GetSession(context.Background(), "at")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IdentityID != "id-1" || got.RefreshToken != "rt" || !got.ExpiresAt.Equal(exp) {
		t.Errorf("unexpected session: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetSessionByRefresh_NotFound(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE refresh_token = $1`)).
		WithArgs("rt").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	_, err := repo.GetSessionByRefresh(context.Background(), "rt")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetSession_Error(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE access_token = $1`)).
		WillReturnError(errors.New("query failed"))

	_, err := repo.GetSession(context.Background(), "at")
	if err == nil || errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected query error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReplaceSession_Success(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	exp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE access_token = $1`)).
		WithArgs("old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSession)).
		WithArgs("new", "rt2", "id-1", exp).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	next := models.ServerSession{AccessToken: "new", RefreshToken: "rt2", IdentityID: "id-1", ExpiresAt: exp}
	if err := repo.ReplaceSession(context.Background(), "old", next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReplaceSession_AlreadyRotated(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE access_token = $1`)).
		WithArgs("old").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ReplaceSession(context.Background(), "old", models.ServerSession{AccessToken: "new"})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReplaceSession_InsertFails(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE access_token = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSession)).
		WillReturnError(errors.New("insert failed"))
	mock.ExpectRollback()

	if err := repo.ReplaceSession(context.Background(), "old", models.ServerSession{AccessToken: "new"}); err == nil {
		t.Errorf("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE access_token = $1`)).
		WithArgs("at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.DeleteSession(context.Background(), "at"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCreateCode(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	exp := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO auth_codes (code, identity_id, expires_at) VALUES ($1, $2, $3)`)).
		WithArgs("c1", "id-1", exp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.CreateCode(context.Background(), "c1", "id-1", exp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConsumeCode(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	exp := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM auth_codes WHERE code = $1 RETURNING identity_id, expires_at`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id", "expires_at"}).AddRow("id-1", exp))

	id, got, err := repo.ConsumeCode(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "id-1" || !got.Equal(exp) {
		t.Errorf("ConsumeCode = %q, %v; want id-1, %v", id, got, exp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConsumeCode_Unknown(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM auth_codes WHERE code = $1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id", "expires_at"}))

	if _, _, err := repo.ConsumeCode(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
