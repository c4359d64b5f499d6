package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgrid/dealgrid-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func userRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "password_hash", "first_name", "last_name", "role",
		"subscription_tier", "internal", "two_factor_secret", "two_factor_enabled",
		"failed_login_attempts", "lock_until", "token_version", "last_login",
		"created_at", "updated_at",
	}).AddRow("u1", "agent@example.com", "hash", "Ada", "Lovelace", string(models.RoleAgent),
		"basic", false, nil, false, 0, nil, 1, nil, now, now)
}

func TestFindByEmailNormalizesCase(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	mock.ExpectQuery("SELECT .+ FROM users WHERE email = \\$1 LIMIT 1").
		WithArgs("agent@example.com").
		WillReturnRows(userRows(time.Now()))

	user, err := repo.FindByEmail(context.Background(), "Agent@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "agent@example.com", user.Email)
	assert.Equal(t, 1, user.TokenVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLoginFailuresSetsLock(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	lockUntil := time.Now().UTC().Add(15 * time.Minute)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET failed_login_attempts = $2, lock_until = $3, updated_at = $4 WHERE id = $1")).
		WithArgs("u1", 5, &lockUntil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateLoginFailures(context.Background(), "u1", 5, &lockUntil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetLoginFailures(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET failed_login_attempts = 0, lock_until = NULL, updated_at = $2 WHERE id = $1")).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ResetLoginFailures(context.Background(), "u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpTokenVersion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET token_version = token_version + 1, updated_at = $2 WHERE id = $1")).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.BumpTokenVersion(context.Background(), "u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateRefreshToken(context.Background(), &models.RefreshToken{
		ID:        "rt1",
		UserID:    "u1",
		Token:     "signed-value",
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRefreshTokenByExactValue(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "token", "expires_at", "created_at", "revoked",
		"revoked_at", "last_used_at", "ip_address", "user_agent",
	}).AddRow("rt1", "u1", "signed-value", now.Add(time.Hour), now, false, nil, nil, "127.0.0.1", "ua")

	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE token = \\$1 LIMIT 1").
		WithArgs("signed-value").
		WillReturnRows(rows)

	rt, err := repo.FindRefreshToken(context.Background(), "signed-value")
	require.NoError(t, err)
	assert.Equal(t, "u1", rt.UserID)
	assert.False(t, rt.Revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeUserRefreshTokens(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE")).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.RevokeUserRefreshTokens(context.Background(), "u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type recordingMetrics struct {
	queries []string
}

func (m *recordingMetrics) ObserveDBQuery(query string, duration time.Duration) {
	m.queries = append(m.queries, query)
}

func TestQueriesReportTimingMetrics(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	metrics := &recordingMetrics{}
	repo := NewUserRepository(db, metrics)

	mock.ExpectQuery("SELECT .+ FROM users WHERE email = \\$1 LIMIT 1").
		WithArgs("agent@example.com").
		WillReturnRows(userRows(time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET token_version = token_version + 1, updated_at = $2 WHERE id = $1")).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := repo.FindByEmail(context.Background(), "agent@example.com")
	require.NoError(t, err)
	require.NoError(t, repo.BumpTokenVersion(context.Background(), "u1"))

	assert.Equal(t, []string{"find_user_by_email", "bump_token_version"}, metrics.queries)
}

func TestCreateAuditLog(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db, nil)

	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	userID := "u1"
	err := repo.CreateAuditLog(context.Background(), &models.AuditLog{
		UserID:   &userID,
		Action:   models.AuditActionLogin,
		Resource: "auth",
		Outcome:  models.AuditOutcomeSuccess,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
