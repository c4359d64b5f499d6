package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dealgrid/dealgrid-api/internal/models"
)

const userColumns = `id, email, password_hash, first_name, last_name, role, subscription_tier, internal, two_factor_secret, two_factor_enabled, failed_login_attempts, lock_until, token_version, last_login, created_at, updated_at`

// QueryMetrics records per-query timing. A nil observer disables recording.
type QueryMetrics interface {
	ObserveDBQuery(query string, duration time.Duration)
}

// UserRepository provides database access for accounts, refresh tokens and
// audit records.
type UserRepository struct {
	db      *sqlx.DB
	metrics QueryMetrics
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB, metrics QueryMetrics) *UserRepository {
	return &UserRepository{db: db, metrics: metrics}
}

func (r *UserRepository) observe(query string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveDBQuery(query, time.Since(start))
	}
}

// FindByEmail returns a user by email address. Lookups are case-normalized.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	defer r.observe("find_user_by_email", time.Now())
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1 LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, strings.ToLower(email)); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	defer r.observe("find_user_by_id", time.Now())
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1 LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	defer r.observe("create_user", time.Now())
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Email = strings.ToLower(user.Email)
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, email, password_hash, first_name, last_name, role, subscription_tier, internal, two_factor_enabled, failed_login_attempts, token_version, created_at, updated_at) VALUES (:id, :email, :password_hash, :first_name, :last_name, :role, :subscription_tier, :internal, :two_factor_enabled, :failed_login_attempts, :token_version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	defer r.observe("update_last_login", time.Now())
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// UpdatePassword updates the stored password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	defer r.observe("update_password", time.Now())
	const query = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, passwordHash, updatedAt); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// UpdateLoginFailures writes the failure counter and optional lock window.
// The read-modify-write is intentionally not isolated from concurrent
// attempts: a small undercount under parallel brute force is acceptable for
// a heuristic defense layered under request rate limiting.
func (r *UserRepository) UpdateLoginFailures(ctx context.Context, id string, attempts int, lockUntil *time.Time) error {
	defer r.observe("update_login_failures", time.Now())
	const query = `UPDATE users SET failed_login_attempts = $2, lock_until = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, attempts, lockUntil, time.Now().UTC()); err != nil {
		return fmt.Errorf("update login failures: %w", err)
	}
	return nil
}

// ResetLoginFailures clears the failure counter and lock window.
func (r *UserRepository) ResetLoginFailures(ctx context.Context, id string) error {
	defer r.observe("reset_login_failures", time.Now())
	const query = `UPDATE users SET failed_login_attempts = 0, lock_until = NULL, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return nil
}

// SetTwoFactorSecret stores an unconfirmed TOTP secret. Enablement stays
// false until the first successful verification.
func (r *UserRepository) SetTwoFactorSecret(ctx context.Context, id, secret string) error {
	defer r.observe("set_two_factor_secret", time.Now())
	const query = `UPDATE users SET two_factor_secret = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, secret, time.Now().UTC()); err != nil {
		return fmt.Errorf("set two-factor secret: %w", err)
	}
	return nil
}

// EnableTwoFactor flips the enablement flag after the first verified code.
func (r *UserRepository) EnableTwoFactor(ctx context.Context, id string) error {
	defer r.observe("enable_two_factor", time.Now())
	const query = `UPDATE users SET two_factor_enabled = TRUE, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("enable two-factor: %w", err)
	}
	return nil
}

// BumpTokenVersion increments the account's token version, instantly
// invalidating every outstanding refresh token on its next use.
func (r *UserRepository) BumpTokenVersion(ctx context.Context, id string) error {
	defer r.observe("bump_token_version", time.Now())
	const query = `UPDATE users SET token_version = token_version + 1, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("bump token version: %w", err)
	}
	return nil
}

// CreateRefreshToken persists a refresh token entry.
func (r *UserRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	defer r.observe("create_refresh_token", time.Now())
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, created_at, revoked, revoked_at, last_used_at, ip_address, user_agent) VALUES (:id, :user_id, :token, :expires_at, :created_at, :revoked, :revoked_at, :last_used_at, :ip_address, :user_agent)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindRefreshToken returns a refresh token row by exact token value.
func (r *UserRepository) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	defer r.observe("find_refresh_token", time.Now())
	const query = `SELECT id, user_id, token, expires_at, created_at, revoked, revoked_at, last_used_at, ip_address, user_agent FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// TouchRefreshToken records the last use of a refresh token.
func (r *UserRepository) TouchRefreshToken(ctx context.Context, id string, usedAt time.Time) error {
	defer r.observe("touch_refresh_token", time.Now())
	const query = `UPDATE refresh_tokens SET last_used_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, usedAt); err != nil {
		return fmt.Errorf("touch refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshToken marks a token as revoked.
func (r *UserRepository) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	defer r.observe("revoke_refresh_token", time.Now())
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, revokedAt); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeUserRefreshTokens revokes all refresh tokens for a user.
func (r *UserRepository) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	defer r.observe("revoke_user_refresh_tokens", time.Now())
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

// CreateAuditLog stores an audit log entry.
func (r *UserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	defer r.observe("create_audit_log", time.Now())
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, outcome, detail, ip_address, user_agent, created_at) VALUES (:id, :user_id, :action, :resource, :resource_id, :outcome, :detail, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}
