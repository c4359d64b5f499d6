package models

import "time"

// UserRole represents the available roles.
type UserRole string

const (
	RoleAdmin UserRole = "ADMIN"
	RoleAgent UserRole = "AGENT"
)

// User represents an account stored in the users table. Emails are unique
// and stored lower-cased. TokenVersion is a monotonic counter: bumping it
// invalidates every outstanding refresh token without touching their rows.
type User struct {
	ID                  string     `db:"id" json:"id"`
	Email               string     `db:"email" json:"email"`
	PasswordHash        string     `db:"password_hash" json:"-"`
	FirstName           string     `db:"first_name" json:"first_name"`
	LastName            string     `db:"last_name" json:"last_name"`
	Role                UserRole   `db:"role" json:"role"`
	SubscriptionTier    string     `db:"subscription_tier" json:"subscription_tier"`
	Internal            bool       `db:"internal" json:"-"`
	TwoFactorSecret     *string    `db:"two_factor_secret" json:"-"`
	TwoFactorEnabled    bool       `db:"two_factor_enabled" json:"two_factor_enabled"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"-"`
	LockUntil           *time.Time `db:"lock_until" json:"-"`
	TokenVersion        int        `db:"token_version" json:"-"`
	LastLogin           *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// IsLocked reports whether the lockout window is still open.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}
