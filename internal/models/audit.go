package models

import "time"

// Audit action taxonomy. Closed set; new actions are added here, never
// inlined as strings at call sites.
const (
	AuditActionRegister        = "REGISTER"
	AuditActionLogin           = "LOGIN"
	AuditActionLoginFailed     = "LOGIN_FAILED"
	AuditActionAccountLocked   = "ACCOUNT_LOCKED"
	AuditActionLogout          = "LOGOUT"
	AuditActionTokenRefresh    = "TOKEN_REFRESH"
	AuditActionPasswordChange  = "PASSWORD_CHANGE"
	AuditActionTwoFactorSetup  = "TWO_FACTOR_SETUP"
	AuditActionTwoFactorVerify = "TWO_FACTOR_VERIFY"
	AuditActionTwoFactorFailed = "TWO_FACTOR_FAILED"
	AuditActionTierDenied      = "TIER_DENIED"
	AuditActionTierViewed      = "TIER_VIEWED"
)

// AuditLog represents an audit trail record. UserID is nil for failed
// authentication where no actor was confirmed.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	Outcome    string    `db:"outcome" json:"outcome"`
	Detail     []byte    `db:"detail" json:"detail,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Audit outcomes.
const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)
