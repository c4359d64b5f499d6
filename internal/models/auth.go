package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token kinds embedded in signed claims so an access token can never be
// replayed as a refresh token or vice versa.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// AuthClaims is the signed token payload and doubles as the per-request
// principal once verified. It is the single representation of the caller's
// identity; no parallel server-side session object exists.
type AuthClaims struct {
	UserID            string   `json:"user_id"`
	Email             string   `json:"email"`
	Role              UserRole `json:"role"`
	SubscriptionTier  string   `json:"subscription_tier"`
	Internal          bool     `json:"internal,omitempty"`
	TokenVersion      int      `json:"token_version"`
	TwoFactorVerified bool     `json:"two_factor_verified"`
	Kind              string   `json:"kind"`
	jwt.RegisteredClaims
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8"`
	FirstName  string `json:"firstName" validate:"required"`
	LastName   string `json:"lastName" validate:"required"`
	AccessCode string `json:"accessCode"`
	IP         string `json:"-"`
	UserAgent  string `json:"-"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued tokens and user info. Tokens also travel
// as cookies; the body copies exist for non-browser clients.
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	Requires2FA  bool      `json:"requires2FA"`
	User         UserInfo  `json:"user"`
	IssuedAt     time.Time `json:"issued_at"`
}

// RefreshResult carries a freshly minted access token plus the refresh token
// value that remains in effect.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Claims       *AuthClaims
	ExpiresIn    int64
}

// ChangePasswordRequest payload for updating the password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8"`
}

// TwoFactorVerifyRequest carries a submitted TOTP code.
type TwoFactorVerifyRequest struct {
	Token string `json:"token" validate:"required,len=6,numeric"`
}

// TwoFactorSetupResponse returns the shared secret and a scannable QR image.
type TwoFactorSetupResponse struct {
	Secret        string `json:"secret"`
	OTPAuthURL    string `json:"otpauthUrl"`
	QRCodeDataURL string `json:"qrCodeDataUrl"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	FirstName        string   `json:"first_name"`
	LastName         string   `json:"last_name"`
	Role             UserRole `json:"role"`
	SubscriptionTier string   `json:"subscription_tier"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
}

// NewUserInfo projects a stored user into its response shape.
func NewUserInfo(u *User) UserInfo {
	return UserInfo{
		ID:               u.ID,
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Role:             u.Role,
		SubscriptionTier: u.SubscriptionTier,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}
