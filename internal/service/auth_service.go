package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/dealgrid/dealgrid-api/internal/audit"
	"github.com/dealgrid/dealgrid-api/internal/models"
	appErrors "github.com/dealgrid/dealgrid-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	UpdateLoginFailures(ctx context.Context, id string, attempts int, lockUntil *time.Time) error
	ResetLoginFailures(ctx context.Context, id string) error
	BumpTokenVersion(ctx context.Context, id string) error
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	TouchRefreshToken(ctx context.Context, id string, usedAt time.Time) error
	RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
	LockoutThreshold   int
	LockoutDuration    time.Duration
	InternalAccessCode string
	DefaultTier        string
}

// AuthService provides registration, login with lockout, token issuance and
// the refresh-rotation protocol.
type AuthService struct {
	repo      authUserRepository
	validator *validator.Validate
	logger    *zap.Logger
	sink      *audit.Sink
	metrics   *MetricsService
	config    AuthConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, validate *validator.Validate, logger *zap.Logger, sink *audit.Sink, metrics *MetricsService, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.LockoutThreshold <= 0 {
		config.LockoutThreshold = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.DefaultTier == "" {
		config.DefaultTier = "basic"
	}
	return &AuthService{repo: repo, validator: validate, logger: logger, sink: sink, metrics: metrics, config: config}
}

// Register creates a new account on the default tier. A matching internal
// access code marks the account internal and grants the top tier; the code
// is for staff and test accounts, never a silent authorization bypass path.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	if _, err := s.repo.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "an account with this email already exists")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing account")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:               uuid.NewString(),
		Email:            req.Email,
		PasswordHash:     string(hash),
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Role:             models.RoleAgent,
		SubscriptionTier: s.config.DefaultTier,
		TokenVersion:     1,
	}
	if s.config.InternalAccessCode != "" && req.AccessCode == s.config.InternalAccessCode {
		user.Internal = true
		user.SubscriptionTier = "enterprise"
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create account")
	}

	s.emitAudit(models.AuditActionRegister, &user.ID, models.AuditOutcomeSuccess, map[string]interface{}{"tier": user.SubscriptionTier}, req.IP, req.UserAgent)

	info := models.NewUserInfo(user)
	return &info, nil
}

// Login authenticates a user and returns issued tokens.
//
// A locked account short-circuits before the password is ever compared, so
// the decision cost is uniform whether or not the password would have
// matched. Failure counters are a plain read-modify-write: undercounting
// under concurrent brute force is acceptable for this heuristic layer.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.ObserveLogin(LoginOutcomeFailure)
			s.emitAudit(models.AuditActionLoginFailed, nil, models.AuditOutcomeFailure, map[string]interface{}{"email": req.Email, "reason": "unknown_account"}, req.IP, req.UserAgent)
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	now := time.Now().UTC()
	if user.IsLocked(now) {
		s.metrics.ObserveLogin(LoginOutcomeLocked)
		s.emitAudit(models.AuditActionAccountLocked, &user.ID, models.AuditOutcomeFailure, map[string]interface{}{"lock_until": user.LockUntil}, req.IP, req.UserAgent)
		return nil, appErrors.Clone(appErrors.ErrAccountLocked, "")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, s.recordFailedAttempt(ctx, user, req)
	}

	if user.FailedLoginAttempts > 0 || user.LockUntil != nil {
		if err := s.repo.ResetLoginFailures(ctx, user.ID); err != nil {
			s.logger.Warn("failed to reset login failures", zap.Error(err))
		}
	}

	twoFAVerified := !user.TwoFactorEnabled
	accessToken, refreshToken, err := s.issueTokenPair(ctx, user, twoFAVerified, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.metrics.ObserveLogin(LoginOutcomeSuccess)
	s.emitAudit(models.AuditActionLogin, &user.ID, models.AuditOutcomeSuccess, map[string]interface{}{"requires_2fa": user.TwoFactorEnabled}, req.IP, req.UserAgent)

	return &models.LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		Requires2FA:  user.TwoFactorEnabled,
		User:         models.NewUserInfo(user),
		IssuedAt:     now,
	}, nil
}

func (s *AuthService) recordFailedAttempt(ctx context.Context, user *models.User, req models.LoginRequest) error {
	attempts := user.FailedLoginAttempts + 1

	var lockUntil *time.Time
	if attempts >= s.config.LockoutThreshold {
		until := time.Now().UTC().Add(s.config.LockoutDuration)
		lockUntil = &until
	}

	if err := s.repo.UpdateLoginFailures(ctx, user.ID, attempts, lockUntil); err != nil {
		s.logger.Warn("failed to update login failures", zap.Error(err))
	}

	detail := map[string]interface{}{"attempts": attempts}
	if lockUntil != nil {
		detail["lock_until"] = lockUntil
		s.metrics.ObserveLockout()
		s.emitAudit(models.AuditActionAccountLocked, &user.ID, models.AuditOutcomeFailure, detail, req.IP, req.UserAgent)
	} else {
		s.emitAudit(models.AuditActionLoginFailed, &user.ID, models.AuditOutcomeFailure, detail, req.IP, req.UserAgent)
	}

	s.metrics.ObserveLogin(LoginOutcomeFailure)
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

// RefreshAccess exchanges a refresh token for a fresh access token. The
// refresh token itself is reused, not rotated: the persisted row bounds its
// total lifetime and carries the revocation bit.
//
// The DB row's expiry is authoritative over the token's own expiry claim,
// and a token-version mismatch against the live account rejects the token
// even when it is otherwise unexpired and unrevoked.
func (s *AuthService) RefreshAccess(ctx context.Context, refreshValue, ip, userAgent string) (*models.RefreshResult, error) {
	claims, err := s.parseClaims(refreshValue, models.TokenKindRefresh)
	if err != nil {
		s.metrics.ObserveTokenRefresh("rejected")
		return nil, err
	}

	stored, err := s.repo.FindRefreshToken(ctx, refreshValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.ObserveTokenRefresh("rejected")
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}

	now := time.Now().UTC()
	if stored.Revoked || stored.UserID != claims.UserID || now.After(stored.ExpiresAt) {
		s.metrics.ObserveTokenRefresh("rejected")
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}

	user, err := s.repo.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.ObserveTokenRefresh("rejected")
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if user.TokenVersion != claims.TokenVersion {
		s.metrics.ObserveTokenRefresh("rejected")
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}

	// Mint from the live account row, not the stale claims: role and tier
	// changes propagate within one access-token lifetime.
	twoFAVerified := !user.TwoFactorEnabled || claims.TwoFactorVerified
	accessToken, accessClaims, err := s.mintToken(user, models.TokenKindAccess, twoFAVerified, s.config.AccessTokenExpiry)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate access token")
	}

	if err := s.repo.TouchRefreshToken(ctx, stored.ID, now); err != nil {
		s.logger.Warn("failed to touch refresh token", zap.Error(err))
	}

	s.metrics.ObserveTokenRefresh("success")
	s.emitAudit(models.AuditActionTokenRefresh, &user.ID, models.AuditOutcomeSuccess, nil, ip, userAgent)

	return &models.RefreshResult{
		AccessToken:  accessToken,
		RefreshToken: refreshValue,
		Claims:       accessClaims,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
	}, nil
}

// Logout revokes the presented refresh token. Unknown or already-revoked
// tokens are treated as success so logout stays idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshValue, userID, ip, userAgent string) error {
	if refreshValue == "" {
		return nil
	}

	stored, err := s.repo.FindRefreshToken(ctx, refreshValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}

	if stored.UserID != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}

	if err := s.repo.RevokeRefreshToken(ctx, stored.ID, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}

	s.emitAudit(models.AuditActionLogout, &userID, models.AuditOutcomeSuccess, nil, ip, userAgent)
	return nil
}

// ChangePassword verifies the current password, stores the new hash, bumps
// the token version and revokes every refresh token, then issues a fresh
// pair so only the caller's other sessions are forced out.
func (s *AuthService) ChangePassword(ctx context.Context, principal *models.AuthClaims, req models.ChangePasswordRequest, ip, userAgent string) (*models.RefreshResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.repo.FindByID(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "current password is incorrect")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.repo.UpdatePassword(ctx, user.ID, string(newHash), time.Now().UTC()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.repo.BumpTokenVersion(ctx, user.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to bump token version")
	}
	user.TokenVersion++

	if err := s.repo.RevokeUserRefreshTokens(ctx, user.ID); err != nil {
		s.logger.Warn("failed to revoke refresh tokens after password change", zap.Error(err))
	}

	accessToken, refreshToken, err := s.issueTokenPair(ctx, user, principal.TwoFactorVerified, ip, userAgent)
	if err != nil {
		return nil, err
	}

	s.emitAudit(models.AuditActionPasswordChange, &user.ID, models.AuditOutcomeSuccess, nil, ip, userAgent)

	return &models.RefreshResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
	}, nil
}

// IssueSessionFor mints a fresh token pair for an already-authenticated
// user, e.g. after a successful two-factor verification upgrades the
// principal.
func (s *AuthService) IssueSessionFor(ctx context.Context, userID string, twoFAVerified bool, ip, userAgent string) (*models.RefreshResult, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	accessToken, refreshToken, err := s.issueTokenPair(ctx, user, twoFAVerified, ip, userAgent)
	if err != nil {
		return nil, err
	}

	return &models.RefreshResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
	}, nil
}

// ValidateAccessToken verifies an access token by signature and expiry
// alone; the fast path never touches the database.
func (s *AuthService) ValidateAccessToken(tokenString string) (*models.AuthClaims, error) {
	return s.parseClaims(tokenString, models.TokenKindAccess)
}

// AccessTokenTTL exposes the configured access token lifetime.
func (s *AuthService) AccessTokenTTL() time.Duration {
	return s.config.AccessTokenExpiry
}

// RefreshTokenTTL exposes the configured refresh token lifetime.
func (s *AuthService) RefreshTokenTTL() time.Duration {
	return s.config.RefreshTokenExpiry
}

func (s *AuthService) issueTokenPair(ctx context.Context, user *models.User, twoFAVerified bool, ip, userAgent string) (string, string, error) {
	accessToken, _, err := s.mintToken(user, models.TokenKindAccess, twoFAVerified, s.config.AccessTokenExpiry)
	if err != nil {
		return "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshToken, refreshClaims, err := s.mintToken(user, models.TokenKindRefresh, twoFAVerified, s.config.RefreshTokenExpiry)
	if err != nil {
		return "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	record := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Token:     refreshToken,
		ExpiresAt: refreshClaims.ExpiresAt.Time,
		CreatedAt: time.Now().UTC(),
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if err := s.repo.CreateRefreshToken(ctx, record); err != nil {
		return "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return accessToken, refreshToken, nil
}

func (s *AuthService) mintToken(user *models.User, kind string, twoFAVerified bool, ttl time.Duration) (string, *models.AuthClaims, error) {
	issuedAt := time.Now().UTC()
	claims := &models.AuthClaims{
		UserID:            user.ID,
		Email:             user.Email,
		Role:              user.Role,
		SubscriptionTier:  user.SubscriptionTier,
		Internal:          user.Internal,
		TokenVersion:      user.TokenVersion,
		TwoFactorVerified: twoFAVerified,
		Kind:              kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// parseClaims collapses every verification failure, including a kind
// mismatch, into the uniform unauthorized error so callers cannot
// distinguish expired from revoked from malformed.
func (s *AuthService) parseClaims(tokenString, expectedKind string) (*models.AuthClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.AuthClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "unauthorized")
	}

	claims, ok := token.Claims.(*models.AuthClaims)
	if !ok || !token.Valid || claims.Kind != expectedKind {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}

	return claims, nil
}

func (s *AuthService) emitAudit(action string, userID *string, outcome string, detail map[string]interface{}, ip, userAgent string) {
	var payload []byte
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}
	s.sink.Emit(models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: userID,
		Outcome:    outcome,
		Detail:     payload,
		IPAddress:  ip,
		UserAgent:  userAgent,
	})
}
