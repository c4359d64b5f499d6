package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dealgrid/dealgrid-api/internal/audit"
	"github.com/dealgrid/dealgrid-api/internal/models"
	appErrors "github.com/dealgrid/dealgrid-api/pkg/errors"
)

type twoFactorRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	SetTwoFactorSecret(ctx context.Context, id, secret string) error
	EnableTwoFactor(ctx context.Context, id string) error
}

type sessionIssuer interface {
	IssueSessionFor(ctx context.Context, userID string, twoFAVerified bool, ip, userAgent string) (*models.RefreshResult, error)
}

// AttemptLimiter throttles repeated TOTP guesses per account, independently
// of the password lockout.
type AttemptLimiter interface {
	Allow(ctx context.Context, accountID string) (bool, error)
	Reset(ctx context.Context, accountID string) error
}

// RedisAttemptLimiter counts attempts in a fixed window.
type RedisAttemptLimiter struct {
	client      *redis.Client
	maxAttempts int
	window      time.Duration
}

// NewRedisAttemptLimiter builds a limiter over the shared Redis client.
func NewRedisAttemptLimiter(client *redis.Client, maxAttempts int, window time.Duration) *RedisAttemptLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RedisAttemptLimiter{client: client, maxAttempts: maxAttempts, window: window}
}

// Allow consumes one attempt and reports whether the caller is still under
// the window budget.
func (l *RedisAttemptLimiter) Allow(ctx context.Context, accountID string) (bool, error) {
	key := fmt.Sprintf("2fa:attempts:%s", accountID)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(l.maxAttempts), nil
}

// Reset clears the attempt counter after a successful verification.
func (l *RedisAttemptLimiter) Reset(ctx context.Context, accountID string) error {
	return l.client.Del(ctx, fmt.Sprintf("2fa:attempts:%s", accountID)).Err()
}

// TwoFactorService manages TOTP enrollment and verification.
type TwoFactorService struct {
	repo     twoFactorRepository
	sessions sessionIssuer
	limiter  AttemptLimiter
	logger   *zap.Logger
	sink     *audit.Sink
	metrics  *MetricsService
	issuer   string
}

// NewTwoFactorService constructs a TwoFactorService.
func NewTwoFactorService(repo twoFactorRepository, sessions sessionIssuer, limiter AttemptLimiter, logger *zap.Logger, sink *audit.Sink, metrics *MetricsService, issuer string) *TwoFactorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if issuer == "" {
		issuer = "DealGrid"
	}
	return &TwoFactorService{repo: repo, sessions: sessions, limiter: limiter, logger: logger, sink: sink, metrics: metrics, issuer: issuer}
}

// BeginSetup generates a fresh shared secret, persists it unconfirmed and
// returns the provisioning URI plus a scannable QR image. The enablement
// flag stays false until the first successful Verify.
func (s *TwoFactorService) BeginSetup(ctx context.Context, userID, ip, userAgent string) (*models.TwoFactorSetupResponse, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		SecretSize:  20,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate TOTP secret")
	}

	if err := s.repo.SetTwoFactorSecret(ctx, user.ID, key.Secret()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store TOTP secret")
	}

	qrDataURL, err := qrCodeDataURL(key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render QR code")
	}

	s.emitAudit(models.AuditActionTwoFactorSetup, user.ID, models.AuditOutcomeSuccess, ip, userAgent)

	return &models.TwoFactorSetupResponse{
		Secret:        key.Secret(),
		OTPAuthURL:    key.URL(),
		QRCodeDataURL: qrDataURL,
	}, nil
}

// Verify checks a submitted code against the account's secret with one time
// step of skew on either side. The first success permanently enables the
// second factor; every success upgrades the caller's session to a verified
// principal. A mismatch mutates nothing.
func (s *TwoFactorService) Verify(ctx context.Context, principal *models.AuthClaims, code, ip, userAgent string) (*models.RefreshResult, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, principal.UserID)
		if err != nil {
			s.logger.Warn("two-factor limiter unavailable", zap.Error(err))
		} else if !allowed {
			s.metrics.ObserveTwoFactor("throttled")
			s.emitAudit(models.AuditActionTwoFactorFailed, principal.UserID, models.AuditOutcomeFailure, ip, userAgent)
			return nil, appErrors.Clone(appErrors.ErrTooManyTwoFactor, "")
		}
	}

	user, err := s.repo.FindByID(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if user.TwoFactorSecret == nil || *user.TwoFactorSecret == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "two-factor setup has not been initiated")
	}

	valid, err := totp.ValidateCustom(code, *user.TwoFactorSecret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		s.metrics.ObserveTwoFactor("invalid")
		s.emitAudit(models.AuditActionTwoFactorFailed, user.ID, models.AuditOutcomeFailure, ip, userAgent)
		return nil, appErrors.Clone(appErrors.ErrInvalidTwoFactorCode, "")
	}

	if !user.TwoFactorEnabled {
		if err := s.repo.EnableTwoFactor(ctx, user.ID); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enable two-factor")
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, user.ID); err != nil {
			s.logger.Warn("failed to reset two-factor limiter", zap.Error(err))
		}
	}

	session, err := s.sessions.IssueSessionFor(ctx, user.ID, true, ip, userAgent)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTwoFactor("valid")
	s.emitAudit(models.AuditActionTwoFactorVerify, user.ID, models.AuditOutcomeSuccess, ip, userAgent)

	return session, nil
}

func (s *TwoFactorService) emitAudit(action, userID, outcome, ip, userAgent string) {
	s.sink.Emit(models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &userID,
		Outcome:    outcome,
		IPAddress:  ip,
		UserAgent:  userAgent,
	})
}

func qrCodeDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(256, 256)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
