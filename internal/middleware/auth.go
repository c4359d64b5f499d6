package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dealgrid/dealgrid-api/internal/models"
	appErrors "github.com/dealgrid/dealgrid-api/pkg/errors"
	"github.com/dealgrid/dealgrid-api/pkg/response"
)

// ContextPrincipalKey is the gin context key storing the verified claims.
// The claims struct is the only per-request identity representation; there
// is no parallel session object to drift from it.
const ContextPrincipalKey = "currentPrincipal"

// Session cookie names.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// CookieConfig controls how session cookies are written.
type CookieConfig struct {
	Domain     string
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenVerifier is the slice of the auth service the guard depends on.
type TokenVerifier interface {
	ValidateAccessToken(token string) (*models.AuthClaims, error)
	RefreshAccess(ctx context.Context, refreshValue, ip, userAgent string) (*models.RefreshResult, error)
}

// Auth protects routes behind the hybrid session.
//
// Fast path: a valid access token (cookie, or Bearer header for non-browser
// clients) is trusted on signature and expiry alone, no DB access. Fallback:
// a refresh token is exchanged for a fresh access token, checked against
// its persisted record and the account's current token version, and the new
// access cookie is set while the refresh cookie is re-sent unchanged. Every
// failure collapses to the same 401.
func Auth(tokens TokenVerifier, cookies CookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if accessToken := extractAccessToken(c); accessToken != "" {
			if claims, err := tokens.ValidateAccessToken(accessToken); err == nil {
				c.Set(ContextPrincipalKey, claims)
				c.Next()
				return
			}
		}

		refreshToken, err := c.Cookie(RefreshTokenCookie)
		if err != nil || refreshToken == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		result, err := tokens.RefreshAccess(c.Request.Context(), refreshToken, c.ClientIP(), c.GetHeader("User-Agent"))
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		SetSessionCookies(c, cookies, result.AccessToken, result.RefreshToken)
		c.Set(ContextPrincipalKey, result.Claims)
		c.Next()
	}
}

// Require2FA blocks principals that have not completed two-factor
// verification. Accounts without 2FA enabled are auto-verified at login.
func Require2FA() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := PrincipalFromContext(c)
		if principal == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if !principal.TwoFactorVerified {
			response.Error(c, appErrors.ErrTwoFactorRequired)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRoles enforces role-based access for routes.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		principal := PrincipalFromContext(c)
		if principal == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[principal.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// SetSessionCookies writes both session cookies. HttpOnly and SameSite=Lax
// always; Secure in production.
func SetSessionCookies(c *gin.Context, cfg CookieConfig, accessToken, refreshToken string) {
	c.SetSameSite(http.SameSiteLaxMode)
	if accessToken != "" {
		c.SetCookie(AccessTokenCookie, accessToken, int(cfg.AccessTTL.Seconds()), "/", cfg.Domain, cfg.Secure, true)
	}
	if refreshToken != "" {
		c.SetCookie(RefreshTokenCookie, refreshToken, int(cfg.RefreshTTL.Seconds()), "/", cfg.Domain, cfg.Secure, true)
	}
}

// ClearSessionCookies expires both session cookies.
func ClearSessionCookies(c *gin.Context, cfg CookieConfig) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AccessTokenCookie, "", -1, "/", cfg.Domain, cfg.Secure, true)
	c.SetCookie(RefreshTokenCookie, "", -1, "/", cfg.Domain, cfg.Secure, true)
}

// PrincipalFromContext returns the verified claims attached by Auth.
func PrincipalFromContext(c *gin.Context) *models.AuthClaims {
	value, exists := c.Get(ContextPrincipalKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.AuthClaims)
	if !ok {
		return nil
	}
	return claims
}

func extractAccessToken(c *gin.Context) string {
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil && cookie != "" {
		return cookie
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
