package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dealgrid/dealgrid-api/internal/audit"
	"github.com/dealgrid/dealgrid-api/internal/models"
	appErrors "github.com/dealgrid/dealgrid-api/pkg/errors"
	"github.com/dealgrid/dealgrid-api/pkg/tier"
)

type stubVerifier struct {
	claims       *models.AuthClaims
	accessErr    error
	refresh      *models.RefreshResult
	refreshErr   error
	refreshCalls int
	seenRefresh  string
}

func (s *stubVerifier) ValidateAccessToken(token string) (*models.AuthClaims, error) {
	if s.accessErr != nil {
		return nil, s.accessErr
	}
	return s.claims, nil
}

func (s *stubVerifier) RefreshAccess(ctx context.Context, refreshValue, ip, userAgent string) (*models.RefreshResult, error) {
	s.refreshCalls++
	s.seenRefresh = refreshValue
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.refresh, nil
}

func testCookieConfig() CookieConfig {
	return CookieConfig{AccessTTL: 15 * time.Minute, RefreshTTL: 168 * time.Hour}
}

func principalRouter(verifier TokenVerifier) (*gin.Engine, *[]*models.AuthClaims) {
	gin.SetMode(gin.TestMode)
	var seen []*models.AuthClaims
	router := gin.New()
	router.GET("/protected", Auth(verifier, testCookieConfig()), func(c *gin.Context) {
		seen = append(seen, PrincipalFromContext(c))
		c.Status(http.StatusOK)
	})
	return router, &seen
}

func TestAuthAccessCookieFastPath(t *testing.T) {
	verifier := &stubVerifier{claims: &models.AuthClaims{UserID: "u-1", SubscriptionTier: "pro"}}
	router, seen := principalRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "valid-token"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, *seen, 1)
	assert.Equal(t, "u-1", (*seen)[0].UserID)
	assert.Zero(t, verifier.refreshCalls, "fast path must not hit the refresh flow")
}

func TestAuthBearerHeaderFastPath(t *testing.T) {
	verifier := &stubVerifier{claims: &models.AuthClaims{UserID: "u-2"}}
	router, seen := principalRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, *seen, 1)
	assert.Equal(t, "u-2", (*seen)[0].UserID)
}

func TestAuthExpiredAccessFallsBackToRefresh(t *testing.T) {
	verifier := &stubVerifier{
		accessErr: appErrors.ErrUnauthorized,
		refresh: &models.RefreshResult{
			AccessToken:  "new-access",
			RefreshToken: "refresh-value",
			Claims:       &models.AuthClaims{UserID: "u-3"},
		},
	}
	router, seen := principalRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "expired"})
	req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "refresh-value"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, *seen, 1)
	assert.Equal(t, "u-3", (*seen)[0].UserID)
	assert.Equal(t, "refresh-value", verifier.seenRefresh)

	cookies := w.Result().Cookies()
	byName := make(map[string]*http.Cookie, len(cookies))
	for _, c := range cookies {
		byName[c.Name] = c
	}
	require.Contains(t, byName, AccessTokenCookie)
	assert.Equal(t, "new-access", byName[AccessTokenCookie].Value)
	assert.True(t, byName[AccessTokenCookie].HttpOnly)
	require.Contains(t, byName, RefreshTokenCookie)
	assert.Equal(t, "refresh-value", byName[RefreshTokenCookie].Value)
}

func TestAuthNoTokensRejected(t *testing.T) {
	verifier := &stubVerifier{accessErr: appErrors.ErrUnauthorized}
	router, seen := principalRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, *seen)
	assert.Zero(t, verifier.refreshCalls)
}

func TestAuthRejectedRefreshRejected(t *testing.T) {
	verifier := &stubVerifier{accessErr: appErrors.ErrUnauthorized, refreshErr: appErrors.ErrUnauthorized}
	router, seen := principalRouter(verifier)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "revoked"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, *seen)
	assert.Equal(t, 1, verifier.refreshCalls)
}

func TestRequire2FA(t *testing.T) {
	gin.SetMode(gin.TestMode)

	run := func(principal *models.AuthClaims) *httptest.ResponseRecorder {
		router := gin.New()
		router.GET("/sensitive", func(c *gin.Context) {
			if principal != nil {
				c.Set(ContextPrincipalKey, principal)
			}
		}, Require2FA(), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sensitive", nil))
		return w
	}

	assert.Equal(t, http.StatusForbidden, run(&models.AuthClaims{UserID: "u-1", TwoFactorVerified: false}).Code)
	assert.Equal(t, http.StatusOK, run(&models.AuthClaims{UserID: "u-1", TwoFactorVerified: true}).Code)
	assert.Equal(t, http.StatusUnauthorized, run(nil).Code)
}

func TestRequireSubscription(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tiers := tier.Default()
	sink := audit.NewSink(nil, zap.NewNop(), audit.Config{})

	run := func(principal *models.AuthClaims, feature string) *httptest.ResponseRecorder {
		router := gin.New()
		router.GET("/gated", func(c *gin.Context) {
			c.Set(ContextPrincipalKey, principal)
		}, RequireSubscription(tiers, feature, sink), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gated", nil))
		return w
	}

	t.Run("tier below minimum is denied with the required tier named", func(t *testing.T) {
		w := run(&models.AuthClaims{UserID: "u-1", SubscriptionTier: "basic"}, "contracts.esign")
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "TIER_RESTRICTED")
		assert.Contains(t, w.Body.String(), "Pro")
	})

	t.Run("tier at minimum passes", func(t *testing.T) {
		w := run(&models.AuthClaims{UserID: "u-1", SubscriptionTier: "pro"}, "contracts.esign")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("legacy alias resolves before the check", func(t *testing.T) {
		w := run(&models.AuthClaims{UserID: "u-1", SubscriptionTier: "premium"}, "contracts.esign")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("internal account bypasses any gate", func(t *testing.T) {
		w := run(&models.AuthClaims{UserID: "u-1", SubscriptionTier: "basic", Internal: true}, "deals.bulk_export")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unmapped feature is open to every tier", func(t *testing.T) {
		w := run(&models.AuthClaims{UserID: "u-1", SubscriptionTier: "basic"}, "leads.manage")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequireRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)

	run := func(role models.UserRole) *httptest.ResponseRecorder {
		router := gin.New()
		router.GET("/admin", func(c *gin.Context) {
			c.Set(ContextPrincipalKey, &models.AuthClaims{UserID: "u-1", Role: role})
		}, RequireRoles(models.RoleAdmin), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
		return w
	}

	assert.Equal(t, http.StatusOK, run(models.RoleAdmin).Code)
	assert.Equal(t, http.StatusForbidden, run(models.RoleAgent).Code)
}
