package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dealgrid/dealgrid-api/internal/middleware"
	"github.com/dealgrid/dealgrid-api/internal/models"
	"github.com/dealgrid/dealgrid-api/internal/service"
	"github.com/dealgrid/dealgrid-api/pkg/tier"
)

type stubRepo struct {
	mu     sync.Mutex
	users  map[string]*models.User
	tokens map[string]*models.RefreshToken
}

func newStubRepo(users ...*models.User) *stubRepo {
	r := &stubRepo{users: make(map[string]*models.User), tokens: make(map[string]*models.RefreshToken)}
	for _, u := range users {
		clone := *u
		r.users[u.ID] = &clone
	}
	return r
}

func (r *stubRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *stubRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *u
	return &clone, nil
}

func (r *stubRepo) Create(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *stubRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error { return nil }

func (r *stubRepo) UpdatePassword(ctx context.Context, id, hash string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.PasswordHash = hash
	}
	return nil
}

func (r *stubRepo) UpdateLoginFailures(ctx context.Context, id string, attempts int, lockUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.FailedLoginAttempts = attempts
		u.LockUntil = lockUntil
	}
	return nil
}

func (r *stubRepo) ResetLoginFailures(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.FailedLoginAttempts = 0
		u.LockUntil = nil
	}
	return nil
}

func (r *stubRepo) BumpTokenVersion(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.TokenVersion++
	}
	return nil
}

func (r *stubRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *token
	r.tokens[token.Token] = &clone
	return nil
}

func (r *stubRepo) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *t
	return &clone, nil
}

func (r *stubRepo) TouchRefreshToken(ctx context.Context, id string, usedAt time.Time) error {
	return nil
}

func (r *stubRepo) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.ID == id {
			t.Revoked = true
			t.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (r *stubRepo) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range r.tokens {
		if t.UserID == userID {
			t.Revoked = true
			t.RevokedAt = &now
		}
	}
	return nil
}

type testEnv struct {
	router *gin.Engine
	repo   *stubRepo
	svc    *service.AuthService
}

func newTestEnv(t *testing.T, users ...*models.User) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newStubRepo(users...)
	svc := service.NewAuthService(repo, nil, nil, nil, nil, service.AuthConfig{
		JWTSecret:          "handler-test-secret",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 168 * time.Hour,
	})

	cookies := middleware.CookieConfig{AccessTTL: 15 * time.Minute, RefreshTTL: 168 * time.Hour}
	authHandler := NewAuthHandler(svc, cookies)
	tierHandler := NewTierHandler(tier.Default())

	router := gin.New()
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)

		protected := auth.Group("")
		protected.Use(middleware.Auth(svc, cookies))
		{
			protected.POST("/logout", authHandler.Logout)
			protected.POST("/change-password", authHandler.ChangePassword)
			protected.GET("/me", authHandler.Me)
			protected.GET("/tiers", tierHandler.List)
		}
	}

	return &testEnv{router: router, repo: repo, svc: svc}
}

func testUser(t *testing.T) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.User{
		ID:               uuid.NewString(),
		Email:            "agent@example.com",
		PasswordHash:     string(hash),
		FirstName:        "Dana",
		LastName:         "Reyes",
		Role:             models.RoleAgent,
		SubscriptionTier: "basic",
		TokenVersion:     1,
	}
}

func postJSON(router *gin.Engine, path string, payload interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func cookieByName(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRegisterEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(env.router, "/api/v1/auth/register", gin.H{
		"email":     "new@example.com",
		"password":  "long enough",
		"firstName": "Sam",
		"lastName":  "Ortiz",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"subscription_tier":"basic"`)

	// Same email again conflicts.
	w = postJSON(env.router, "/api/v1/auth/register", gin.H{
		"email":     "new@example.com",
		"password":  "long enough",
		"firstName": "Sam",
		"lastName":  "Ortiz",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLoginEndpointSetsSessionCookies(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	w := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, w.Code)

	access := cookieByName(w, middleware.AccessTokenCookie)
	require.NotNil(t, access)
	assert.True(t, access.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, access.SameSite)

	refresh := cookieByName(w, middleware.RefreshTokenCookie)
	require.NotNil(t, refresh)
	assert.True(t, refresh.HttpOnly)

	assert.Contains(t, w.Body.String(), `"requires2FA":false`)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestLoginEndpointRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	w := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CREDENTIALS")
	assert.Nil(t, cookieByName(w, middleware.AccessTokenCookie))
}

func TestLoginEndpointLockout(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	for i := 0; i < 5; i++ {
		w := postJSON(env.router, "/api/v1/auth/login", gin.H{
			"email":    "agent@example.com",
			"password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// Correct password is refused while the lock holds.
	w := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "correct horse",
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "ACCOUNT_LOCKED")
}

func TestRefreshEndpoint(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	login := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	refresh := cookieByName(login, middleware.RefreshTokenCookie)
	require.NotNil(t, refresh)

	w := postJSON(env.router, "/api/v1/auth/refresh", nil, refresh)
	require.Equal(t, http.StatusOK, w.Code)

	newAccess := cookieByName(w, middleware.AccessTokenCookie)
	require.NotNil(t, newAccess)
	assert.NotEmpty(t, newAccess.Value)

	resent := cookieByName(w, middleware.RefreshTokenCookie)
	require.NotNil(t, resent)
	assert.Equal(t, refresh.Value, resent.Value, "refresh cookie is re-sent unchanged")
}

func TestRefreshEndpointWithoutCookie(t *testing.T) {
	env := newTestEnv(t)

	w := postJSON(env.router, "/api/v1/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeEndpointViaRefreshCookieOnly(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	login := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	refresh := cookieByName(login, middleware.RefreshTokenCookie)
	require.NotNil(t, refresh)

	// No access cookie at all: the guard silently re-issues one.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.AddCookie(refresh)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent@example.com")
	require.NotNil(t, cookieByName(w, middleware.AccessTokenCookie))
}

func TestLogoutEndpointClearsCookies(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	login := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	access := cookieByName(login, middleware.AccessTokenCookie)
	refresh := cookieByName(login, middleware.RefreshTokenCookie)

	w := postJSON(env.router, "/api/v1/auth/logout", nil, access, refresh)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"loggedOut":true`)

	cleared := cookieByName(w, middleware.RefreshTokenCookie)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	// The revoked refresh token no longer refreshes.
	w = postJSON(env.router, "/api/v1/auth/refresh", nil, refresh)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChangePasswordEndpoint(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	login := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	access := cookieByName(login, middleware.AccessTokenCookie)
	refresh := cookieByName(login, middleware.RefreshTokenCookie)

	w := postJSON(env.router, "/api/v1/auth/change-password", gin.H{
		"currentPassword": "wrong",
		"newPassword":     "brand new secret",
	}, access, refresh)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(env.router, "/api/v1/auth/change-password", gin.H{
		"currentPassword": "correct horse",
		"newPassword":     "brand new secret",
	}, access, refresh)
	require.Equal(t, http.StatusOK, w.Code)

	// Fresh cookies keep the caller signed in.
	require.NotNil(t, cookieByName(w, middleware.AccessTokenCookie))
	require.NotNil(t, cookieByName(w, middleware.RefreshTokenCookie))

	// The pre-change refresh token is dead.
	w = postJSON(env.router, "/api/v1/auth/refresh", nil, refresh)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTiersEndpoint(t *testing.T) {
	env := newTestEnv(t, testUser(t))

	login := postJSON(env.router, "/api/v1/auth/login", gin.H{
		"email":    "agent@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	access := cookieByName(login, middleware.AccessTokenCookie)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/tiers", nil)
	req.AddCookie(access)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data struct {
			CurrentTier    tier.Tier   `json:"currentTier"`
			UpgradeOptions []tier.Tier `json:"upgradeOptions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "basic", body.Data.CurrentTier.ID)
	require.Len(t, body.Data.UpgradeOptions, 2)
	assert.Equal(t, "pro", body.Data.UpgradeOptions[0].ID)
	assert.Equal(t, "enterprise", body.Data.UpgradeOptions[1].ID)
}
