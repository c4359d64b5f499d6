package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dealgrid/dealgrid-api/internal/middleware"
	"github.com/dealgrid/dealgrid-api/internal/models"
	"github.com/dealgrid/dealgrid-api/internal/service"
	appErrors "github.com/dealgrid/dealgrid-api/pkg/errors"
	"github.com/dealgrid/dealgrid-api/pkg/response"
)

// TwoFactorHandler wires the TOTP enrollment and verification endpoints.
type TwoFactorHandler struct {
	service *service.TwoFactorService
	cookies middleware.CookieConfig
}

// NewTwoFactorHandler creates a new handler.
func NewTwoFactorHandler(svc *service.TwoFactorService, cookies middleware.CookieConfig) *TwoFactorHandler {
	return &TwoFactorHandler{service: svc, cookies: cookies}
}

// Setup godoc
// @Summary Begin two-factor enrollment
// @Description Generate a TOTP secret with provisioning URI and QR code
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/2fa/setup [post]
func (h *TwoFactorHandler) Setup(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	res, err := h.service.BeginSetup(c.Request.Context(), principal.UserID, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Verify godoc
// @Summary Verify a two-factor code
// @Description Check a TOTP code and upgrade the session to verified
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.TwoFactorVerifyRequest true "TOTP code"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Router /auth/2fa/verify [post]
func (h *TwoFactorHandler) Verify(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.TwoFactorVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid verification payload"))
		return
	}

	session, err := h.service.Verify(c.Request.Context(), principal, req.Token, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		response.Error(c, err)
		return
	}

	middleware.SetSessionCookies(c, h.cookies, session.AccessToken, session.RefreshToken)
	response.JSON(c, http.StatusOK, gin.H{
		"verified":   true,
		"expires_in": session.ExpiresIn,
	}, nil)
}
