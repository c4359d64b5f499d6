package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/dealgrid/dealgrid-api/pkg/errors"
	"github.com/dealgrid/dealgrid-api/pkg/response"
	"github.com/dealgrid/dealgrid-api/pkg/tier"
)

// TierHandler exposes the tier table so clients can mirror the server's
// gating decisions in their UI. The server-side guard stays authoritative.
type TierHandler struct {
	tiers tier.Config
}

// NewTierHandler creates a new handler.
func NewTierHandler(tiers tier.Config) *TierHandler {
	return &TierHandler{tiers: tiers}
}

// List godoc
// @Summary List subscription tiers
// @Description Returns the tier table plus the caller's tier and upgrade options
// @Tags Tiers
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/tiers [get]
func (h *TierHandler) List(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	payload := gin.H{
		"tiers":          h.tiers.Tiers(),
		"upgradeOptions": h.tiers.UpgradeOptions(principal.SubscriptionTier),
	}
	if current, ok := h.tiers.Normalize(principal.SubscriptionTier); ok {
		payload["currentTier"] = current
	}

	response.JSON(c, http.StatusOK, payload, nil)
}
