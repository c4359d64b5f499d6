package middleware

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/dealgrid/dealgrid-api/internal/audit"
	"github.com/dealgrid/dealgrid-api/internal/models"
	appErrors "github.com/dealgrid/dealgrid-api/pkg/errors"
	"github.com/dealgrid/dealgrid-api/pkg/response"
	"github.com/dealgrid/dealgrid-api/pkg/tier"
)

// RequireSubscription gates a route behind the feature's minimum tier.
// Internal accounts pass unconditionally via their typed flag, never via
// pattern-matching on identity. Denials name the required tier so clients
// can render an upgrade prompt without a second round trip.
func RequireSubscription(tiers tier.Config, feature string, sink *audit.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := PrincipalFromContext(c)
		if principal == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if principal.Internal || tiers.HasAccess(principal.SubscriptionTier, feature) {
			c.Next()
			return
		}

		details := map[string]interface{}{"feature": feature}
		if required, ok := tiers.RequiredTier(feature); ok {
			details["requiredTier"] = required.Name
		}

		detail, _ := json.Marshal(details)
		sink.Emit(models.AuditLog{
			UserID:    &principal.UserID,
			Action:    models.AuditActionTierDenied,
			Resource:  "tier",
			Outcome:   models.AuditOutcomeFailure,
			Detail:    detail,
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})

		response.Error(c, appErrors.WithDetails(appErrors.ErrTierRestricted, details))
		c.Abort()
	}
}
