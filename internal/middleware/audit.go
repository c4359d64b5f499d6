package middleware

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dealgrid/dealgrid-api/internal/audit"
	"github.com/dealgrid/dealgrid-api/internal/models"
)

// AuditTrail records an audit event after successful requests on routes whose
// activity matters beyond the auth flows' own events. Emission is best effort
// through the sink; a saturated or failing sink never affects the response.
func AuditTrail(sink *audit.Sink, action, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if c.Writer.Status() >= 400 {
			return
		}

		var userID *string
		if principal := PrincipalFromContext(c); principal != nil {
			userID = &principal.UserID
		}

		detail, _ := json.Marshal(map[string]interface{}{
			"path":    c.FullPath(),
			"method":  c.Request.Method,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Milliseconds(),
		})

		sink.Emit(models.AuditLog{
			UserID:    userID,
			Action:    action,
			Resource:  resource,
			Outcome:   models.AuditOutcomeSuccess,
			Detail:    detail,
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
	}
}
