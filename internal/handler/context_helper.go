package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/dealgrid/dealgrid-api/internal/middleware"
	"github.com/dealgrid/dealgrid-api/internal/models"
)

func principalFromContext(c *gin.Context) *models.AuthClaims {
	return middleware.PrincipalFromContext(c)
}
