package middlewares

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/utils"
)

// Reserver admits or defers one request for key.
type Reserver interface {
	Reserve(ctx context.Context, key string) (bool, time.Duration, error)
}

// RateLimitMiddleware limits requests per tenant, falling back to the client IP.
// Limiter errors let the request through.
func RateLimitMiddleware(limiter Reserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context()); ok && tenantId != "" {
			key = "tenant:" + tenantId
		}
		allowed, wait, err := limiter.Reserve(c.Request.Context(), key)
		if err != nil || allowed {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}
