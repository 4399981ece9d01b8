package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/ordersync/utils"
)

const (
	HeaderCorrelationId = "X-Correlation-Id"
	HeaderTenantId      = "X-Tenant-Id"
	HeaderActorId       = "X-Actor-Id"
)

// CorrelationMiddleware reuses the caller's correlation id or generates one, and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(HeaderCorrelationId, cid)
		c.Next()
	}
}

// ActorMiddleware copies the tenant and actor headers set by the upstream gateway into the
// request context. Authentication happens before this service; requests without a tenant
// are rejected by the handlers that need one.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if tenantId := strings.TrimSpace(c.GetHeader(HeaderTenantId)); tenantId != "" {
			ctx = utils.SetTenantIdInContext(ctx, tenantId)
		}
		if actor := strings.TrimSpace(c.GetHeader(HeaderActorId)); actor != "" {
			ctx = utils.SetActorIdInContext(ctx, actor)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
