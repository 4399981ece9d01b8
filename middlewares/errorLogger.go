package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
)

// ErrorLogger logs 5xx responses with the request's correlation id.
func ErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() < 500 || logger == nil {
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"field":          "http",
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"status":         c.Writer.Status(),
			"correlation_id": cid,
			"tenant_id":      tenantId,
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Error("request failed")
	}
}
