package ledgersync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"gorm.io/gorm"
)

const SignatureHeader = "X-Ledger-Signature"

// SyncRoutes serves the operator sync API. Every handler asks Authorizer first.
type SyncRoutes struct {
	DB         *gorm.DB
	Queue      *Queue
	Authorizer authz.Authorizer
}

func (r SyncRoutes) Register(g *gin.RouterGroup) {
	g.GET("/status", r.status)
	g.POST("/connection", r.connect)
	g.DELETE("/connection", r.disconnect)
	g.GET("/errors", r.errorRegistry)
	g.GET("/errors/export", r.exportErrors)
	g.POST("/errors/:id/resolve", r.resolveError)
	g.GET("/operations/:id", r.operation)
	g.POST("/operations/:id/retry", r.retryOperation)
}

// allowed aborts the request with 401 or 403 unless the actor may perform action.
func (r SyncRoutes) allowed(c *gin.Context, action authz.Action, resource string) (string, bool) {
	ctx := c.Request.Context()
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	actor, _ := utils.GetActorIdFromContext(ctx)
	tenantId = strings.TrimSpace(tenantId)
	if tenantId == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	authorizer := r.Authorizer
	if authorizer == nil {
		authorizer = authz.AllowAll{}
	}
	ok, err := authorizer.Authorize(ctx, authz.Request{TenantId: tenantId, Actor: actor, Action: action, Resource: resource})
	if err != nil {
		config.LogError(config.GetLogger(), "ledgersync", "SyncRoutes.allowed", "authorize", action, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": models.ErrorCode(err)})
		return "", false
	}
	if !ok {
		err := fmt.Errorf("%w: %s may not %s", models.ErrForbidden, actor, action)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": models.ErrorCode(err)})
		return "", false
	}
	return tenantId, true
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// WebhookHandler serves POST /webhooks/ledger/:tenant. The body is verified before parsing.
func WebhookHandler(ingress *Ingress, verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := strings.TrimSpace(c.Param("tenant"))
		if tenantId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant is required"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if verifier == nil || !verifier.Verify(c.GetHeader(SignatureHeader), body) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		var input WebhookInput
		if err := utils.UnmarshalFromJSON(body, &input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		res, err := ingress.Receive(c.Request.Context(), tenantId, input)
		if err != nil {
			if errors.Is(err, models.ErrInvalidInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record webhook"})
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

func (r SyncRoutes) status(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncRead, "sync")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	conn, err := LoadConnection(ctx, r.DB, tenantId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := r.Queue.Stats(ctx, tenantId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := StatusResponse{
		Connection: ConnectionResponse{Status: models.ConnectionStatusDisconnected},
		Queue:      stats,
	}
	if conn != nil {
		resp.Connection = ConnectionResponse{
			Status:           conn.Status,
			RealmId:          conn.RealmId,
			TokenExpiry:      formatTime(conn.TokenExpiry),
			LastRefreshError: conn.LastRefreshError,
		}
		resp.LastSyncAt = formatTime(conn.LastSyncAt)
	}
	c.JSON(http.StatusOK, resp)
}

func (r SyncRoutes) connect(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncConnect, "connection")
	if !ok {
		return
	}
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" || strings.TrimSpace(req.RealmId) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "realm_id and access_token are required"})
		return
	}
	pair := TokenPair{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken}
	if req.ExpiresIn > 0 {
		pair.Expiry = time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
	}
	conn, err := SaveConnection(c.Request.Context(), r.DB, tenantId, req.RealmId, pair)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// held outbound work can drain again
	r.Queue.Nudge(c.Request.Context(), tenantId)
	c.JSON(http.StatusOK, ConnectionResponse{
		Status:      conn.Status,
		RealmId:     conn.RealmId,
		TokenExpiry: formatTime(conn.TokenExpiry),
	})
}

func (r SyncRoutes) disconnect(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncConnect, "connection")
	if !ok {
		return
	}
	if err := Disconnect(c.Request.Context(), r.DB, tenantId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ConnectionStatusDisconnected})
}

func listErrors(c *gin.Context, db *gorm.DB, tenantId string, defaultLimit int) ([]models.SyncErrorRecord, error) {
	limit := defaultLimit
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 5000 {
		limit = v
	}
	q := db.WithContext(c.Request.Context()).Where("tenant_id = ?", tenantId)
	if c.Query("unresolved") == "true" || c.Query("unresolved") == "1" {
		q = q.Where("resolved_at IS NULL")
	}
	if t := c.Query("entity_type"); t != "" {
		entityType, err := models.ParseEntityType(t)
		if err != nil {
			return nil, err
		}
		q = q.Where("entity_type = ?", entityType)
	}
	var records []models.SyncErrorRecord
	err := q.Order("id DESC").Limit(limit).Find(&records).Error
	return records, err
}

// errorRegistry serves the operator error registry.
func (r SyncRoutes) errorRegistry(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncRead, "sync_errors")
	if !ok {
		return
	}
	records, err := listErrors(c, r.DB, tenantId, 100)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": mapErrors(records)})
}

func (r SyncRoutes) exportErrors(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncRead, "sync_errors")
	if !ok {
		return
	}
	records, err := listErrors(c, r.DB, tenantId, 5000)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=sync-errors.xlsx")
	c.Status(http.StatusOK)
	if err := WriteErrorsXLSX(c.Writer, records); err != nil {
		_ = c.Error(err)
	}
}

func (r SyncRoutes) resolveError(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncRetry, "sync_errors/"+c.Param("id"))
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	res := r.DB.WithContext(c.Request.Context()).Model(&models.SyncErrorRecord{}).
		Where("tenant_id = ? AND id = ? AND resolved_at IS NULL", tenantId, id).
		Update("resolved_at", time.Now())
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "error record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// retryOperation requeues an abandoned operation with a fresh retry budget.
func (r SyncRoutes) retryOperation(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncRetry, "sync_operations/"+c.Param("id"))
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	op, err := r.Queue.RetryAbandoned(c.Request.Context(), tenantId, id)
	switch {
	case errors.Is(err, ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"id": op.ID, "status": op.Status})
	}
}

func (r SyncRoutes) operation(c *gin.Context) {
	tenantId, ok := r.allowed(c, authz.ActionSyncRead, "sync_operations/"+c.Param("id"))
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	op, err := r.Queue.Operation(c.Request.Context(), id)
	if errors.Is(err, ErrOperationNotFound) || (err == nil && op.TenantId != tenantId) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrOperationNotFound.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, op)
}
