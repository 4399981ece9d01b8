package workflow

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/lifecycle"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
)

type enqueueJobRequest struct {
	JobType   models.BatchJobType `json:"job_type" binding:"required"`
	OrderIds  []uint              `json:"order_ids" binding:"required,min=1"`
	Priority  int                 `json:"priority"`
	CanCancel *bool               `json:"can_cancel"`
}

type jobView struct {
	models.BatchJob
	Percent int                    `json:"percent_complete"`
	Errors  []models.BatchJobError `json:"errors"`
}

func viewOf(job models.BatchJob) jobView {
	return jobView{BatchJob: job, Percent: job.PercentComplete(), Errors: job.DecodeErrors()}
}

// BatchJobRoutes serves the batch job API on top of queue.
type BatchJobRoutes struct {
	Queue      *BatchJobQueue
	Authorizer authz.Authorizer
}

func (r BatchJobRoutes) allowed(c *gin.Context, action authz.Action, resource string) (string, string, bool) {
	tenantId, actor, ok := lifecycle.RequestActor(c)
	if !ok {
		return "", "", false
	}
	authorizer := r.Authorizer
	if authorizer == nil {
		authorizer = authz.AllowAll{}
	}
	allowed, err := authorizer.Authorize(c.Request.Context(), authz.Request{TenantId: tenantId, Actor: actor, Action: action, Resource: resource})
	if err != nil {
		lifecycle.AbortWithError(c, err)
		return "", "", false
	}
	if !allowed {
		lifecycle.AbortWithError(c, fmt.Errorf("%w: %s may not %s", models.ErrForbidden, actor, action))
		return "", "", false
	}
	return tenantId, actor, true
}

func jobId(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (r BatchJobRoutes) Register(g *gin.RouterGroup) {
	g.POST("/batch-jobs", r.enqueue)
	g.GET("/batch-jobs", r.list)
	g.GET("/batch-jobs/:id", r.get)
	g.POST("/batch-jobs/:id/cancel", r.cancel)
}

func (r BatchJobRoutes) enqueue(c *gin.Context) {
	tenantId, actor, ok := r.allowed(c, authz.ActionBatchEnqueue, "batch_job")
	if !ok {
		return
	}
	var req enqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": utils.ProcessValidationErrors(err)})
		return
	}
	payload := models.OrderIdsPayload{OrderIds: req.OrderIds}
	job, err := r.Queue.Enqueue(c.Request.Context(), tenantId, req.JobType, payload, req.Priority, actor, utils.DereferencePtr(req.CanCancel, true))
	if err != nil {
		lifecycle.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(*job))
}

func (r BatchJobRoutes) list(c *gin.Context) {
	tenantId, _, ok := r.allowed(c, authz.ActionBatchRead, "batch_job")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := r.Queue.List(c.Request.Context(), tenantId, models.BatchJobStatus(c.Query("status")), limit)
	if err != nil {
		lifecycle.AbortWithError(c, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (r BatchJobRoutes) get(c *gin.Context) {
	id, ok := jobId(c)
	if !ok {
		return
	}
	tenantId, _, ok := r.allowed(c, authz.ActionBatchRead, fmt.Sprintf("batch_job:%d", id))
	if !ok {
		return
	}
	job, err := r.Queue.Get(c.Request.Context(), tenantId, id)
	if err != nil {
		lifecycle.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(*job))
}

func (r BatchJobRoutes) cancel(c *gin.Context) {
	id, ok := jobId(c)
	if !ok {
		return
	}
	tenantId, _, ok := r.allowed(c, authz.ActionBatchCancel, fmt.Sprintf("batch_job:%d", id))
	if !ok {
		return
	}
	job, err := r.Queue.Cancel(c.Request.Context(), tenantId, id)
	if err != nil {
		lifecycle.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(*job))
}
