package lifecycle

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
)

type orderIdsRequest struct {
	OrderIds []uint `json:"order_ids" binding:"required,min=1"`
}

// StatusFor maps lifecycle errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrEntityNotFound), errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrJobNotCancellable):
		return http.StatusConflict
	case errors.Is(err, models.ErrOverpayment), errors.Is(err, models.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithError writes {"error", "code"} for err.
func AbortWithError(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": models.ErrorCode(err)})
}

// RequestActor returns the tenant and actor the middleware put on the request.
func RequestActor(c *gin.Context) (tenantId string, actor string, ok bool) {
	ctx := c.Request.Context()
	tenantId, _ = utils.GetTenantIdFromContext(ctx)
	actor, _ = utils.GetActorIdFromContext(ctx)
	tenantId = strings.TrimSpace(tenantId)
	if tenantId == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return tenantId, actor, true
}

func orderId(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": utils.ProcessValidationErrors(err)})
		return false
	}
	return true
}

// RegisterRoutes mounts the order, payment and master data commands on g.
func (ctl *Controller) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/orders", ctl.createOrderHandler)
	g.GET("/orders/duplicates", ctl.duplicatesHandler)
	g.POST("/orders/:id/review", ctl.reviewHandler)
	g.POST("/orders/:id/invoice", ctl.invoiceHandler)
	g.POST("/orders/:id/cancel", ctl.cancelHandler)
	g.DELETE("/orders/:id", ctl.deleteHandler)
	g.POST("/orders/batch/invoice", ctl.batchInvoiceHandler)
	g.POST("/orders/batch/review", ctl.batchReviewHandler)
	g.POST("/orders/batch/delete", ctl.batchDeleteHandler)
	g.POST("/payments", ctl.recordPaymentHandler)
	g.POST("/customers", ctl.saveCustomerHandler)
	g.PUT("/customers/:id", ctl.saveCustomerHandler)
	g.POST("/items", ctl.saveItemHandler)
	g.PUT("/items/:id", ctl.saveItemHandler)
}

func (ctl *Controller) createOrderHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	var input models.NewOrder
	if !bindJSON(c, &input) {
		return
	}
	res, err := ctl.CreateOrder(c.Request.Context(), tenantId, actor, input)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (ctl *Controller) duplicatesHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	customerId, err := strconv.ParseUint(c.Query("customer_id"), 10, 64)
	if err != nil || customerId == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "customer_id is required"})
		return
	}
	day, err := time.Parse("2006-01-02", c.Query("delivery_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delivery_date must be YYYY-MM-DD"})
		return
	}
	exclude, _ := strconv.ParseUint(c.Query("exclude_id"), 10, 64)
	orders, err := ctl.FindDuplicates(c.Request.Context(), tenantId, actor, uint(customerId), day, uint(exclude))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duplicates": orders})
}

func (ctl *Controller) reviewHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	id, ok := orderId(c)
	if !ok {
		return
	}
	res, err := ctl.Review(c.Request.Context(), tenantId, actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (ctl *Controller) invoiceHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	id, ok := orderId(c)
	if !ok {
		return
	}
	allowPending, _ := strconv.ParseBool(c.Query("allow_pending"))
	res, err := ctl.Invoice(c.Request.Context(), tenantId, actor, id, InvoiceOptions{AllowPending: allowPending})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyInvoiced {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (ctl *Controller) cancelHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	id, ok := orderId(c)
	if !ok {
		return
	}
	res, err := ctl.Cancel(c.Request.Context(), tenantId, actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (ctl *Controller) deleteHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	id, ok := orderId(c)
	if !ok {
		return
	}
	res, err := ctl.Delete(c.Request.Context(), tenantId, actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (ctl *Controller) batchInvoiceHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	var req orderIdsRequest
	if !bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusOK, ctl.BatchInvoice(c.Request.Context(), tenantId, actor, req.OrderIds))
}

func (ctl *Controller) batchReviewHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	var req orderIdsRequest
	if !bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusOK, ctl.BatchReview(c.Request.Context(), tenantId, actor, req.OrderIds))
}

func (ctl *Controller) batchDeleteHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	var req orderIdsRequest
	if !bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusOK, ctl.BatchDelete(c.Request.Context(), tenantId, actor, req.OrderIds))
}

func (ctl *Controller) recordPaymentHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	var input models.NewPayment
	if !bindJSON(c, &input) {
		return
	}
	res, err := ctl.RecordPayment(c.Request.Context(), tenantId, actor, input)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// optionalId reads :id for PUT routes; POST routes have none and create.
func optionalId(c *gin.Context) (uint, bool) {
	if c.Param("id") == "" {
		return 0, true
	}
	return orderId(c)
}

func (ctl *Controller) saveCustomerHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	id, ok := optionalId(c)
	if !ok {
		return
	}
	var input models.NewCustomer
	if !bindJSON(c, &input) {
		return
	}
	customer, err := ctl.SaveCustomer(c.Request.Context(), tenantId, actor, id, input)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (ctl *Controller) saveItemHandler(c *gin.Context) {
	tenantId, actor, ok := RequestActor(c)
	if !ok {
		return
	}
	id, ok := optionalId(c)
	if !ok {
		return
	}
	var input models.NewItem
	if !bindJSON(c, &input) {
		return
	}
	item, err := ctl.SaveItem(c.Request.Context(), tenantId, actor, id, input)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
