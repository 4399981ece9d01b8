package lifecycle

import (
	"context"
	"errors"

	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
)

type BatchError struct {
	OrderId uint   `json:"order_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type BatchResult struct {
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
	Errors       []BatchError `json:"errors"`
}

type BatchDeleteResult struct {
	Deleted  int          `json:"deleted"`
	Invoiced int          `json:"invoiced"`
	Failed   int          `json:"failed"`
	Errors   []BatchError `json:"errors"`
}

func batchError(orderId uint, err error) BatchError {
	return BatchError{OrderId: orderId, Code: models.ErrorCode(err), Message: err.Error()}
}

func (r *BatchResult) add(orderId uint, err error) {
	if err != nil {
		r.FailedCount++
		r.Errors = append(r.Errors, batchError(orderId, err))
		return
	}
	r.SuccessCount++
}

// BatchInvoice invoices each order on its own; pending orders are allowed and an already
// invoiced order counts as a success. A failure never rolls back other orders.
func (c *Controller) BatchInvoice(ctx context.Context, tenantId, actor string, orderIds []uint) BatchResult {
	result := BatchResult{Errors: []BatchError{}}
	for _, id := range utils.UniqueSlice(orderIds) {
		_, err := c.Invoice(ctx, tenantId, actor, id, InvoiceOptions{AllowPending: true})
		result.add(id, err)
	}
	c.logBatch("batch_invoice", tenantId, len(orderIds), result.FailedCount)
	return result
}

func (c *Controller) BatchReview(ctx context.Context, tenantId, actor string, orderIds []uint) BatchResult {
	result := BatchResult{Errors: []BatchError{}}
	for _, id := range utils.UniqueSlice(orderIds) {
		_, err := c.Review(ctx, tenantId, actor, id)
		result.add(id, err)
	}
	c.logBatch("batch_review", tenantId, len(orderIds), result.FailedCount)
	return result
}

// BatchDelete deletes what it can; invoiced orders are counted, never deleted.
func (c *Controller) BatchDelete(ctx context.Context, tenantId, actor string, orderIds []uint) BatchDeleteResult {
	result := BatchDeleteResult{Errors: []BatchError{}}
	for _, id := range utils.UniqueSlice(orderIds) {
		res, err := c.Delete(ctx, tenantId, actor, id)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, batchError(id, err))
		case res.Skipped:
			result.Invoiced++
		default:
			result.Deleted++
		}
	}
	c.logBatch("batch_delete", tenantId, len(orderIds), result.Failed)
	return result
}

func (c *Controller) logBatch(kind, tenantId string, total, failed int) {
	c.log().WithFields(logrus.Fields{
		"tenant_id": tenantId,
		"batch":     kind,
		"total":     total,
		"failed":    failed,
	}).Info("batch finished")
}

// IsItemFailure reports whether err should be recorded as a failed batch item rather than
// aborting the whole job.
func IsItemFailure(err error) bool {
	return errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrOrderNotFound) ||
		errors.Is(err, models.ErrEntityNotFound) ||
		errors.Is(err, models.ErrForbidden) ||
		errors.Is(err, models.ErrInvalidInput)
}
