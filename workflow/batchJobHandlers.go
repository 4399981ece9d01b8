package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmdatafocus/ordersync/lifecycle"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
)

type orderApplyFunc func(ctx context.Context, job models.BatchJob, orderId uint) error

// orderBatchHandler runs one lifecycle command per order id. Every command is safe to
// repeat, so a job resumed after a crash can redo the item it was on.
type orderBatchHandler struct {
	apply orderApplyFunc
}

func decodeOrderIds(payload []byte) (models.OrderIdsPayload, error) {
	var p models.OrderIdsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("%w: decode order ids: %v", models.ErrInvalidInput, err)
	}
	p.OrderIds = utils.UniqueSlice(p.OrderIds)
	return p, nil
}

func (h orderBatchHandler) Items(payload []byte) ([]uint, error) {
	p, err := decodeOrderIds(payload)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(p.OrderIds))
	for _, id := range p.OrderIds {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (h orderBatchHandler) Process(ctx context.Context, job models.BatchJob, orderId uint) (error, error) {
	err := h.apply(ctx, job, orderId)
	if err == nil {
		return nil, nil
	}
	if lifecycle.IsItemFailure(err) || errors.Is(err, models.ErrAlreadyInvoiced) {
		return err, nil
	}
	return nil, err
}

// OrderBatchHandlers wires the order batch job types to ctl. Commands run as the job's creator.
// Bulk invoicing accepts pending orders, as the synchronous batch does.
func OrderBatchHandlers(ctl *lifecycle.Controller) map[models.BatchJobType]BatchJobHandler {
	return map[models.BatchJobType]BatchJobHandler{
		models.BatchJobTypeInvoice: orderBatchHandler{apply: func(ctx context.Context, job models.BatchJob, id uint) error {
			_, err := ctl.Invoice(ctx, job.TenantId, job.CreatedBy, id, lifecycle.InvoiceOptions{AllowPending: true})
			return err
		}},
		models.BatchJobTypeReview: orderBatchHandler{apply: func(ctx context.Context, job models.BatchJob, id uint) error {
			_, err := ctl.Review(ctx, job.TenantId, job.CreatedBy, id)
			return err
		}},
		models.BatchJobTypeDelete: orderBatchHandler{apply: func(ctx context.Context, job models.BatchJob, id uint) error {
			res, err := ctl.Delete(ctx, job.TenantId, job.CreatedBy, id)
			if errors.Is(err, models.ErrOrderNotFound) {
				// deleted earlier, possibly by this job before a restart
				return nil
			}
			if err != nil {
				return err
			}
			if res.Skipped {
				return fmt.Errorf("%w: order %d", models.ErrAlreadyInvoiced, id)
			}
			return nil
		}},
	}
}
