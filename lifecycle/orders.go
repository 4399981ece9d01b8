package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errInvoiceRace means the status CAS lost to a concurrent invoicing of the same order.
var errInvoiceRace = errors.New("order changed while invoicing")

var reviewableStatuses = []models.OrderStatus{models.OrderStatusPending, models.OrderStatusReviewed}

type CreateOrderResult struct {
	Order *models.Order `json:"order"`
	// other open orders for the same customer and delivery day; informational only
	Duplicates []models.Order `json:"duplicates,omitempty"`
}

type ReviewResult struct {
	Order           *models.Order  `json:"order"`
	AlreadyReviewed bool           `json:"already_reviewed"`
	Duplicates      []models.Order `json:"duplicates,omitempty"`
}

type InvoiceOptions struct {
	AllowPending bool
}

type InvoiceResult struct {
	OrderId         uint `json:"order_id"`
	InvoiceId       uint `json:"invoice_id"`
	AlreadyInvoiced bool `json:"already_invoiced"`
}

type CancelResult struct {
	Order            *models.Order `json:"order"`
	NoOrderInvoiceId uint          `json:"no_order_invoice_id"`
}

type DeleteResult struct {
	OrderId uint   `json:"order_id"`
	Deleted bool   `json:"deleted"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

func (c *Controller) loadOrder(ctx context.Context, db *gorm.DB, tenantId string, orderId uint) (*models.Order, error) {
	order, err := utils.FetchModel[models.Order](ctx, db, tenantId, orderId, "Lines")
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderId)
		}
		return nil, err
	}
	return order, nil
}

// lockOrder reads the order with a row lock for the rest of tx.
func lockOrder(ctx context.Context, tx *gorm.DB, tenantId string, orderId uint) (*models.Order, error) {
	var order models.Order
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Lines").
		Where("id = ? AND tenant_id = ?", orderId, tenantId).
		Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderId)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Controller) duplicates(ctx context.Context, order *models.Order) []models.Order {
	dups, err := models.FindDuplicateOrders(ctx, c.DB, order.TenantId, order.CustomerId, order.DeliveryDate, order.ID)
	if err != nil {
		config.LogError(c.Logger, "lifecycle", "duplicates", "find duplicate orders", order.ID, err)
		return nil
	}
	return dups
}

func (c *Controller) CreateOrder(ctx context.Context, tenantId, actor string, input models.NewOrder) (*CreateOrderResult, error) {
	result, err := c.createOrder(ctx, tenantId, actor, input)
	c.record(authz.ActionOrderCreate, err)
	return result, err
}

func (c *Controller) createOrder(ctx context.Context, tenantId, actor string, input models.NewOrder) (*CreateOrderResult, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionOrderCreate, "order"); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	for i, l := range input.Lines {
		if !l.Qty.IsPositive() {
			return nil, fmt.Errorf("%w: line %d qty must be positive", models.ErrInvalidInput, i+1)
		}
		if l.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: line %d unit price is negative", models.ErrInvalidInput, i+1)
		}
	}
	if models.DateOnly(input.DeliveryDate).Before(models.DateOnly(input.OrderDate)) {
		return nil, fmt.Errorf("%w: delivery date is before order date", models.ErrInvalidInput)
	}

	lines, total := input.BuildLines()
	now := c.now()
	order := models.Order{
		TenantId:     tenantId,
		CustomerId:   input.CustomerId,
		OrderDate:    input.OrderDate,
		DeliveryDate: models.DateOnly(input.DeliveryDate),
		Status:       models.OrderStatusPending,
		Total:        total,
		Notes:        input.Notes,
		CreatedBy:    actor,
		Lines:        lines,
	}

	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if n, err := utils.ResourceCountWhere[models.Customer](ctx, tx, tenantId, "id = ?", input.CustomerId); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: customer %d", models.ErrEntityNotFound, input.CustomerId)
		}
		itemIds := make([]uint, 0, len(lines))
		for _, l := range lines {
			itemIds = append(itemIds, l.ItemId)
		}
		itemIds = utils.UniqueSlice(itemIds)
		if n, err := utils.ResourceCountWhere[models.Item](ctx, tx, tenantId, "id IN ?", itemIds); err != nil {
			return err
		} else if int(n) != len(itemIds) {
			return fmt.Errorf("%w: unknown item in order lines", models.ErrEntityNotFound)
		}

		seq, number, err := models.NextOrderNumber(ctx, tx, tenantId, now.Year())
		if err != nil {
			return err
		}
		order.SequenceNo = seq
		order.OrderNumber = number
		return tx.WithContext(ctx).Create(&order).Error
	})
	if err != nil {
		return nil, err
	}

	c.log().WithFields(logrus.Fields{"tenant_id": tenantId, "order_id": order.ID, "order_number": order.OrderNumber}).Info("order created")
	return &CreateOrderResult{Order: &order, Duplicates: c.duplicates(ctx, &order)}, nil
}

// Review moves a pending order to reviewed. Reviewing an already reviewed order succeeds
// without changing it.
func (c *Controller) Review(ctx context.Context, tenantId, actor string, orderId uint) (*ReviewResult, error) {
	result, err := c.review(ctx, tenantId, actor, orderId)
	c.record(authz.ActionOrderReview, err)
	return result, err
}

func (c *Controller) review(ctx context.Context, tenantId, actor string, orderId uint) (*ReviewResult, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionOrderReview, resourceId("order", orderId)); err != nil {
		return nil, err
	}
	now := c.now()
	res := c.DB.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND tenant_id = ? AND status = ?", orderId, tenantId, models.OrderStatusPending).
		Updates(map[string]interface{}{
			"status":      models.OrderStatusReviewed,
			"reviewed_by": actor,
			"reviewed_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	order, err := c.loadOrder(ctx, c.DB, tenantId, orderId)
	if err != nil {
		return nil, err
	}
	result := &ReviewResult{Order: order}
	if res.RowsAffected == 0 {
		if order.Status != models.OrderStatusReviewed {
			return nil, fmt.Errorf("%w: cannot review %s order %d", models.ErrInvalidTransition, order.Status, orderId)
		}
		result.AlreadyReviewed = true
	}
	result.Duplicates = c.duplicates(ctx, order)
	return result, nil
}

// Invoice converts the order into an invoice. An order that is already invoiced returns its
// existing invoice with AlreadyInvoiced set.
func (c *Controller) Invoice(ctx context.Context, tenantId, actor string, orderId uint, opts InvoiceOptions) (*InvoiceResult, error) {
	result, err := c.invoice(ctx, tenantId, actor, orderId, opts)
	c.record(authz.ActionOrderInvoice, err)
	return result, err
}

func (c *Controller) invoice(ctx context.Context, tenantId, actor string, orderId uint, opts InvoiceOptions) (*InvoiceResult, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionOrderInvoice, resourceId("order", orderId)); err != nil {
		return nil, err
	}
	allowPending := opts.AllowPending || config.AllowPendingInvoicing()
	now := c.now()

	var result InvoiceResult
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(ctx, tx, tenantId, orderId)
		if err != nil {
			return err
		}
		switch order.Status {
		case models.OrderStatusInvoiced:
			result = InvoiceResult{OrderId: orderId, InvoiceId: utils.DereferencePtr(order.InvoiceId), AlreadyInvoiced: true}
			return nil
		case models.OrderStatusReviewed:
		case models.OrderStatusPending:
			if !allowPending {
				return fmt.Errorf("%w: order %d must be reviewed before invoicing", models.ErrInvalidTransition, orderId)
			}
		default:
			return fmt.Errorf("%w: cannot invoice %s order %d", models.ErrInvalidTransition, order.Status, orderId)
		}

		invoice := models.InvoiceFromOrder(*order, now)
		if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		link := models.OrderInvoiceLink{TenantId: tenantId, OrderId: orderId, InvoiceId: invoice.ID}
		if err := tx.WithContext(ctx).Create(&link).Error; err != nil {
			return fmt.Errorf("link invoice: %w", err)
		}
		res := tx.WithContext(ctx).Model(&models.Order{}).
			Where("id = ? AND tenant_id = ? AND status IN ?", orderId, tenantId, reviewableStatuses).
			Updates(map[string]interface{}{
				"status":     models.OrderStatusInvoiced,
				"invoice_id": invoice.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errInvoiceRace
		}
		if err := c.enqueueInvoice(ctx, tx, invoice, now); err != nil {
			return err
		}
		result = InvoiceResult{OrderId: orderId, InvoiceId: invoice.ID}
		return nil
	})
	if err != nil && (errors.Is(err, errInvoiceRace) || utils.IsDuplicateKeyErr(err)) {
		// lost to a concurrent request; its invoice is the answer
		if order, lerr := c.loadOrder(ctx, c.DB, tenantId, orderId); lerr == nil &&
			order.Status == models.OrderStatusInvoiced && order.InvoiceId != nil {
			return &InvoiceResult{OrderId: orderId, InvoiceId: *order.InvoiceId, AlreadyInvoiced: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if !result.AlreadyInvoiced {
		c.log().WithFields(logrus.Fields{"tenant_id": tenantId, "order_id": orderId, "invoice_id": result.InvoiceId}).Info("order invoiced")
		c.nudge(ctx, tenantId)
	}
	return &result, nil
}

// enqueueInvoice queues the invoice create plus a create for every customer and item the
// ledger has not seen yet.
func (c *Controller) enqueueInvoice(ctx context.Context, tx *gorm.DB, invoice models.Invoice, now time.Time) error {
	if c.Sync == nil {
		return nil
	}
	var customer models.Customer
	if err := tx.WithContext(ctx).Where("tenant_id = ? AND id = ?", invoice.TenantId, invoice.CustomerId).Take(&customer).Error; err != nil {
		return fmt.Errorf("load invoice customer: %w", err)
	}
	if err := c.ensureSynced(ctx, tx, ledgersync.EnqueueInput{
		TenantId:       invoice.TenantId,
		EntityType:     models.EntityTypeCustomer,
		EntityId:       customer.ID,
		Payload:        customerData(customer),
		LocalUpdatedAt: &customer.UpdatedAt,
	}); err != nil {
		return err
	}

	itemIds := invoiceItemIds(invoice)
	var items []models.Item
	if len(itemIds) > 0 {
		if err := tx.WithContext(ctx).Where("tenant_id = ? AND id IN ?", invoice.TenantId, itemIds).Order("id").Find(&items).Error; err != nil {
			return fmt.Errorf("load invoice items: %w", err)
		}
	}
	for i := range items {
		it := items[i]
		if err := c.ensureSynced(ctx, tx, ledgersync.EnqueueInput{
			TenantId:       invoice.TenantId,
			EntityType:     models.EntityTypeItem,
			EntityId:       it.ID,
			Payload:        itemData(it),
			LocalRefs:      itemRefs(it),
			LocalUpdatedAt: &it.UpdatedAt,
		}); err != nil {
			return err
		}
	}

	return c.enqueue(ctx, tx, ledgersync.EnqueueInput{
		TenantId:      invoice.TenantId,
		EntityType:    models.EntityTypeInvoice,
		EntityId:      invoice.ID,
		OperationType: models.SyncOperationCreate,
		Payload:       invoiceData(invoice),
		LocalRefs: ledgersync.LocalRefs{
			models.EntityTypeCustomer: {invoice.CustomerId},
			models.EntityTypeItem:     itemIds,
		},
		LocalUpdatedAt: &now,
	})
}

func itemRefs(it models.Item) ledgersync.LocalRefs {
	if it.TaxId == nil {
		return nil
	}
	return ledgersync.LocalRefs{models.EntityTypeTax: {*it.TaxId}}
}

// Cancel closes a pending or reviewed order and records a zero-total no-order invoice for it.
// The order itself never gets an invoice id.
func (c *Controller) Cancel(ctx context.Context, tenantId, actor string, orderId uint) (*CancelResult, error) {
	result, err := c.cancel(ctx, tenantId, actor, orderId)
	c.record(authz.ActionOrderCancel, err)
	return result, err
}

func (c *Controller) cancel(ctx context.Context, tenantId, actor string, orderId uint) (*CancelResult, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionOrderCancel, resourceId("order", orderId)); err != nil {
		return nil, err
	}
	now := c.now()
	var result CancelResult
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(ctx, tx, tenantId, orderId)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusReviewed {
			return fmt.Errorf("%w: cannot cancel %s order %d", models.ErrInvalidTransition, order.Status, orderId)
		}
		res := tx.WithContext(ctx).Model(&models.Order{}).
			Where("id = ? AND tenant_id = ? AND status IN ?", orderId, tenantId, reviewableStatuses).
			Updates(map[string]interface{}{
				"status":      models.OrderStatusCanceled,
				"canceled_at": now,
				"is_no_order": true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: order %d changed concurrently", models.ErrInvalidTransition, orderId)
		}
		noOrder := models.NoOrderInvoiceFor(*order, now)
		if err := tx.WithContext(ctx).Create(&noOrder).Error; err != nil {
			return fmt.Errorf("create no-order invoice: %w", err)
		}
		order.Status = models.OrderStatusCanceled
		order.CanceledAt = &now
		order.IsNoOrder = true
		result = CancelResult{Order: order, NoOrderInvoiceId: noOrder.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log().WithFields(logrus.Fields{"tenant_id": tenantId, "order_id": orderId}).Info("order canceled")
	return &result, nil
}

// Delete removes a non-invoiced order and its lines. Invoiced orders are reported as skipped.
func (c *Controller) Delete(ctx context.Context, tenantId, actor string, orderId uint) (*DeleteResult, error) {
	result, err := c.delete(ctx, tenantId, actor, orderId)
	c.record(authz.ActionOrderDelete, err)
	return result, err
}

func (c *Controller) delete(ctx context.Context, tenantId, actor string, orderId uint) (*DeleteResult, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionOrderDelete, resourceId("order", orderId)); err != nil {
		return nil, err
	}
	result := DeleteResult{OrderId: orderId}
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(ctx, tx, tenantId, orderId)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusInvoiced {
			result.Skipped = true
			result.Reason = models.ErrorCode(models.ErrAlreadyInvoiced)
			return nil
		}
		if err := tx.WithContext(ctx).Where("order_id = ?", orderId).Delete(&models.OrderLine{}).Error; err != nil {
			return err
		}
		res := tx.WithContext(ctx).
			Where("id = ? AND tenant_id = ? AND status <> ?", orderId, tenantId, models.OrderStatusInvoiced).
			Delete(&models.Order{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: order %d changed concurrently", models.ErrInvalidTransition, orderId)
		}
		result.Deleted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindDuplicates lists non-canceled orders for the customer on the delivery day.
func (c *Controller) FindDuplicates(ctx context.Context, tenantId, actor string, customerId uint, deliveryDate time.Time, excludeId uint) ([]models.Order, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionOrderRead, "order"); err != nil {
		return nil, err
	}
	return models.FindDuplicateOrders(ctx, c.DB, tenantId, customerId, deliveryDate, excludeId)
}
