package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func opTypeFor(id uint) models.SyncOperationType {
	if id == 0 {
		return models.SyncOperationCreate
	}
	return models.SyncOperationUpdate
}

// SaveCustomer creates (id 0) or updates a customer and queues the matching ledger write.
func (c *Controller) SaveCustomer(ctx context.Context, tenantId, actor string, id uint, input models.NewCustomer) (*models.Customer, error) {
	customer, err := c.saveCustomer(ctx, tenantId, actor, id, input)
	c.record(authz.ActionCustomerSave, err)
	return customer, err
}

func (c *Controller) saveCustomer(ctx context.Context, tenantId, actor string, id uint, input models.NewCustomer) (*models.Customer, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionCustomerSave, resourceId("customer", id)); err != nil {
		return nil, err
	}
	input.Normalize()
	if err := utils.ValidateStruct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, fmt.Errorf("%w: phone: %v", models.ErrInvalidInput, err)
		}
		input.Phone = utils.NormalizePhoneE164(input.Phone, utils.CountryCode)
	}

	now := c.now()
	var customer models.Customer
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if id == 0 {
			customer = models.Customer{TenantId: tenantId, IsActive: utils.NewTrue()}
		} else if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantId, id).Take(&customer).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: customer %d", models.ErrEntityNotFound, id)
			}
			return err
		}
		customer.Name = input.Name
		customer.Email = input.Email
		customer.Phone = input.Phone
		if err := tx.Save(&customer).Error; err != nil {
			return err
		}
		if err := models.TouchLocalUpdate(ctx, tx, tenantId, models.EntityTypeCustomer, customer.ID, now); err != nil {
			return err
		}
		return c.enqueue(ctx, tx, ledgersync.EnqueueInput{
			TenantId:       tenantId,
			EntityType:     models.EntityTypeCustomer,
			EntityId:       customer.ID,
			OperationType:  opTypeFor(id),
			Payload:        customerData(customer),
			LocalUpdatedAt: &now,
		})
	})
	if err != nil {
		return nil, err
	}
	c.nudge(ctx, tenantId)
	return &customer, nil
}

// SaveItem creates (id 0) or updates an item and queues the matching ledger write.
func (c *Controller) SaveItem(ctx context.Context, tenantId, actor string, id uint, input models.NewItem) (*models.Item, error) {
	item, err := c.saveItem(ctx, tenantId, actor, id, input)
	c.record(authz.ActionItemSave, err)
	return item, err
}

func (c *Controller) saveItem(ctx context.Context, tenantId, actor string, id uint, input models.NewItem) (*models.Item, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionItemSave, resourceId("item", id)); err != nil {
		return nil, err
	}
	input.Normalize()
	if err := utils.ValidateStruct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if input.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: unit price is negative", models.ErrInvalidInput)
	}

	now := c.now()
	var item models.Item
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.TaxId != nil {
			n, err := utils.ResourceCountWhere[models.Tax](ctx, tx, tenantId, "id = ?", *input.TaxId)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: tax %d", models.ErrEntityNotFound, *input.TaxId)
			}
		}
		if id == 0 {
			item = models.Item{TenantId: tenantId, IsActive: utils.NewTrue()}
		} else if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantId, id).Take(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: item %d", models.ErrEntityNotFound, id)
			}
			return err
		}
		item.Sku = input.Sku
		item.Name = input.Name
		item.UnitPrice = input.UnitPrice
		item.TaxId = input.TaxId
		if err := tx.Save(&item).Error; err != nil {
			return err
		}
		if err := models.TouchLocalUpdate(ctx, tx, tenantId, models.EntityTypeItem, item.ID, now); err != nil {
			return err
		}
		return c.enqueue(ctx, tx, ledgersync.EnqueueInput{
			TenantId:       tenantId,
			EntityType:     models.EntityTypeItem,
			EntityId:       item.ID,
			OperationType:  opTypeFor(id),
			Payload:        itemData(item),
			LocalRefs:      itemRefs(item),
			LocalUpdatedAt: &now,
		})
	})
	if err != nil {
		return nil, err
	}
	c.nudge(ctx, tenantId)
	return &item, nil
}

type PaymentResult struct {
	Payment *models.Payment `json:"payment"`
	Invoice *models.Invoice `json:"invoice"`
}

// RecordPayment applies a payment to an open invoice. Paying more than the amount due
// fails with ErrOverpayment and changes nothing.
func (c *Controller) RecordPayment(ctx context.Context, tenantId, actor string, input models.NewPayment) (*PaymentResult, error) {
	result, err := c.recordPayment(ctx, tenantId, actor, input)
	c.record(authz.ActionPaymentRecord, err)
	return result, err
}

func (c *Controller) recordPayment(ctx context.Context, tenantId, actor string, input models.NewPayment) (*PaymentResult, error) {
	if err := c.authorize(ctx, tenantId, actor, authz.ActionPaymentRecord, resourceId("invoice", input.InvoiceId)); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}

	now := c.now()
	var (
		invoice models.Invoice
		payment models.Payment
	)
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantId, input.InvoiceId).Take(&invoice).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invoice %d", models.ErrEntityNotFound, input.InvoiceId)
			}
			return err
		}
		if input.PaymentModeId != nil {
			n, err := utils.ResourceCountWhere[models.PaymentMode](ctx, tx, tenantId, "id = ?", *input.PaymentModeId)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: payment mode %d", models.ErrEntityNotFound, *input.PaymentModeId)
			}
		}
		if err := invoice.ApplyPayment(input.Amount); err != nil {
			return err
		}
		res := tx.Model(&models.Invoice{}).
			Where("id = ? AND tenant_id = ? AND status <> ?", invoice.ID, tenantId, models.InvoiceStatusVoid).
			Updates(map[string]interface{}{
				"amount_paid": invoice.AmountPaid,
				"amount_due":  invoice.AmountDue,
				"status":      invoice.Status,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: invoice %d changed concurrently", models.ErrInvalidTransition, invoice.ID)
		}

		payment = models.Payment{
			TenantId:      tenantId,
			InvoiceId:     invoice.ID,
			CustomerId:    invoice.CustomerId,
			PaymentModeId: input.PaymentModeId,
			Amount:        input.Amount,
			PaidAt:        utils.DereferencePtr(input.PaidAt, now),
			Reference:     input.Reference,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		if err := models.TouchLocalUpdate(ctx, tx, tenantId, models.EntityTypeInvoice, invoice.ID, now); err != nil {
			return err
		}

		refs := ledgersync.LocalRefs{
			models.EntityTypeInvoice:  {invoice.ID},
			models.EntityTypeCustomer: {invoice.CustomerId},
		}
		if payment.PaymentModeId != nil {
			refs[models.EntityTypePaymentMode] = []uint{*payment.PaymentModeId}
		}
		return c.enqueue(ctx, tx, ledgersync.EnqueueInput{
			TenantId:       tenantId,
			EntityType:     models.EntityTypePayment,
			EntityId:       payment.ID,
			OperationType:  models.SyncOperationCreate,
			Payload:        paymentData(payment),
			LocalRefs:      refs,
			LocalUpdatedAt: &now,
		})
	})
	if err != nil {
		return nil, err
	}
	c.log().WithFields(logrus.Fields{"tenant_id": tenantId, "invoice_id": invoice.ID, "payment_id": payment.ID}).Info("payment recorded")
	c.nudge(ctx, tenantId)
	return &PaymentResult{Payment: &payment, Invoice: &invoice}, nil
}
