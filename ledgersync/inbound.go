package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// inboundApplier writes a ledger record onto local tables inside tx. localId is 0 when the
// external entity is not mapped yet. It returns the local id the record now lives in and
// whether the local row was removed.
type inboundApplier func(ctx context.Context, tx *gorm.DB, tenantId string, localId uint, rec LedgerRecord, deleted bool) (uint, bool, error)

var inboundAppliers = map[models.EntityType]inboundApplier{
	models.EntityTypeCustomer:    applyCustomer,
	models.EntityTypeItem:        applyItem,
	models.EntityTypeTax:         applyTax,
	models.EntityTypePaymentMode: applyPaymentMode,
	models.EntityTypeInvoice:     applyInvoice,
	models.EntityTypePayment:     applyPayment,
}

// loadLocal returns false when the mapped local row no longer exists.
func loadLocal[T any](tx *gorm.DB, tenantId string, localId uint, dest *T) (bool, error) {
	if localId == 0 {
		return false, nil
	}
	err := tx.Where("tenant_id = ? AND id = ?", tenantId, localId).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func mappedLocal(ctx context.Context, tx *gorm.DB, tenantId string, t models.EntityType, externalId string) (uint, error) {
	if externalId == "" {
		return 0, nil
	}
	m, err := models.FindMappingByExternal(ctx, tx, tenantId, t, externalId)
	if err != nil || m == nil {
		return 0, err
	}
	return m.LocalId, nil
}

func applyCustomer(ctx context.Context, tx *gorm.DB, tenantId string, localId uint, rec LedgerRecord, deleted bool) (uint, bool, error) {
	var c models.Customer
	found, err := loadLocal(tx, tenantId, localId, &c)
	if err != nil {
		return 0, false, err
	}
	if deleted {
		if !found {
			return 0, false, nil
		}
		return c.ID, false, tx.Model(&c).Update("is_active", false).Error
	}
	if !found {
		if rec.Name == "" {
			return 0, false, permanent("VALIDATION", "customer %s has no name", rec.Id)
		}
		c = models.Customer{TenantId: tenantId, IsActive: utils.NewTrue()}
	}
	if rec.Name != "" {
		c.Name = rec.Name
	}
	if rec.Email != "" {
		c.Email = rec.Email
	}
	if rec.Phone != "" {
		c.Phone = utils.NormalizePhoneE164(rec.Phone, "")
	}
	if rec.Active != nil {
		c.IsActive = rec.Active
	}
	if err := saveRow(tx, &c, c.ID); err != nil {
		return 0, false, err
	}
	return c.ID, false, nil
}

func applyTax(ctx context.Context, tx *gorm.DB, tenantId string, localId uint, rec LedgerRecord, deleted bool) (uint, bool, error) {
	var t models.Tax
	found, err := loadLocal(tx, tenantId, localId, &t)
	if err != nil {
		return 0, false, err
	}
	if deleted {
		// items may still point at the tax
		return t.ID, false, nil
	}
	if !found {
		t = models.Tax{TenantId: tenantId, Name: rec.Name}
	}
	if rec.Name != "" {
		t.Name = rec.Name
	}
	if rec.Rate != nil {
		t.Rate = *rec.Rate
	}
	if t.Name == "" {
		return 0, false, permanent("VALIDATION", "tax %s has no name", rec.Id)
	}
	if err := saveRow(tx, &t, t.ID); err != nil {
		return 0, false, err
	}
	return t.ID, false, nil
}

func applyPaymentMode(ctx context.Context, tx *gorm.DB, tenantId string, localId uint, rec LedgerRecord, deleted bool) (uint, bool, error) {
	var pm models.PaymentMode
	found, err := loadLocal(tx, tenantId, localId, &pm)
	if err != nil {
		return 0, false, err
	}
	if deleted {
		if !found {
			return 0, false, nil
		}
		return pm.ID, false, tx.Model(&pm).Update("is_active", false).Error
	}
	if !found {
		pm = models.PaymentMode{TenantId: tenantId, IsActive: utils.NewTrue()}
	}
	if rec.Name != "" {
		pm.Name = rec.Name
	}
	if rec.Active != nil {
		pm.IsActive = rec.Active
	}
	if pm.Name == "" {
		return 0, false, permanent("VALIDATION", "payment mode %s has no name", rec.Id)
	}
	if err := saveRow(tx, &pm, pm.ID); err != nil {
		return 0, false, err
	}
	return pm.ID, false, nil
}

func applyItem(ctx context.Context, tx *gorm.DB, tenantId string, localId uint, rec LedgerRecord, deleted bool) (uint, bool, error) {
	var it models.Item
	found, err := loadLocal(tx, tenantId, localId, &it)
	if err != nil {
		return 0, false, err
	}
	if deleted {
		if !found {
			return 0, false, nil
		}
		return it.ID, false, tx.Model(&it).Update("is_active", false).Error
	}
	if !found {
		it = models.Item{TenantId: tenantId, IsActive: utils.NewTrue()}
	}
	if rec.Name != "" {
		it.Name = rec.Name
	}
	if rec.Sku != "" {
		it.Sku = rec.Sku
	}
	if rec.UnitPrice != nil {
		it.UnitPrice = *rec.UnitPrice
	}
	if rec.Active != nil {
		it.IsActive = rec.Active
	}
	if rec.TaxRef != "" {
		taxId, err := mappedLocal(ctx, tx, tenantId, models.EntityTypeTax, rec.TaxRef)
		if err != nil {
			return 0, false, err
		}
		// an unmapped tax is optional
		if taxId > 0 {
			it.TaxId = &taxId
		}
	}
	if it.Name == "" {
		return 0, false, permanent("VALIDATION", "item %s has no name", rec.Id)
	}
	if err := saveRow(tx, &it, it.ID); err != nil {
		return 0, false, err
	}
	return it.ID, false, nil
}

// applyInvoice only moves amount_paid on known invoices; totals and lines stay as invoiced locally.
func applyInvoice(ctx context.Context, tx *gorm.DB, tenantId string, localId uint, rec LedgerRecord, deleted bool) (uint, bool, error) {
	var inv models.Invoice
	found, err := loadLocal(tx, tenantId, localId, &inv)
	if err != nil {
		return 0, false, err
	}
	if deleted {
		if !found {
			return 0, false, nil
		}
		return inv.ID, false, tx.Model(&inv).Updates(map[string]interface{}{"status": models.InvoiceStatusVoid}).Error
	}
	if !found {
		customerId, err := mappedLocal(ctx, tx, tenantId, models.EntityTypeCustomer, rec.CustomerRef)
		if err != nil {
			return 0, false, err
		}
		if customerId == 0 {
			return 0, false, &TransientSyncError{Err: fmt.Errorf("invoice %s references unmapped customer %q", rec.Id, rec.CustomerRef)}
		}
		invoiceDate := time.Now()
		if rec.UpdatedAt != nil {
			invoiceDate = *rec.UpdatedAt
		}
		number := rec.DocNumber
		if number == "" {
			number = "EXT-" + rec.Id
		}
		inv = models.Invoice{
			TenantId:      tenantId,
			InvoiceNumber: number,
			CustomerId:    customerId,
			Status:        models.InvoiceStatusOpen,
			InvoiceDate:   invoiceDate,
			Total:         decimalOr(rec.Total, decimal.Zero),
		}
		inv.SetAmountPaid(decimalOr(rec.AmountPaid, decimal.Zero))
		if err := tx.Create(&inv).Error; err != nil {
			return 0, false, err
		}
		return inv.ID, false, nil
	}
	if rec.AmountPaid == nil || inv.Status == models.InvoiceStatusVoid {
		return inv.ID, false, nil
	}
	inv.SetAmountPaid(*rec.AmountPaid)
	return inv.ID, false, tx.Model(&inv).Updates(map[string]interface{}{
		"amount_paid": inv.AmountPaid,
		"amount_due":  inv.AmountDue,
		"status":      inv.Status,
	}).Error
}

func applyPayment(ctx context.Context, tx *gorm.DB, tenantId string, localId uint, rec LedgerRecord, deleted bool) (uint, bool, error) {
	var p models.Payment
	found, err := loadLocal(tx, tenantId, localId, &p)
	if err != nil {
		return 0, false, err
	}
	if deleted {
		if !found {
			return 0, false, nil
		}
		var inv models.Invoice
		if ok, err := loadLocal(tx, tenantId, p.InvoiceId, &inv); err != nil {
			return 0, false, err
		} else if ok {
			inv.SetAmountPaid(inv.AmountPaid.Sub(p.Amount))
			if err := saveInvoicePaid(tx, &inv); err != nil {
				return 0, false, err
			}
		}
		if err := tx.Delete(&p).Error; err != nil {
			return 0, false, err
		}
		return p.ID, true, nil
	}

	if found {
		var inv models.Invoice
		if _, err := loadLocal(tx, tenantId, p.InvoiceId, &inv); err != nil {
			return 0, false, err
		}
		if rec.Amount != nil && !rec.Amount.Equal(p.Amount) && inv.ID > 0 {
			inv.SetAmountPaid(inv.AmountPaid.Add(rec.Amount.Sub(p.Amount)))
			if err := saveInvoicePaid(tx, &inv); err != nil {
				return 0, false, err
			}
			p.Amount = *rec.Amount
		}
		if rec.Reference != "" {
			p.Reference = rec.Reference
		}
		if rec.PaidAt != nil {
			p.PaidAt = *rec.PaidAt
		}
		return p.ID, false, tx.Save(&p).Error
	}

	invoiceId, err := mappedLocal(ctx, tx, tenantId, models.EntityTypeInvoice, rec.InvoiceRef)
	if err != nil {
		return 0, false, err
	}
	if invoiceId == 0 {
		return 0, false, &TransientSyncError{Err: fmt.Errorf("payment %s references unmapped invoice %q", rec.Id, rec.InvoiceRef)}
	}
	var inv models.Invoice
	if ok, err := loadLocal(tx, tenantId, invoiceId, &inv); err != nil {
		return 0, false, err
	} else if !ok {
		return 0, false, permanent("NOT_FOUND", "invoice %d for payment %s is gone", invoiceId, rec.Id)
	}
	amount := decimalOr(rec.Amount, decimal.Zero)
	if err := inv.ApplyPayment(amount); err != nil {
		return 0, false, permanent(models.ErrorCode(err), "payment %s: %v", rec.Id, err)
	}
	if err := saveInvoicePaid(tx, &inv); err != nil {
		return 0, false, err
	}
	paidAt := time.Now()
	if rec.PaidAt != nil {
		paidAt = *rec.PaidAt
	}
	p = models.Payment{
		TenantId:   tenantId,
		InvoiceId:  inv.ID,
		CustomerId: inv.CustomerId,
		Amount:     amount,
		PaidAt:     paidAt,
		Reference:  rec.Reference,
	}
	if rec.PaymentModeRef != "" {
		modeId, err := mappedLocal(ctx, tx, tenantId, models.EntityTypePaymentMode, rec.PaymentModeRef)
		if err != nil {
			return 0, false, err
		}
		if modeId > 0 {
			p.PaymentModeId = &modeId
		}
	}
	if err := tx.Create(&p).Error; err != nil {
		return 0, false, err
	}
	return p.ID, false, nil
}

func saveRow(tx *gorm.DB, row any, id uint) error {
	if id == 0 {
		return tx.Create(row).Error
	}
	return tx.Save(row).Error
}

func saveInvoicePaid(tx *gorm.DB, inv *models.Invoice) error {
	return tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Updates(map[string]interface{}{
		"amount_paid": inv.AmountPaid,
		"amount_due":  inv.AmountDue,
		"status":      inv.Status,
	}).Error
}

func decimalOr(d *decimal.Decimal, def decimal.Decimal) decimal.Decimal {
	if d == nil {
		return def
	}
	return *d
}
