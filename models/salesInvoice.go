package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Invoice struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"index;uniqueIndex:idx_invoice_source_order,priority:1;size:64;not null" json:"tenant_id"`
	InvoiceNumber string          `gorm:"size:64;not null" json:"invoice_number"`
	CustomerId    uint            `gorm:"index;not null" json:"customer_id"`
	Status        InvoiceStatus   `gorm:"size:20;not null" json:"status"`
	InvoiceDate   time.Time       `gorm:"not null" json:"invoice_date"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	AmountPaid    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_paid"`
	AmountDue     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_due"`
	// at most one invoice per order; NULL for invoices not created from an order
	SourceOrderId *uint         `gorm:"uniqueIndex:idx_invoice_source_order,priority:2" json:"source_order_id"`
	IsNoOrder     bool          `gorm:"not null;default:false" json:"is_no_order"`
	Lines         []InvoiceLine `gorm:"foreignKey:InvoiceId" json:"lines"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceLine struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	InvoiceId   uint            `gorm:"index;not null" json:"invoice_id"`
	ItemId      uint            `gorm:"index" json:"item_id"`
	Description string          `gorm:"size:255" json:"description"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
}

// InvoiceFromOrder copies the order's customer, lines and total into a new open invoice.
func InvoiceFromOrder(order Order, now time.Time) Invoice {
	lines := make([]InvoiceLine, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, InvoiceLine{
			ItemId:      l.ItemId,
			Description: l.Description,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
		})
	}
	orderId := order.ID
	inv := Invoice{
		TenantId:      order.TenantId,
		InvoiceNumber: invoiceNumberFor("INV", order),
		CustomerId:    order.CustomerId,
		Status:        InvoiceStatusOpen,
		InvoiceDate:   now,
		Total:         order.Total,
		AmountPaid:    decimal.Zero,
		SourceOrderId: &orderId,
		Lines:         lines,
	}
	inv.refreshDue()
	return inv
}

// NoOrderInvoiceFor builds the zero-total invoice that records a canceled order.
func NoOrderInvoiceFor(order Order, now time.Time) Invoice {
	orderId := order.ID
	return Invoice{
		TenantId:      order.TenantId,
		InvoiceNumber: invoiceNumberFor("NO", order),
		CustomerId:    order.CustomerId,
		Status:        InvoiceStatusVoid,
		InvoiceDate:   now,
		Total:         decimal.Zero,
		AmountPaid:    decimal.Zero,
		AmountDue:     decimal.Zero,
		SourceOrderId: &orderId,
		IsNoOrder:     true,
	}
}

func invoiceNumberFor(prefix string, order Order) string {
	if suffix := strings.TrimPrefix(order.OrderNumber, "SO-"); suffix != "" && suffix != order.OrderNumber {
		return prefix + "-" + suffix
	}
	return fmt.Sprintf("%s-%d", prefix, order.ID)
}

// ApplyPayment adds amount to amount_paid; amount_due never goes negative.
func (inv *Invoice) ApplyPayment(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: payment amount must be positive", ErrInvalidInput)
	}
	if inv.Status == InvoiceStatusVoid {
		return fmt.Errorf("%w: invoice is void", ErrInvalidTransition)
	}
	if amount.GreaterThan(inv.AmountDue) {
		return ErrOverpayment
	}
	inv.AmountPaid = inv.AmountPaid.Add(amount)
	inv.refreshDue()
	return nil
}

// SetAmountPaid overwrites the paid amount (inbound ledger updates), clamped to [0, total].
func (inv *Invoice) SetAmountPaid(paid decimal.Decimal) {
	if paid.IsNegative() {
		paid = decimal.Zero
	}
	if paid.GreaterThan(inv.Total) {
		paid = inv.Total
	}
	inv.AmountPaid = paid
	inv.refreshDue()
}

func (inv *Invoice) refreshDue() {
	inv.AmountDue = inv.Total.Sub(inv.AmountPaid)
	if inv.AmountDue.IsNegative() {
		inv.AmountDue = decimal.Zero
	}
	if inv.Status == InvoiceStatusVoid {
		return
	}
	switch {
	case inv.AmountPaid.IsZero():
		inv.Status = InvoiceStatusOpen
	case inv.AmountDue.IsZero():
		inv.Status = InvoiceStatusPaid
	default:
		inv.Status = InvoiceStatusPartiallyPaid
	}
}
