package lifecycle

import (
	"time"

	"github.com/mmdatafocus/ordersync/models"
	"github.com/shopspring/decimal"
)

// Outbound payloads carry local ids only; the worker attaches resolved external ids as refs.

type customerPayload struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Active bool   `json:"active"`
}

func customerData(c models.Customer) customerPayload {
	return customerPayload{Name: c.Name, Email: c.Email, Phone: c.Phone, Active: c.IsActive == nil || *c.IsActive}
}

type itemPayload struct {
	Sku       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxId     *uint           `json:"tax_id,omitempty"`
	Active    bool            `json:"active"`
}

func itemData(it models.Item) itemPayload {
	return itemPayload{Sku: it.Sku, Name: it.Name, UnitPrice: it.UnitPrice, TaxId: it.TaxId, Active: it.IsActive == nil || *it.IsActive}
}

type invoiceLinePayload struct {
	ItemId      uint            `json:"item_id"`
	Description string          `json:"description,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

type invoicePayload struct {
	DocNumber   string               `json:"doc_number"`
	CustomerId  uint                 `json:"customer_id"`
	InvoiceDate time.Time            `json:"invoice_date"`
	Total       decimal.Decimal      `json:"total"`
	Lines       []invoiceLinePayload `json:"lines"`
}

func invoiceData(inv models.Invoice) invoicePayload {
	lines := make([]invoiceLinePayload, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		lines = append(lines, invoiceLinePayload{
			ItemId:      l.ItemId,
			Description: l.Description,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
		})
	}
	return invoicePayload{
		DocNumber:   inv.InvoiceNumber,
		CustomerId:  inv.CustomerId,
		InvoiceDate: inv.InvoiceDate,
		Total:       inv.Total,
		Lines:       lines,
	}
}

type paymentPayload struct {
	InvoiceId     uint            `json:"invoice_id"`
	CustomerId    uint            `json:"customer_id"`
	PaymentModeId *uint           `json:"payment_mode_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
	Reference     string          `json:"reference,omitempty"`
}

func paymentData(p models.Payment) paymentPayload {
	return paymentPayload{
		InvoiceId:     p.InvoiceId,
		CustomerId:    p.CustomerId,
		PaymentModeId: p.PaymentModeId,
		Amount:        p.Amount,
		PaidAt:        p.PaidAt,
		Reference:     p.Reference,
	}
}

func invoiceItemIds(inv models.Invoice) []uint {
	seen := make(map[uint]bool, len(inv.Lines))
	ids := make([]uint, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		if l.ItemId == 0 || seen[l.ItemId] {
			continue
		}
		seen[l.ItemId] = true
		ids = append(ids, l.ItemId)
	}
	return ids
}
