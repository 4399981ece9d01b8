package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Payment struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"index;size:64;not null" json:"tenant_id"`
	InvoiceId     uint            `gorm:"index;not null" json:"invoice_id"`
	CustomerId    uint            `gorm:"index;not null" json:"customer_id"`
	PaymentModeId *uint           `gorm:"index" json:"payment_mode_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	PaidAt        time.Time       `gorm:"not null" json:"paid_at"`
	Reference     string          `gorm:"size:100" json:"reference"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPayment struct {
	InvoiceId     uint            `json:"invoice_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentModeId *uint           `json:"payment_mode_id"`
	PaidAt        *time.Time      `json:"paid_at"`
	Reference     string          `json:"reference" validate:"max=100"`
}
