package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Item is a sellable product or service line.
type Item struct {
	ID        uint            `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"index;size:64;not null" json:"tenant_id"`
	Sku       string          `gorm:"size:64" json:"sku"`
	Name      string          `gorm:"size:100;not null" json:"name"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	TaxId     *uint           `gorm:"index" json:"tax_id"`
	IsActive  *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Sku       string          `json:"sku" validate:"max=64"`
	Name      string          `json:"name" validate:"required,max=100"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxId     *uint           `json:"tax_id"`
}

func (input *NewItem) Normalize() {
	input.Sku = strings.TrimSpace(input.Sku)
	input.Name = strings.TrimSpace(input.Name)
}
