package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tax struct {
	ID        uint            `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"index;size:64;not null" json:"tenant_id"`
	Name      string          `gorm:"size:100;not null" json:"name"`
	Rate      decimal.Decimal `gorm:"type:decimal(7,4);default:0" json:"rate"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
