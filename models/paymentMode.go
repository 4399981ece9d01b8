package models

import "time"

type PaymentMode struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"index;size:64;not null" json:"tenant_id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
