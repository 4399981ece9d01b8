package models

import "time"

const (
	LedgerProviderDefault = "ledger"
)

// LedgerConnection holds a tenant's OAuth2 token pair for the external ledger.
type LedgerConnection struct {
	ID               uint             `gorm:"primary_key" json:"id"`
	TenantId         string           `gorm:"uniqueIndex;size:64;not null" json:"tenant_id"`
	Provider         string           `gorm:"size:50;not null" json:"provider"`
	Status           ConnectionStatus `gorm:"size:32;not null" json:"status"`
	RealmId          string           `gorm:"size:100" json:"realm_id"`
	AccessToken      string           `gorm:"type:text" json:"-"`
	RefreshToken     string           `gorm:"type:text" json:"-"`
	TokenExpiry      *time.Time       `json:"token_expiry"`
	LastRefreshError *string          `gorm:"type:text" json:"last_refresh_error"`
	LastSyncAt       *time.Time       `json:"last_sync_at"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// NeedsRefresh reports whether the access token expires within skew of now.
func (c LedgerConnection) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.TokenExpiry == nil {
		return false
	}
	return !now.Add(skew).Before(*c.TokenExpiry)
}
