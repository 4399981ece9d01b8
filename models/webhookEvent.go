package models

import "time"

// WebhookEvent is one inbound change notification; (tenant_id, webhook_id) is the dedup key.
type WebhookEvent struct {
	ID               uint                    `gorm:"primary_key" json:"id"`
	TenantId         string                  `gorm:"uniqueIndex:idx_webhook_dedup,priority:1;size:64;not null" json:"tenant_id"`
	WebhookId        string                  `gorm:"uniqueIndex:idx_webhook_dedup,priority:2;size:128;not null" json:"webhook_id"`
	EntityType       EntityType              `gorm:"size:32;not null" json:"entity_type"`
	EntityId         string                  `gorm:"size:128;not null" json:"entity_id"`
	EventType        string                  `gorm:"size:32;not null" json:"event_type"`
	Payload          []byte                  `gorm:"type:json" json:"payload"`
	RemoteUpdatedAt  *time.Time              `json:"remote_updated_at"`
	ProcessingStatus WebhookProcessingStatus `gorm:"index;size:20;not null" json:"processing_status"`
	SyncOperationId  *uint                   `gorm:"index" json:"sync_operation_id"`
	ReceivedAt       time.Time               `gorm:"not null" json:"received_at"`
	ProcessedAt      *time.Time              `json:"processed_at"`
}
