package models

import (
	"strconv"
	"time"
)

// SyncOperation is one reconciliation action against the external ledger.
// Every status change is a compare-and-set on the expected previous status.
type SyncOperation struct {
	ID            uint              `gorm:"primary_key" json:"id"`
	TenantId      string            `gorm:"index:idx_sync_op_entity,priority:1;size:64;not null" json:"tenant_id"`
	EntityType    EntityType        `gorm:"index:idx_sync_op_entity,priority:2;size:32;not null" json:"entity_type"`
	EntityId      uint              `gorm:"index:idx_sync_op_entity,priority:3" json:"entity_id"`
	ExternalId    string            `gorm:"index;size:128" json:"external_id"`
	Direction     SyncDirection     `gorm:"size:16;not null" json:"direction"`
	OperationType SyncOperationType `gorm:"size:16;not null" json:"operation_type"`
	Status        SyncStatus        `gorm:"index;size:20;not null" json:"status"`
	Priority      int               `gorm:"not null;default:0" json:"priority"`
	RetryCount    int               `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries    int               `gorm:"not null;default:0" json:"max_retries"`
	LastError     *string           `gorm:"type:text" json:"last_error"`
	Payload       []byte            `gorm:"type:json" json:"payload"`
	Response      []byte            `gorm:"type:json" json:"response"`
	// local ids this operation references, keyed by entity type
	LocalRefs []byte `gorm:"type:json" json:"local_refs"`
	// external ids of referenced entities, filled by the dependency resolver
	ResolvedRefs    []byte     `gorm:"type:json" json:"resolved_refs"`
	LocalUpdatedAt  *time.Time `json:"local_updated_at"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at"`
	Superseded      bool       `gorm:"not null;default:false" json:"superseded"`
	WebhookEventId  *uint      `gorm:"index" json:"webhook_event_id"`
	LockedBy        *string    `gorm:"size:64" json:"locked_by"`
	ScheduledAt     time.Time  `gorm:"not null" json:"scheduled_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EntityKey identifies the entity an operation targets. Inbound operations for
// entities not yet known locally carry only the external id.
func (op SyncOperation) EntityKey() string {
	if op.EntityId > 0 {
		return string(op.EntityType) + ":" + strconv.FormatUint(uint64(op.EntityId), 10)
	}
	return string(op.EntityType) + ":ext:" + op.ExternalId
}

func (op SyncOperation) IsOutbound() bool {
	return op.Direction == SyncDirectionOutbound
}

// SyncQueueItem is the dispatch pointer for a queued SyncOperation.
// It is deleted in the transaction that claims the operation.
type SyncQueueItem struct {
	ID              uint              `gorm:"primary_key" json:"id"`
	TenantId        string            `gorm:"index;size:64;not null" json:"tenant_id"`
	EntityType      EntityType        `gorm:"size:32;not null" json:"entity_type"`
	EntityId        uint              `json:"entity_id"`
	OperationType   SyncOperationType `gorm:"size:16;not null" json:"operation_type"`
	Priority        int               `gorm:"index:idx_sync_queue_order,priority:1;not null" json:"priority"`
	ScheduledAt     time.Time         `gorm:"index:idx_sync_queue_order,priority:2;not null" json:"scheduled_at"`
	SyncOperationId uint              `gorm:"uniqueIndex;not null" json:"sync_operation_id"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// SyncErrorRecord is the operator-facing error registry row.
type SyncErrorRecord struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	TenantId        string     `gorm:"index;size:64;not null" json:"tenant_id"`
	SyncOperationId *uint      `gorm:"index" json:"sync_operation_id"`
	EntityType      EntityType `gorm:"size:32" json:"entity_type"`
	EntityId        uint       `json:"entity_id"`
	ExternalId      string     `gorm:"size:128" json:"external_id"`
	Direction       string     `gorm:"size:16" json:"direction"`
	ErrorCode       string     `gorm:"size:64" json:"error_code"`
	Message         string     `gorm:"type:text" json:"message"`
	PayloadJSON     []byte     `gorm:"type:json" json:"payload"`
	Retryable       bool       `gorm:"default:false" json:"retryable"`
	ResolvedAt      *time.Time `json:"resolved_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
