package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusReviewed OrderStatus = "reviewed"
	OrderStatusInvoiced OrderStatus = "invoiced"
	OrderStatusCanceled OrderStatus = "canceled"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusReviewed, OrderStatusInvoiced, OrderStatusCanceled:
		return true
	}
	return false
}

// Terminal statuses never transition again.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusInvoiced || s == OrderStatusCanceled
}

type InvoiceStatus string

const (
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
)

type EntityType string

const (
	EntityTypeCustomer    EntityType = "customer"
	EntityTypeItem        EntityType = "item"
	EntityTypeInvoice     EntityType = "invoice"
	EntityTypePayment     EntityType = "payment"
	EntityTypeTax         EntityType = "tax"
	EntityTypePaymentMode EntityType = "payment_mode"
)

var entityTypes = map[string]EntityType{
	"customer":     EntityTypeCustomer,
	"item":         EntityTypeItem,
	"invoice":      EntityTypeInvoice,
	"payment":      EntityTypePayment,
	"tax":          EntityTypeTax,
	"payment_mode": EntityTypePaymentMode,
}

func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityTypeCustomer, EntityTypeTax, EntityTypePaymentMode,
		EntityTypeItem, EntityTypeInvoice, EntityTypePayment,
	}
}

// ParseEntityType accepts case-insensitive names and the ledger's CamelCase spellings ("PaymentMode").
func ParseEntityType(s string) (EntityType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if t, ok := entityTypes[key]; ok {
		return t, nil
	}
	if key == "paymentmode" || key == "paymentmethod" {
		return EntityTypePaymentMode, nil
	}
	return "", fmt.Errorf("invalid entity type %q", s)
}

func (t EntityType) IsValid() bool {
	_, ok := entityTypes[string(t)]
	return ok
}

func (t *EntityType) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseEntityType(str)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type SyncDirection string

const (
	SyncDirectionOutbound SyncDirection = "outbound"
	SyncDirectionInbound  SyncDirection = "inbound"
)

type SyncOperationType string

const (
	SyncOperationCreate SyncOperationType = "create"
	SyncOperationUpdate SyncOperationType = "update"
	SyncOperationDelete SyncOperationType = "delete"
)

func ParseSyncOperationType(s string) (SyncOperationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "created":
		return SyncOperationCreate, nil
	case "update", "updated":
		return SyncOperationUpdate, nil
	case "delete", "deleted", "void", "voided":
		return SyncOperationDelete, nil
	}
	return "", fmt.Errorf("invalid operation type %q", s)
}

type SyncStatus string

const (
	SyncStatusQueued     SyncStatus = "queued"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusSucceeded  SyncStatus = "succeeded"
	// failed is reported in logs/metrics; the row itself goes back to queued or to abandoned
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusAbandoned SyncStatus = "abandoned"
)

func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusSucceeded || s == SyncStatusAbandoned
}

// unfinished statuses block later operations on the same entity
var UnfinishedSyncStatuses = []SyncStatus{SyncStatusQueued, SyncStatusInProgress}

type ConnectionStatus string

const (
	ConnectionStatusConnected         ConnectionStatus = "connected"
	ConnectionStatusReconnectRequired ConnectionStatus = "reconnect_required"
	ConnectionStatusDisconnected      ConnectionStatus = "disconnected"
)

type BatchJobStatus string

const (
	BatchJobStatusQueued    BatchJobStatus = "queued"
	BatchJobStatusRunning   BatchJobStatus = "running"
	BatchJobStatusCompleted BatchJobStatus = "completed"
	BatchJobStatusFailed    BatchJobStatus = "failed"
	BatchJobStatusCancelled BatchJobStatus = "cancelled"
)

func (s BatchJobStatus) IsTerminal() bool {
	return s == BatchJobStatusCompleted || s == BatchJobStatusFailed || s == BatchJobStatusCancelled
}

type BatchJobType string

const (
	BatchJobTypeInvoice BatchJobType = "batch_invoice"
	BatchJobTypeReview  BatchJobType = "batch_review"
	BatchJobTypeDelete  BatchJobType = "batch_delete"
)

type WebhookProcessingStatus string

const (
	WebhookStatusReceived  WebhookProcessingStatus = "received"
	WebhookStatusEnqueued  WebhookProcessingStatus = "enqueued"
	WebhookStatusProcessed WebhookProcessingStatus = "processed"
	WebhookStatusFailed    WebhookProcessingStatus = "failed"
)
