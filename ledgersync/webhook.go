package ledgersync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/metrics"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Verifier authenticates a webhook delivery.
type Verifier interface {
	Verify(signature string, payload []byte) bool
}

// HMACVerifier checks a hex or base64 HMAC-SHA256 of the raw body, optionally prefixed "sha256=".
type HMACVerifier struct {
	Secret []byte
}

func (v HMACVerifier) Verify(signature string, payload []byte) bool {
	if len(v.Secret) == 0 {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if got, err := hex.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}
	if got, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}
	return false
}

// Sign produces the hex signature HMACVerifier accepts.
func (v HMACVerifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type WebhookInput struct {
	WebhookId  string            `json:"webhook_id" validate:"required,max=128"`
	EntityType models.EntityType `json:"entity_type" validate:"required"`
	EntityId   string            `json:"entity_id" validate:"required,max=128"`
	EventType  string            `json:"event_type" validate:"required,max=32"`
	UpdatedAt  *time.Time        `json:"updated_at"`
	Payload    json.RawMessage   `json:"payload"`
}

type ReceiveResult struct {
	EventId     uint `json:"event_id"`
	OperationId uint `json:"operation_id,omitempty"`
	Duplicate   bool `json:"duplicate"`
}

// Ingress records webhook deliveries exactly once and turns them into inbound operations.
type Ingress struct {
	DB     *gorm.DB
	Queue  *Queue
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewIngress(db *gorm.DB, queue *Queue, logger *logrus.Logger) *Ingress {
	return &Ingress{DB: db, Queue: queue, Logger: logger}
}

func (in *Ingress) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

// Receive is idempotent on (tenant, webhook_id): a repeated delivery creates nothing and
// reports Duplicate.
func (in *Ingress) Receive(ctx context.Context, tenantId string, input WebhookInput) (ReceiveResult, error) {
	if tenantId == "" {
		return ReceiveResult{}, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return ReceiveResult{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	opType, err := models.ParseSyncOperationType(input.EventType)
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}

	if existing, err := in.findEvent(ctx, tenantId, input.WebhookId); err != nil {
		return ReceiveResult{}, err
	} else if existing != nil {
		metrics.RecordWebhook(string(input.EntityType), "duplicate")
		return duplicateResult(existing), nil
	}

	now := in.now()
	var result ReceiveResult
	err = in.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := models.WebhookEvent{
			TenantId:         tenantId,
			WebhookId:        input.WebhookId,
			EntityType:       input.EntityType,
			EntityId:         input.EntityId,
			EventType:        string(opType),
			Payload:          []byte(input.Payload),
			RemoteUpdatedAt:  input.UpdatedAt,
			ProcessingStatus: models.WebhookStatusReceived,
			ReceivedAt:       now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}

		var localId uint
		mapping, err := models.FindMappingByExternal(ctx, tx, tenantId, input.EntityType, input.EntityId)
		if err != nil {
			return err
		}
		if mapping != nil {
			localId = mapping.LocalId
		}
		eventId := event.ID
		var payload any
		if len(input.Payload) > 0 {
			payload = []byte(input.Payload)
		}
		op, err := in.Queue.Enqueue(ctx, tx, EnqueueInput{
			TenantId:        tenantId,
			EntityType:      input.EntityType,
			EntityId:        localId,
			ExternalId:      input.EntityId,
			Direction:       models.SyncDirectionInbound,
			OperationType:   opType,
			Payload:         payload,
			RemoteUpdatedAt: input.UpdatedAt,
			WebhookEventId:  &eventId,
		})
		if err != nil {
			return err
		}
		if err := tx.Model(&models.WebhookEvent{}).Where("id = ?", event.ID).
			Updates(map[string]interface{}{
				"processing_status": models.WebhookStatusEnqueued,
				"sync_operation_id": op.ID,
			}).Error; err != nil {
			return err
		}
		result = ReceiveResult{EventId: event.ID, OperationId: op.ID}
		return nil
	})
	if err != nil {
		if utils.IsDuplicateKeyErr(err) {
			// a concurrent delivery of the same webhook won the insert
			existing, findErr := in.findEvent(ctx, tenantId, input.WebhookId)
			if findErr == nil && existing != nil {
				metrics.RecordWebhook(string(input.EntityType), "duplicate")
				return duplicateResult(existing), nil
			}
		}
		config.LogError(in.Logger, "ledgersync", "Ingress.Receive", "store webhook", input.WebhookId, err)
		metrics.RecordWebhook(string(input.EntityType), "error")
		return ReceiveResult{}, err
	}
	metrics.RecordWebhook(string(input.EntityType), "accepted")
	in.Queue.Nudge(ctx, tenantId)
	return result, nil
}

func (in *Ingress) findEvent(ctx context.Context, tenantId, webhookId string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := in.DB.WithContext(ctx).
		Where("tenant_id = ? AND webhook_id = ?", tenantId, webhookId).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func duplicateResult(event *models.WebhookEvent) ReceiveResult {
	res := ReceiveResult{EventId: event.ID, Duplicate: true}
	if event.SyncOperationId != nil {
		res.OperationId = *event.SyncOperationId
	}
	return res
}
