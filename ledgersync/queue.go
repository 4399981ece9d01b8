package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const PriorityInbound = 5

var defaultPriorities = map[models.EntityType]int{
	models.EntityTypeCustomer:    10,
	models.EntityTypeTax:         10,
	models.EntityTypePaymentMode: 10,
	models.EntityTypeItem:        20,
	models.EntityTypeInvoice:     30,
	models.EntityTypePayment:     40,
}

// DefaultPriority orders dependencies ahead of the entities that reference them.
func DefaultPriority(t models.EntityType, dir models.SyncDirection) int {
	if dir == models.SyncDirectionInbound {
		return PriorityInbound
	}
	if p, ok := defaultPriorities[t]; ok {
		return p
	}
	return 50
}

type EnqueueInput struct {
	TenantId        string
	EntityType      models.EntityType
	EntityId        uint
	ExternalId      string
	Direction       models.SyncDirection
	OperationType   models.SyncOperationType
	Priority        *int
	Payload         any
	LocalRefs       LocalRefs
	LocalUpdatedAt  *time.Time
	RemoteUpdatedAt *time.Time
	WebhookEventId  *uint
	ScheduledAt     time.Time
}

// Nudger wakes workers after new work is committed.
type Nudger interface {
	Nudge(ctx context.Context, tenantId string)
}

// Queue is the durable sync work queue. Every status change is a compare-and-set.
type Queue struct {
	DB         *gorm.DB
	MaxRetries int
	Nudger     Nudger
	Logger     *logrus.Logger
	Now        func() time.Time
}

func NewQueue(db *gorm.DB, maxRetries int, logger *logrus.Logger) *Queue {
	return &Queue{DB: db, MaxRetries: maxRetries, Logger: logger}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue records a sync operation and its queue item in tx, the caller's transaction.
// A queued outbound create/update for the same entity absorbs the new payload instead.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, in EnqueueInput) (*models.SyncOperation, error) {
	if tx == nil {
		tx = q.DB
	}
	if in.TenantId == "" {
		return nil, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	if !in.EntityType.IsValid() {
		return nil, fmt.Errorf("%w: entity type %q", models.ErrInvalidInput, in.EntityType)
	}
	if in.Direction == "" {
		in.Direction = models.SyncDirectionOutbound
	}
	if in.EntityId == 0 && in.ExternalId == "" {
		return nil, fmt.Errorf("%w: entity id or external id is required", models.ErrInvalidInput)
	}
	now := q.now()
	scheduled := in.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	priority := DefaultPriority(in.EntityType, in.Direction)
	if in.Priority != nil {
		priority = *in.Priority
	}

	var payload, localRefs []byte
	var err error
	if in.Payload != nil {
		if raw, ok := in.Payload.([]byte); ok {
			payload = raw
		} else if payload, err = json.Marshal(in.Payload); err != nil {
			return nil, fmt.Errorf("encode sync payload: %w", err)
		}
	}
	if len(in.LocalRefs) > 0 {
		if localRefs, err = json.Marshal(in.LocalRefs); err != nil {
			return nil, fmt.Errorf("encode local refs: %w", err)
		}
	}

	if in.Direction == models.SyncDirectionOutbound && in.OperationType != models.SyncOperationDelete && in.EntityId > 0 {
		merged, err := q.coalesce(ctx, tx, in, payload, localRefs)
		if err != nil {
			return nil, err
		}
		if merged != nil {
			return merged, nil
		}
	}

	maxRetries := q.MaxRetries
	if maxRetries <= 0 {
		maxRetries = config.DefaultSyncSettings().MaxRetries
	}
	op := models.SyncOperation{
		TenantId:        in.TenantId,
		EntityType:      in.EntityType,
		EntityId:        in.EntityId,
		ExternalId:      in.ExternalId,
		Direction:       in.Direction,
		OperationType:   in.OperationType,
		Status:          models.SyncStatusQueued,
		Priority:        priority,
		MaxRetries:      maxRetries,
		Payload:         payload,
		LocalRefs:       localRefs,
		LocalUpdatedAt:  in.LocalUpdatedAt,
		RemoteUpdatedAt: in.RemoteUpdatedAt,
		WebhookEventId:  in.WebhookEventId,
		ScheduledAt:     scheduled,
	}
	if err := tx.WithContext(ctx).Create(&op).Error; err != nil {
		return nil, fmt.Errorf("insert sync operation: %w", err)
	}
	if err := tx.WithContext(ctx).Create(queueItemFor(op, scheduled)).Error; err != nil {
		return nil, fmt.Errorf("insert sync queue item: %w", err)
	}
	return &op, nil
}

func (q *Queue) coalesce(ctx context.Context, tx *gorm.DB, in EnqueueInput, payload, localRefs []byte) (*models.SyncOperation, error) {
	var latest models.SyncOperation
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND status IN ?",
			in.TenantId, in.EntityType, in.EntityId, models.UnfinishedSyncStatuses).
		Order("id DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if latest.Status != models.SyncStatusQueued || latest.Direction != models.SyncDirectionOutbound ||
		latest.OperationType == models.SyncOperationDelete {
		return nil, nil
	}
	updates := map[string]interface{}{"payload": payload, "local_refs": localRefs}
	if in.LocalUpdatedAt != nil {
		updates["local_updated_at"] = in.LocalUpdatedAt
	}
	res := tx.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("id = ? AND status = ?", latest.ID, models.SyncStatusQueued).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, nil
	}
	latest.Payload = payload
	latest.LocalRefs = localRefs
	if in.LocalUpdatedAt != nil {
		latest.LocalUpdatedAt = in.LocalUpdatedAt
	}
	return &latest, nil
}

// EnsureSynced enqueues an outbound create for an entity that has neither a mapping nor
// unfinished outbound work. It returns nil when nothing was needed.
func (q *Queue) EnsureSynced(ctx context.Context, tx *gorm.DB, in EnqueueInput) (*models.SyncOperation, error) {
	if tx == nil {
		tx = q.DB
	}
	mapping, err := models.FindMappingByLocal(ctx, tx, in.TenantId, in.EntityType, in.EntityId)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		return nil, nil
	}
	var pending int64
	if err := tx.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND direction = ? AND status IN ?",
			in.TenantId, in.EntityType, in.EntityId, models.SyncDirectionOutbound, models.UnfinishedSyncStatuses).
		Count(&pending).Error; err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, nil
	}
	in.Direction = models.SyncDirectionOutbound
	in.OperationType = models.SyncOperationCreate
	return q.Enqueue(ctx, tx, in)
}

// Nudge is called after the enqueuing transaction commits.
func (q *Queue) Nudge(ctx context.Context, tenantId string) {
	if q.Nudger != nil {
		q.Nudger.Nudge(ctx, tenantId)
	}
}

func queueItemFor(op models.SyncOperation, at time.Time) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		TenantId:        op.TenantId,
		EntityType:      op.EntityType,
		EntityId:        op.EntityId,
		OperationType:   op.OperationType,
		Priority:        op.Priority,
		ScheduledAt:     at,
		SyncOperationId: op.ID,
	}
}

// Candidates returns due queue items in dispatch order.
func (q *Queue) Candidates(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = 25
	}
	var items []models.SyncQueueItem
	err := q.DB.WithContext(ctx).
		Where("scheduled_at <= ?", q.now()).
		Order("priority ASC, scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (q *Queue) Operation(ctx context.Context, id uint) (*models.SyncOperation, error) {
	var op models.SyncOperation
	if err := q.DB.WithContext(ctx).Where("id = ?", id).Take(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

// HasOlderUnfinished reports whether an earlier operation on the same entity is still queued
// or in progress.
func (q *Queue) HasOlderUnfinished(ctx context.Context, op models.SyncOperation) (bool, error) {
	query := q.DB.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("tenant_id = ? AND entity_type = ? AND id < ? AND status IN ?",
			op.TenantId, op.EntityType, op.ID, models.UnfinishedSyncStatuses)
	switch {
	case op.EntityId > 0 && op.ExternalId != "":
		query = query.Where("(entity_id = ? OR (entity_id = 0 AND external_id = ?))", op.EntityId, op.ExternalId)
	case op.EntityId > 0:
		query = query.Where("entity_id = ?", op.EntityId)
	default:
		query = query.Where("entity_id = 0 AND external_id = ?", op.ExternalId)
	}
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim moves the operation queued -> in_progress and deletes its queue item.
// ErrClaimLost means another worker got there first.
func (q *Queue) Claim(ctx context.Context, item models.SyncQueueItem, workerId string) (*models.SyncOperation, error) {
	var op models.SyncOperation
	now := q.now()
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SyncOperation{}).
			Where("id = ? AND status = ?", item.SyncOperationId, models.SyncStatusQueued).
			Updates(map[string]interface{}{
				"status":     models.SyncStatusInProgress,
				"locked_by":  workerId,
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimLost
		}
		if err := tx.Where("sync_operation_id = ?", item.SyncOperationId).Delete(&models.SyncQueueItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", item.SyncOperationId).Take(&op).Error
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Hold pushes a queue item back while its dependencies are missing. The operation stays queued.
func (q *Queue) Hold(ctx context.Context, item models.SyncQueueItem, until time.Time, reason string) error {
	return q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SyncQueueItem{}).Where("id = ?", item.ID).
			Update("scheduled_at", until).Error; err != nil {
			return err
		}
		return tx.Model(&models.SyncOperation{}).
			Where("id = ? AND status = ?", item.SyncOperationId, models.SyncStatusQueued).
			Update("last_error", reason).Error
	})
}

func transition(tx *gorm.DB, opId uint, from models.SyncStatus, updates map[string]interface{}) error {
	res := tx.Model(&models.SyncOperation{}).Where("id = ? AND status = ?", opId, from).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrClaimLost
	}
	return nil
}

// Complete marks the claimed operation succeeded inside tx.
func (q *Queue) Complete(ctx context.Context, tx *gorm.DB, op *models.SyncOperation, response []byte, superseded bool) error {
	now := q.now()
	updates := map[string]interface{}{
		"status":       models.SyncStatusSucceeded,
		"superseded":   superseded,
		"completed_at": now,
		"last_error":   nil,
	}
	if len(response) > 0 {
		updates["response"] = response
	}
	if op.ResolvedRefs != nil {
		updates["resolved_refs"] = op.ResolvedRefs
	}
	if op.EntityId > 0 {
		updates["entity_id"] = op.EntityId
	}
	if op.ExternalId != "" {
		updates["external_id"] = op.ExternalId
	}
	if err := transition(tx.WithContext(ctx), op.ID, models.SyncStatusInProgress, updates); err != nil {
		return err
	}
	if op.WebhookEventId != nil {
		if err := tx.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", *op.WebhookEventId).
			Updates(map[string]interface{}{"processing_status": models.WebhookStatusProcessed, "processed_at": now}).Error; err != nil {
			return err
		}
	}
	if err := tx.WithContext(ctx).Model(&models.LedgerConnection{}).Where("tenant_id = ?", op.TenantId).
		Update("last_sync_at", now).Error; err != nil {
		return err
	}
	op.Status = models.SyncStatusSucceeded
	op.Superseded = superseded
	op.CompletedAt = &now
	return nil
}

// Requeue returns a claimed operation to the queue at the given time.
func (q *Queue) Requeue(ctx context.Context, op *models.SyncOperation, at time.Time, retryCount int, cause error) error {
	var lastErr interface{}
	if cause != nil {
		lastErr = cause.Error()
	}
	return q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, op.ID, models.SyncStatusInProgress, map[string]interface{}{
			"status":       models.SyncStatusQueued,
			"retry_count":  retryCount,
			"scheduled_at": at,
			"last_error":   lastErr,
			"locked_by":    nil,
			"started_at":   nil,
		}); err != nil {
			return err
		}
		op.Status = models.SyncStatusQueued
		op.RetryCount = retryCount
		op.ScheduledAt = at
		return tx.Create(queueItemFor(*op, at)).Error
	})
}

// Release returns a claimed operation to the queue untouched, keeping its retry count and last error.
func (q *Queue) Release(ctx context.Context, op *models.SyncOperation, at time.Time) error {
	return q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, op.ID, models.SyncStatusInProgress, map[string]interface{}{
			"status":       models.SyncStatusQueued,
			"scheduled_at": at,
			"locked_by":    nil,
			"started_at":   nil,
		}); err != nil {
			return err
		}
		op.Status = models.SyncStatusQueued
		op.ScheduledAt = at
		return tx.Create(queueItemFor(*op, at)).Error
	})
}

// Abandon terminates a claimed operation and records it in the error registry.
func (q *Queue) Abandon(ctx context.Context, op *models.SyncOperation, retryCount int, cause error) error {
	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var transient *TransientSyncError
	retryable := errors.As(cause, &transient)
	return q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, op.ID, models.SyncStatusInProgress, map[string]interface{}{
			"status":       models.SyncStatusAbandoned,
			"retry_count":  retryCount,
			"last_error":   msg,
			"completed_at": now,
		}); err != nil {
			return err
		}
		opId := op.ID
		record := models.SyncErrorRecord{
			TenantId:        op.TenantId,
			SyncOperationId: &opId,
			EntityType:      op.EntityType,
			EntityId:        op.EntityId,
			ExternalId:      op.ExternalId,
			Direction:       string(op.Direction),
			ErrorCode:       ErrorCode(cause),
			Message:         msg,
			PayloadJSON:     op.Payload,
			Retryable:       retryable,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if op.WebhookEventId != nil {
			if err := tx.Model(&models.WebhookEvent{}).Where("id = ?", *op.WebhookEventId).
				Updates(map[string]interface{}{"processing_status": models.WebhookStatusFailed, "processed_at": now}).Error; err != nil {
				return err
			}
		}
		op.Status = models.SyncStatusAbandoned
		op.RetryCount = retryCount
		op.LastError = &msg
		return nil
	})
}

// ReclaimStale returns operations stuck in_progress longer than lockTimeout to the queue.
func (q *Queue) ReclaimStale(ctx context.Context, lockTimeout time.Duration) (int, error) {
	now := q.now()
	cutoff := now.Add(-lockTimeout)
	var stale []models.SyncOperation
	if err := q.DB.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.SyncStatusInProgress, cutoff).
		Order("id ASC").Limit(500).
		Find(&stale).Error; err != nil {
		return 0, err
	}
	reclaimed := 0
	for i := range stale {
		op := stale[i]
		err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.SyncOperation{}).
				Where("id = ? AND status = ? AND started_at < ?", op.ID, models.SyncStatusInProgress, cutoff).
				Updates(map[string]interface{}{
					"status":       models.SyncStatusQueued,
					"scheduled_at": now,
					"locked_by":    nil,
					"started_at":   nil,
					"last_error":   "reclaimed after lock timeout",
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return ErrClaimLost
			}
			return tx.Create(queueItemFor(op, now)).Error
		})
		if errors.Is(err, ErrClaimLost) {
			continue
		}
		if err != nil {
			config.LogError(q.Logger, "ledgersync", "Queue.ReclaimStale", "reclaim", op.ID, err)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// RetryAbandoned puts an abandoned operation back in the queue with a fresh retry budget.
func (q *Queue) RetryAbandoned(ctx context.Context, tenantId string, opId uint) (*models.SyncOperation, error) {
	now := q.now()
	var op models.SyncOperation
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND id = ?", tenantId, opId).Take(&op).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOperationNotFound
			}
			return err
		}
		if op.Status != models.SyncStatusAbandoned {
			return ErrNotRetryable
		}
		if err := transition(tx, op.ID, models.SyncStatusAbandoned, map[string]interface{}{
			"status":       models.SyncStatusQueued,
			"retry_count":  0,
			"last_error":   nil,
			"scheduled_at": now,
			"completed_at": nil,
			"locked_by":    nil,
			"started_at":   nil,
		}); err != nil {
			return err
		}
		op.Status = models.SyncStatusQueued
		op.RetryCount = 0
		op.ScheduledAt = now
		if err := tx.Create(queueItemFor(op, now)).Error; err != nil {
			return err
		}
		return tx.Model(&models.SyncErrorRecord{}).
			Where("tenant_id = ? AND sync_operation_id = ? AND resolved_at IS NULL", tenantId, op.ID).
			Update("resolved_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	q.Nudge(ctx, tenantId)
	return &op, nil
}

type QueueStats struct {
	ByStatus   map[models.SyncStatus]int64 `json:"by_status"`
	QueueDepth int64                       `json:"queue_depth"`
	OpenErrors int64                       `json:"open_errors"`
}

func (q *Queue) Stats(ctx context.Context, tenantId string) (QueueStats, error) {
	stats := QueueStats{ByStatus: map[models.SyncStatus]int64{}}
	var rows []struct {
		Status models.SyncStatus
		Count  int64
	}
	if err := q.DB.WithContext(ctx).Model(&models.SyncOperation{}).
		Select("status, COUNT(*) AS count").
		Where("tenant_id = ?", tenantId).
		Group("status").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
	}
	if err := q.DB.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("tenant_id = ?", tenantId).Count(&stats.QueueDepth).Error; err != nil {
		return stats, err
	}
	if err := q.DB.WithContext(ctx).Model(&models.SyncErrorRecord{}).
		Where("tenant_id = ? AND resolved_at IS NULL", tenantId).Count(&stats.OpenErrors).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// Depth counts every queue item across tenants.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.DB.WithContext(ctx).Model(&models.SyncQueueItem{}).Count(&n).Error
	return n, err
}
