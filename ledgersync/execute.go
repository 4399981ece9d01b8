package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/metrics"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/ordersync/ledgersync")

const (
	outcomeSucceeded   = "succeeded"
	outcomeSuperseded  = "superseded"
	outcomeRateLimited = "rate_limited"
	outcomeAuthExpired = "auth_expired"
	outcomeClaimLost   = "claim_lost"
)

// IdempotencyKey is sent with every outbound call so a replayed operation is not applied twice.
func IdempotencyKey(opId uint) string {
	return fmt.Sprintf("op-%d", opId)
}

type outboundBody struct {
	LocalId uint            `json:"local_id"`
	Data    json.RawMessage `json:"data,omitempty"`
	Refs    ResolvedRefs    `json:"refs,omitempty"`
}

// Process executes one claimed operation, records its outcome and returns the outcome label.
func (w *Worker) Process(ctx context.Context, op *models.SyncOperation, refs ResolvedRefs) string {
	ctx, span := tracer.Start(ctx, "ledgersync.process", trace.WithAttributes(
		attribute.Int64("sync.operation_id", int64(op.ID)),
		attribute.String("sync.tenant_id", op.TenantId),
		attribute.String("sync.entity_type", string(op.EntityType)),
		attribute.String("sync.direction", string(op.Direction)),
		attribute.String("sync.operation_type", string(op.OperationType)),
	))
	defer span.End()

	var (
		outcome string
		err     error
	)
	if op.IsOutbound() {
		outcome, err = w.executeOutbound(ctx, op, refs)
	} else {
		outcome, err = w.executeInbound(ctx, op)
	}
	if err == nil {
		span.SetAttributes(attribute.String("sync.outcome", outcome))
		metrics.RecordSyncOutcome(string(op.Direction), string(op.EntityType), outcome)
		return outcome
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	outcome = w.handleFailure(ctx, op, err)
	span.SetAttributes(attribute.String("sync.outcome", outcome))
	metrics.RecordSyncOutcome(string(op.Direction), string(op.EntityType), outcome)
	return outcome
}

func (w *Worker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := w.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// loop shutdown never cancels an in-flight call
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (w *Worker) executeOutbound(ctx context.Context, op *models.SyncOperation, refs ResolvedRefs) (string, error) {
	mapping, err := models.FindMappingByLocal(ctx, w.DB, op.TenantId, op.EntityType, op.EntityId)
	if err != nil {
		return "", &TransientSyncError{Err: err}
	}

	if mapping != nil && op.OperationType != models.SyncOperationDelete &&
		op.LocalUpdatedAt != nil && mapping.LastExternalUpdate != nil &&
		mapping.LastExternalUpdate.After(*op.LocalUpdatedAt) {
		return outcomeSuperseded, w.complete(ctx, op, nil, true, nil)
	}

	opType := op.OperationType
	var externalId, syncToken string
	if mapping != nil {
		externalId = mapping.ExternalId
		syncToken = mapping.SyncToken
	}
	switch {
	case opType == models.SyncOperationCreate && mapping != nil:
		opType = models.SyncOperationUpdate
	case opType == models.SyncOperationUpdate && mapping == nil:
		opType = models.SyncOperationCreate
	case opType == models.SyncOperationDelete && mapping == nil:
		// never reached the ledger
		return outcomeSucceeded, w.complete(ctx, op, nil, false, nil)
	}

	creds, err := w.Tokens.Credentials(ctx, op.TenantId)
	if err != nil {
		return "", err
	}

	callCtx, cancel := w.callContext(ctx)
	defer cancel()
	done := metrics.TrackSyncCall(string(op.EntityType), string(opType))
	resp, err := w.Client.Push(callCtx, LedgerRequest{
		Credentials:    creds,
		EntityType:     op.EntityType,
		OperationType:  opType,
		ExternalId:     externalId,
		SyncToken:      syncToken,
		IdempotencyKey: IdempotencyKey(op.ID),
		Body:           outboundBody{LocalId: op.EntityId, Data: json.RawMessage(op.Payload), Refs: refs},
	})
	done()
	if err != nil {
		return "", err
	}

	return outcomeSucceeded, w.complete(ctx, op, resp.Raw, false, func(tx *gorm.DB) error {
		if opType == models.SyncOperationDelete {
			return tx.Where("tenant_id = ? AND entity_type = ? AND local_id = ?", op.TenantId, op.EntityType, op.EntityId).
				Delete(&models.EntityMapping{}).Error
		}
		extId := resp.Record.Id
		if extId == "" {
			extId = externalId
		}
		if extId == "" {
			return permanent("INVALID_RESPONSE", "ledger returned no id for %s %d", op.EntityType, op.EntityId)
		}
		_, err := models.UpsertMapping(ctx, tx, models.EntityMapping{
			TenantId:        op.TenantId,
			EntityType:      op.EntityType,
			LocalId:         op.EntityId,
			ExternalId:      extId,
			SyncToken:       resp.Record.SyncToken,
			LastLocalUpdate: op.LocalUpdatedAt,
		})
		if errors.Is(err, models.ErrInvalidInput) {
			return &PermanentSyncError{Code: "MAPPING_CONFLICT", Err: err}
		}
		op.ExternalId = extId
		return err
	})
}

func (w *Worker) executeInbound(ctx context.Context, op *models.SyncOperation) (string, error) {
	var (
		mapping *models.EntityMapping
		err     error
	)
	if op.ExternalId != "" {
		mapping, err = models.FindMappingByExternal(ctx, w.DB, op.TenantId, op.EntityType, op.ExternalId)
	} else if op.EntityId > 0 {
		mapping, err = models.FindMappingByLocal(ctx, w.DB, op.TenantId, op.EntityType, op.EntityId)
	}
	if err != nil {
		return "", &TransientSyncError{Err: err}
	}
	var localId uint
	if mapping != nil {
		localId = mapping.LocalId
		op.EntityId = localId
		if op.ExternalId == "" {
			op.ExternalId = mapping.ExternalId
		}
	}

	if mapping != nil && op.RemoteUpdatedAt != nil {
		if mapping.LastLocalUpdate != nil && mapping.LastLocalUpdate.After(*op.RemoteUpdatedAt) {
			return outcomeSuperseded, w.complete(ctx, op, nil, true, nil)
		}
		if mapping.LastExternalUpdate != nil && !op.RemoteUpdatedAt.After(*mapping.LastExternalUpdate) {
			// already applied an equal or newer remote version
			return outcomeSuperseded, w.complete(ctx, op, nil, true, nil)
		}
	}

	deleted := op.OperationType == models.SyncOperationDelete
	var rec LedgerRecord
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &rec); err != nil {
			return "", permanent("INVALID_PAYLOAD", "decode inbound %s payload: %v", op.EntityType, err)
		}
	}
	if !deleted && !rec.HasData() {
		creds, err := w.Tokens.Credentials(ctx, op.TenantId)
		if err != nil {
			return "", err
		}
		callCtx, cancel := w.callContext(ctx)
		done := metrics.TrackSyncCall(string(op.EntityType), "get")
		rec, err = w.Client.Get(callCtx, creds, op.EntityType, op.ExternalId)
		done()
		cancel()
		if err != nil {
			return "", err
		}
	}
	if rec.Id == "" {
		rec.Id = op.ExternalId
	}
	remoteUpdated := op.RemoteUpdatedAt
	if remoteUpdated == nil {
		remoteUpdated = rec.UpdatedAt
	}

	apply, ok := inboundAppliers[op.EntityType]
	if !ok {
		return "", permanent("UNSUPPORTED", "no inbound handler for %s", op.EntityType)
	}
	raw, _ := json.Marshal(rec)
	return outcomeSucceeded, w.complete(ctx, op, raw, false, func(tx *gorm.DB) error {
		newLocalId, removed, err := apply(ctx, tx, op.TenantId, localId, rec, deleted)
		if err != nil {
			return err
		}
		if removed {
			return tx.Where("tenant_id = ? AND entity_type = ? AND local_id = ?", op.TenantId, op.EntityType, newLocalId).
				Delete(&models.EntityMapping{}).Error
		}
		if newLocalId == 0 || op.ExternalId == "" {
			return nil
		}
		op.EntityId = newLocalId
		_, err = models.UpsertMapping(ctx, tx, models.EntityMapping{
			TenantId:           op.TenantId,
			EntityType:         op.EntityType,
			LocalId:            newLocalId,
			ExternalId:         op.ExternalId,
			SyncToken:          rec.SyncToken,
			LastExternalUpdate: remoteUpdated,
		})
		if errors.Is(err, models.ErrInvalidInput) {
			return &PermanentSyncError{Code: "MAPPING_CONFLICT", Err: err}
		}
		return err
	})
}

// complete runs extra (if any) and the succeeded transition in one transaction.
func (w *Worker) complete(ctx context.Context, op *models.SyncOperation, response []byte, superseded bool, extra func(tx *gorm.DB) error) error {
	ctx = context.WithoutCancel(ctx)
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return w.Queue.Complete(ctx, tx, op, response, superseded)
	})
}

// handleFailure routes a failed execution by error class and returns the outcome label.
func (w *Worker) handleFailure(ctx context.Context, op *models.SyncOperation, cause error) string {
	ctx = context.WithoutCancel(ctx)
	entry := w.log().WithFields(logrus.Fields{
		"tenant_id":    op.TenantId,
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityId,
		"retry_count":  op.RetryCount,
	})
	if errors.Is(cause, ErrClaimLost) {
		entry.Warn("sync operation was reclaimed while executing")
		return outcomeClaimLost
	}

	now := w.now()
	var (
		outcome string
		err     error
	)
	classified := ClassifyError(cause)
	switch e := classified.(type) {
	case *RateLimitedError:
		metrics.RecordBackpressure("ledger_429")
		outcome = outcomeRateLimited
		err = w.Queue.Requeue(ctx, op, now.Add(e.RetryAfter), op.RetryCount, cause)
	case *AuthExpiredError:
		outcome = outcomeAuthExpired
		if markErr := MarkReconnectRequired(ctx, w.DB, op.TenantId, cause.Error()); markErr != nil {
			config.LogError(w.Logger, "ledgersync", "Worker.handleFailure", "mark reconnect", op.TenantId, markErr)
		}
		err = w.Queue.Requeue(ctx, op, now, op.RetryCount, cause)
	case *PermanentSyncError:
		outcome = "abandoned"
		err = w.Queue.Abandon(ctx, op, op.RetryCount, classified)
	default:
		next := op.RetryCount + 1
		if next >= op.MaxRetries {
			outcome = "abandoned"
			err = w.Queue.Abandon(ctx, op, next, classified)
		} else {
			outcome = "retry"
			err = w.Queue.Requeue(ctx, op, now.Add(w.Backoff(op.RetryCount)), next, cause)
		}
	}
	if err != nil {
		config.LogError(w.Logger, "ledgersync", "Worker.handleFailure", outcome, op.ID, err)
	}
	entry.WithField("outcome", outcome).Warn(cause.Error())
	return outcome
}
