package ledgersync

import (
	"time"

	"github.com/mmdatafocus/ordersync/models"
)

type ConnectRequest struct {
	RealmId      string `json:"realm_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// seconds until the access token expires
	ExpiresIn int `json:"expires_in"`
}

type ConnectionResponse struct {
	Status           models.ConnectionStatus `json:"status"`
	RealmId          string                  `json:"realm_id,omitempty"`
	TokenExpiry      *string                 `json:"token_expiry,omitempty"`
	LastRefreshError *string                 `json:"last_refresh_error,omitempty"`
}

type StatusResponse struct {
	Connection ConnectionResponse `json:"connection"`
	LastSyncAt *string            `json:"last_sync_at"`
	Queue      QueueStats         `json:"queue"`
}

type SyncErrorResponse struct {
	ID          uint              `json:"id"`
	OperationId *uint             `json:"operation_id"`
	EntityType  models.EntityType `json:"entity_type"`
	EntityId    uint              `json:"entity_id"`
	ExternalId  string            `json:"external_id"`
	Direction   string            `json:"direction"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Retryable   bool              `json:"retryable"`
	ResolvedAt  *string           `json:"resolved_at"`
	CreatedAt   string            `json:"created_at"`
}

// NudgeMessage is published after sync work is enqueued.
type NudgeMessage struct {
	TenantId string    `json:"tenant_id"`
	At       time.Time `json:"at"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapErrors(records []models.SyncErrorRecord) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(records))
	for _, r := range records {
		out = append(out, SyncErrorResponse{
			ID:          r.ID,
			OperationId: r.SyncOperationId,
			EntityType:  r.EntityType,
			EntityId:    r.EntityId,
			ExternalId:  r.ExternalId,
			Direction:   r.Direction,
			Code:        r.ErrorCode,
			Message:     r.Message,
			Retryable:   r.Retryable,
			ResolvedAt:  formatTime(r.ResolvedAt),
			CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
