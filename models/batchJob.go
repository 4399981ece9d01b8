package models

import (
	"encoding/json"
	"time"
)

type BatchJob struct {
	ID              uint           `gorm:"primary_key" json:"id"`
	TenantId        string         `gorm:"index;size:64;not null" json:"tenant_id"`
	JobType         BatchJobType   `gorm:"size:32;not null" json:"job_type"`
	Status          BatchJobStatus `gorm:"index:idx_batch_job_dispatch,priority:1;size:20;not null" json:"status"`
	Priority        int            `gorm:"index:idx_batch_job_dispatch,priority:2;not null;default:0" json:"priority"`
	Payload         []byte         `gorm:"type:json" json:"payload"`
	TotalItems      int            `gorm:"not null;default:0" json:"total_items"`
	ProcessedItems  int            `gorm:"not null;default:0" json:"processed_items"`
	SuccessfulItems int            `gorm:"not null;default:0" json:"successful_items"`
	FailedItems     int            `gorm:"not null;default:0" json:"failed_items"`
	SkippedItems    int            `gorm:"not null;default:0" json:"skipped_items"`
	Errors          []byte         `gorm:"type:json" json:"errors"`
	CanCancel       bool           `gorm:"not null;default:false" json:"can_cancel"`
	CancelRequested bool           `gorm:"not null;default:false" json:"cancel_requested"`
	ClaimedBy       *string        `gorm:"size:64" json:"claimed_by"`
	HeartbeatAt     *time.Time     `json:"heartbeat_at"`
	StartedAt       *time.Time     `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at"`
	CreatedBy       string         `gorm:"size:64" json:"created_by"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// BatchJobError is one failed or skipped item inside a batch job.
type BatchJobError struct {
	ItemId  uint   `json:"item_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OrderIdsPayload is the payload of the order batch jobs.
type OrderIdsPayload struct {
	OrderIds []uint `json:"order_ids"`
}

func (j BatchJob) DecodeErrors() []BatchJobError {
	if len(j.Errors) == 0 {
		return nil
	}
	var out []BatchJobError
	if err := json.Unmarshal(j.Errors, &out); err != nil {
		return nil
	}
	return out
}

func (j BatchJob) PercentComplete() int {
	if j.TotalItems <= 0 {
		if j.Status == BatchJobStatusCompleted {
			return 100
		}
		return 0
	}
	return j.ProcessedItems * 100 / j.TotalItems
}
