package workflow

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
	"gorm.io/gorm"
)

// BatchJobHandler runs one job type item by item.
type BatchJobHandler interface {
	// Items lists the item ids of a payload in processing order.
	Items(payload []byte) ([]uint, error)
	// Process applies one item. itemErr is recorded against the item and the job goes on;
	// err fails the whole job.
	Process(ctx context.Context, job models.BatchJob, itemId uint) (itemErr error, err error)
}

// BatchJobQueue stores batch jobs and every status change on them. All transitions are
// compare-and-set on the expected status and, while running, on the claiming dispatcher.
type BatchJobQueue struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Handlers map[models.BatchJobType]BatchJobHandler
	Now      func() time.Time
}

func NewBatchJobQueue(db *gorm.DB, handlers map[models.BatchJobType]BatchJobHandler, logger *logrus.Logger) *BatchJobQueue {
	return &BatchJobQueue{DB: db, Logger: logger, Handlers: handlers}
}

func (q *BatchJobQueue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *BatchJobQueue) log() *logrus.Entry {
	logger := q.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithField("field", "batch_job")
}

func (q *BatchJobQueue) handler(jobType models.BatchJobType) (BatchJobHandler, error) {
	h, ok := q.Handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job type %q", models.ErrInvalidInput, jobType)
	}
	return h, nil
}

// Enqueue stores a queued job. Lower priority values are claimed first.
func (q *BatchJobQueue) Enqueue(ctx context.Context, tenantId string, jobType models.BatchJobType, payload any, priority int, createdBy string, canCancel bool) (*models.BatchJob, error) {
	if tenantId == "" {
		return nil, fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	h, err := q.handler(jobType)
	if err != nil {
		return nil, err
	}
	raw, ok := payload.([]byte)
	if !ok {
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode batch job payload: %w", err)
		}
	}
	items, err := h.Items(raw)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: batch job has no items", models.ErrInvalidInput)
	}

	job := models.BatchJob{
		TenantId:   tenantId,
		JobType:    jobType,
		Status:     models.BatchJobStatusQueued,
		Priority:   priority,
		Payload:    raw,
		TotalItems: len(items),
		Errors:     []byte("[]"),
		CanCancel:  canCancel,
		CreatedBy:  createdBy,
	}
	if err := q.DB.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, fmt.Errorf("insert batch job: %w", err)
	}
	q.log().WithFields(logrus.Fields{"tenant_id": tenantId, "job_id": job.ID, "job_type": jobType, "items": len(items)}).Info("batch job queued")
	return &job, nil
}

func (q *BatchJobQueue) Get(ctx context.Context, tenantId string, jobId uint) (*models.BatchJob, error) {
	var job models.BatchJob
	err := q.DB.WithContext(ctx).Where("id = ? AND tenant_id = ?", jobId, tenantId).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", models.ErrJobNotFound, jobId)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns the tenant's newest jobs, optionally filtered by status.
func (q *BatchJobQueue) List(ctx context.Context, tenantId string, status models.BatchJobStatus, limit int) ([]models.BatchJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := q.DB.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if status != "" {
		db = db.Where("status = ?", status)
	}
	var jobs []models.BatchJob
	if err := db.Order("id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Cancel asks a running cancellable job to stop; the dispatcher stops between items.
func (q *BatchJobQueue) Cancel(ctx context.Context, tenantId string, jobId uint) (*models.BatchJob, error) {
	job, err := q.Get(ctx, tenantId, jobId)
	if err != nil {
		return nil, err
	}
	if !job.CanCancel || job.Status != models.BatchJobStatusRunning {
		return nil, fmt.Errorf("%w: job %d is %s", models.ErrJobNotCancellable, jobId, job.Status)
	}
	res := q.DB.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND tenant_id = ? AND status = ? AND can_cancel = ?", jobId, tenantId, models.BatchJobStatusRunning, true).
		Update("cancel_requested", true)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("%w: job %d finished", models.ErrJobNotCancellable, jobId)
	}
	job.CancelRequested = true
	q.log().WithFields(logrus.Fields{"tenant_id": tenantId, "job_id": jobId}).Info("batch job cancel requested")
	return job, nil
}

// Claim moves the next queued job to running for workerId. It returns nil when
// nothing is queued or every candidate was taken by another dispatcher.
func (q *BatchJobQueue) Claim(ctx context.Context, workerId string) (*models.BatchJob, error) {
	var candidates []models.BatchJob
	if err := q.DB.WithContext(ctx).
		Where("status = ?", models.BatchJobStatusQueued).
		Order("priority ASC, id ASC").
		Limit(10).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	now := q.now()
	for _, c := range candidates {
		res := q.DB.WithContext(ctx).Model(&models.BatchJob{}).
			Where("id = ? AND status = ?", c.ID, models.BatchJobStatusQueued).
			Updates(map[string]interface{}{
				"status":       models.BatchJobStatusRunning,
				"claimed_by":   workerId,
				"heartbeat_at": now,
				"started_at":   gorm.Expr("COALESCE(started_at, ?)", now),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			var job models.BatchJob
			if err := q.DB.WithContext(ctx).Where("id = ?", c.ID).Take(&job).Error; err != nil {
				return nil, err
			}
			return &job, nil
		}
	}
	return nil, nil
}

// Progress is the running tally written after each item.
type Progress struct {
	Processed  int
	Successful int
	Failed     int
	Skipped    int
	Errors     []models.BatchJobError
}

func progressOf(job models.BatchJob) Progress {
	return Progress{
		Processed:  job.ProcessedItems,
		Successful: job.SuccessfulItems,
		Failed:     job.FailedItems,
		Skipped:    job.SkippedItems,
		Errors:     job.DecodeErrors(),
	}
}

// errClaimLost means the job is no longer running under this dispatcher.
var errClaimLost = errors.New("batch job claim lost")

// UpdateProgress stores p and refreshes the heartbeat. It reports whether a cancel was
// requested, and errClaimLost when another process reset or finished the job.
func (q *BatchJobQueue) UpdateProgress(ctx context.Context, jobId uint, workerId string, p Progress) (bool, error) {
	errs, err := json.Marshal(p.Errors)
	if err != nil {
		return false, err
	}
	res := q.DB.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ? AND claimed_by = ?", jobId, models.BatchJobStatusRunning, workerId).
		Updates(map[string]interface{}{
			"processed_items":  p.Processed,
			"successful_items": p.Successful,
			"failed_items":     p.Failed,
			"skipped_items":    p.Skipped,
			"errors":           errs,
			"heartbeat_at":     q.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, errClaimLost
	}
	var cancel bool
	if err := q.DB.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ?", jobId).
		Select("cancel_requested").
		Scan(&cancel).Error; err != nil {
		return false, err
	}
	return cancel, nil
}

func (q *BatchJobQueue) finish(ctx context.Context, jobId uint, workerId string, status models.BatchJobStatus) error {
	res := q.DB.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ? AND claimed_by = ?", jobId, models.BatchJobStatusRunning, workerId).
		Updates(map[string]interface{}{
			"status":       status,
			"finished_at":  q.now(),
			"heartbeat_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errClaimLost
	}
	return nil
}

// release hands a running job back to the queue, keeping its progress.
func (q *BatchJobQueue) release(ctx context.Context, jobId uint, workerId string) error {
	return q.DB.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ? AND claimed_by = ?", jobId, models.BatchJobStatusRunning, workerId).
		Updates(map[string]interface{}{
			"status":       models.BatchJobStatusQueued,
			"claimed_by":   nil,
			"heartbeat_at": nil,
		}).Error
}

func (q *BatchJobQueue) staleQuery(ctx context.Context, staleness time.Duration) *gorm.DB {
	cutoff := q.now().Add(-staleness)
	return q.DB.WithContext(ctx).Model(&models.BatchJob{}).
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", models.BatchJobStatusRunning, cutoff)
}

// FindStuckJobs lists running jobs whose heartbeat is older than staleness.
func (q *BatchJobQueue) FindStuckJobs(ctx context.Context, staleness time.Duration) ([]models.BatchJob, error) {
	var jobs []models.BatchJob
	if err := q.staleQuery(ctx, staleness).Order("id ASC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ResetStuckJobs puts stale running jobs back to queued so a dispatcher resumes them from
// processed_items. A stale job that was asked to cancel is closed as cancelled instead.
func (q *BatchJobQueue) ResetStuckJobs(ctx context.Context, staleness time.Duration) (int, error) {
	if staleness <= 0 {
		return 0, fmt.Errorf("%w: staleness must be positive", models.ErrInvalidInput)
	}
	now := q.now()
	cancelled := q.staleQuery(ctx, staleness).
		Where("cancel_requested = ?", true).
		Updates(map[string]interface{}{
			"status":       models.BatchJobStatusCancelled,
			"claimed_by":   nil,
			"heartbeat_at": nil,
			"finished_at":  now,
		})
	if cancelled.Error != nil {
		return 0, cancelled.Error
	}
	requeued := q.staleQuery(ctx, staleness).
		Updates(map[string]interface{}{
			"status":       models.BatchJobStatusQueued,
			"claimed_by":   nil,
			"heartbeat_at": nil,
		})
	if requeued.Error != nil {
		return 0, requeued.Error
	}
	n := int(cancelled.RowsAffected + requeued.RowsAffected)
	if n > 0 {
		metrics.BatchJobsResetTotal.Add(float64(n))
		q.log().WithFields(logrus.Fields{"requeued": requeued.RowsAffected, "cancelled": cancelled.RowsAffected}).Warn("reset stuck batch jobs")
	}
	return n, nil
}
