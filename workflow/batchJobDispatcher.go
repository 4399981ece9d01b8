package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/metrics"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/sirupsen/logrus"
)

// BatchJobDispatcher claims queued jobs and runs them one item at a time.
type BatchJobDispatcher struct {
	Queue        *BatchJobQueue
	Logger       *logrus.Logger
	WorkerId     string
	PollInterval time.Duration
}

func NewBatchJobDispatcher(queue *BatchJobQueue, logger *logrus.Logger, s config.SyncSettings) *BatchJobDispatcher {
	poll := s.BatchJobPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &BatchJobDispatcher{
		Queue:        queue,
		Logger:       logger,
		WorkerId:     "batch-" + uuid.NewString(),
		PollInterval: poll,
	}
}

func (d *BatchJobDispatcher) log() *logrus.Entry {
	logger := d.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithFields(logrus.Fields{"field": "batch_job_dispatcher", "worker_id": d.WorkerId})
}

func (d *BatchJobDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		ran, err := d.RunOnce(ctx)
		if err != nil {
			config.LogError(d.Logger, "workflow", "BatchJobDispatcher.Run", "run batch job", nil, err)
		}
		if ran && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.PollInterval):
		}
	}
}

// RunOnce claims and runs a single job. It reports whether a job was claimed.
func (d *BatchJobDispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.Queue.Claim(ctx, d.WorkerId)
	if err != nil || job == nil {
		return false, err
	}
	return true, d.process(ctx, *job)
}

func (d *BatchJobDispatcher) process(ctx context.Context, job models.BatchJob) error {
	q := d.Queue
	entry := d.log().WithFields(logrus.Fields{"tenant_id": job.TenantId, "job_id": job.ID, "job_type": job.JobType})
	// bookkeeping writes outlive shutdown so the claim is never left dangling
	store := context.WithoutCancel(ctx)

	h, err := q.handler(job.JobType)
	if err != nil {
		return d.fail(store, job, entry, err)
	}
	items, err := h.Items(job.Payload)
	if err != nil {
		return d.fail(store, job, entry, err)
	}

	p := progressOf(job)
	if p.Errors == nil {
		p.Errors = []models.BatchJobError{}
	}
	if p.Processed > 0 {
		entry.WithField("processed", p.Processed).Info("resuming batch job")
	}
	for p.Processed < len(items) {
		if ctx.Err() != nil {
			entry.Info("shutting down, releasing batch job")
			return q.release(store, job.ID, d.WorkerId)
		}
		itemId := items[p.Processed]
		itemErr, err := h.Process(store, job, itemId)
		if err != nil {
			return d.fail(store, job, entry, err)
		}
		p.Processed++
		outcome := "success"
		switch {
		case itemErr == nil:
			p.Successful++
		case errors.Is(itemErr, models.ErrAlreadyInvoiced):
			// left in place, not a failure
			p.Skipped++
			outcome = "skipped"
		default:
			p.Failed++
			outcome = "failed"
		}
		if itemErr != nil {
			p.Errors = append(p.Errors, models.BatchJobError{ItemId: itemId, Code: models.ErrorCode(itemErr), Message: itemErr.Error()})
		}
		metrics.RecordBatchItem(string(job.JobType), outcome)

		cancel, err := q.UpdateProgress(store, job.ID, d.WorkerId, p)
		if errors.Is(err, errClaimLost) {
			entry.Warn("batch job claim lost")
			return nil
		}
		if err != nil {
			return err
		}
		if cancel && p.Processed < len(items) {
			entry.WithField("processed", p.Processed).Info("batch job cancelled")
			return d.close(store, job, entry, models.BatchJobStatusCancelled)
		}
	}
	entry.WithFields(logrus.Fields{"successful": p.Successful, "failed": p.Failed, "skipped": p.Skipped}).Info("batch job completed")
	return d.close(store, job, entry, models.BatchJobStatusCompleted)
}

func (d *BatchJobDispatcher) close(ctx context.Context, job models.BatchJob, entry *logrus.Entry, status models.BatchJobStatus) error {
	err := d.Queue.finish(ctx, job.ID, d.WorkerId, status)
	if errors.Is(err, errClaimLost) {
		entry.Warn("batch job claim lost before finishing")
		return nil
	}
	return err
}

func (d *BatchJobDispatcher) fail(ctx context.Context, job models.BatchJob, entry *logrus.Entry, cause error) error {
	entry.WithError(cause).Error("batch job failed")
	if err := d.close(ctx, job, entry, models.BatchJobStatusFailed); err != nil {
		return err
	}
	return cause
}
