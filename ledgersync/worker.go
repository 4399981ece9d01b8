package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ordersync/appctx"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/metrics"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Worker drains the sync queue. Any number of workers may run against the same database;
// they coordinate only through the claim compare-and-set.
type Worker struct {
	Queue   *Queue
	DB      *gorm.DB
	Client  LedgerClient
	Tokens  TokenSource
	Limiter RateLimiter
	Graph   *DependencyGraph
	Logger  *logrus.Logger

	WorkerID     string
	BatchSize    int
	PollInterval time.Duration
	CallTimeout  time.Duration
	LockTimeout  time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	HoldDelay    time.Duration
	Now          func() time.Time

	wake chan struct{}
}

func NewWorker(queue *Queue, client LedgerClient, tokens TokenSource, limiter RateLimiter, logger *logrus.Logger, s config.SyncSettings) *Worker {
	host, _ := os.Hostname()
	if limiter == nil {
		limiter = NoLimit{}
	}
	return &Worker{
		Queue:        queue,
		DB:           queue.DB,
		Client:       client,
		Tokens:       tokens,
		Limiter:      limiter,
		Graph:        DefaultDependencyGraph(),
		Logger:       logger,
		WorkerID:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		BatchSize:    s.BatchSize,
		PollInterval: s.PollInterval,
		CallTimeout:  s.CallTimeout,
		LockTimeout:  s.LockTimeout,
		BaseBackoff:  s.BaseBackoff,
		MaxBackoff:   s.MaxBackoff,
		HoldDelay:    s.HoldDelay,
		wake:         make(chan struct{}, 1),
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) log() *logrus.Entry {
	logger := w.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithFields(logrus.Fields{"field": "ledgersync", "worker_id": w.WorkerID})
}

// Wake makes a sleeping Run loop poll immediately.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Backoff is min(base * 2^retryCount, max).
func (w *Worker) Backoff(retryCount int) time.Duration {
	d := w.BaseBackoff
	if d <= 0 {
		d = 5 * time.Second
	}
	for i := 0; i < retryCount; i++ {
		d *= 2
		if w.MaxBackoff > 0 && d >= w.MaxBackoff {
			return w.MaxBackoff
		}
	}
	if w.MaxBackoff > 0 && d > w.MaxBackoff {
		return w.MaxBackoff
	}
	return d
}

// Run polls until ctx is cancelled. An operation already claimed is always finished.
func (w *Worker) Run(ctx context.Context) error {
	ctx = appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)
	poll := w.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	w.log().Info("sync worker started")
	for {
		_, progressed, err := w.runPass(ctx)
		if err != nil && ctx.Err() == nil {
			config.LogError(w.Logger, "ledgersync", "Worker.Run", "poll", w.WorkerID, err)
		}
		if ctx.Err() != nil {
			w.log().Info("sync worker stopped")
			return nil
		}
		// only a pass that finished work polls again at once; requeues wait for the next tick
		if progressed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.log().Info("sync worker stopped")
			return nil
		case <-w.wake:
		case <-time.After(poll):
		}
	}
}

// RunOnce makes one pass over due queue items and returns how many it executed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	executed, _, err := w.runPass(ctx)
	return executed, err
}

// runPass returns the claimed operations and how many of them reached a result other than
// a requeue for backpressure or reauthorization.
func (w *Worker) runPass(ctx context.Context) (executed int, progressed int, err error) {
	if depth, err := w.Queue.Depth(ctx); err == nil {
		metrics.SyncQueueDepth.WithLabelValues("queue").Set(float64(depth))
	}
	items, err := w.Queue.Candidates(ctx, w.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("load sync candidates: %w", err)
	}

	halted := map[string]bool{}
	throttled := map[string]bool{}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		op, err := w.Queue.Operation(ctx, item.SyncOperationId)
		if errors.Is(err, ErrOperationNotFound) || (err == nil && op.Status != models.SyncStatusQueued) {
			// orphaned pointer
			if err := w.DB.WithContext(ctx).Where("id = ?", item.ID).Delete(&models.SyncQueueItem{}).Error; err != nil {
				config.LogError(w.Logger, "ledgersync", "Worker.RunOnce", "delete orphaned queue item", item.ID, err)
			}
			continue
		}
		if err != nil {
			return executed, progressed, err
		}
		if throttled[op.TenantId] {
			continue
		}
		if needsLedger(*op) {
			h, seen := halted[op.TenantId]
			if !seen {
				h = w.outboundHalted(ctx, op.TenantId)
				halted[op.TenantId] = h
			}
			if h {
				metrics.RecordBackpressure("tenant_halted")
				continue
			}
		}

		older, err := w.Queue.HasOlderUnfinished(ctx, *op)
		if err != nil {
			return executed, progressed, err
		}
		if older {
			continue
		}

		res, err := w.Graph.Resolve(ctx, w.DB, *op)
		if err != nil {
			return executed, progressed, err
		}
		if res.IsHeld() {
			reason := "waiting for " + strings.Join(res.Held, ",")
			if err := w.Queue.Hold(ctx, item, w.now().Add(w.HoldDelay), reason); err != nil {
				config.LogError(w.Logger, "ledgersync", "Worker.RunOnce", "hold", op.ID, err)
			}
			metrics.RecordSyncOutcome(string(op.Direction), string(op.EntityType), "held")
			continue
		}

		claimed, err := w.Queue.Claim(ctx, item, w.WorkerID)
		if errors.Is(err, ErrClaimLost) {
			continue
		}
		if err != nil {
			return executed, progressed, err
		}

		// reserve only after the claim is won
		ok, _, err := w.Limiter.Reserve(ctx, op.TenantId)
		if err != nil {
			config.LogError(w.Logger, "ledgersync", "Worker.RunOnce", "rate limiter", op.TenantId, err)
		}
		if !ok {
			throttled[op.TenantId] = true
			metrics.RecordBackpressure("rate_limit")
			if err := w.Queue.Release(ctx, claimed, w.now()); err != nil {
				config.LogError(w.Logger, "ledgersync", "Worker.RunOnce", "release throttled", claimed.ID, err)
			}
			continue
		}
		if len(res.Refs) > 0 {
			claimed.ResolvedRefs = utils.MustJSON(res.Refs)
		}
		executed++
		switch w.Process(ctx, claimed, res.Refs) {
		case outcomeRateLimited, outcomeAuthExpired, outcomeClaimLost:
		default:
			progressed++
		}
	}
	return executed, progressed, nil
}

// needsLedger reports whether executing op calls the ledger, so it must wait while the
// tenant is not connected. Inbound events that carry the record are applied locally.
func needsLedger(op models.SyncOperation) bool {
	if op.IsOutbound() {
		return true
	}
	if op.OperationType == models.SyncOperationDelete {
		return false
	}
	var rec LedgerRecord
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &rec); err != nil {
			// abandoned without a call
			return false
		}
	}
	return !rec.HasData()
}

func (w *Worker) outboundHalted(ctx context.Context, tenantId string) bool {
	if config.OutboundSyncDisabledFor(tenantId) {
		return true
	}
	conn, err := LoadConnection(ctx, w.DB, tenantId)
	if err != nil {
		config.LogError(w.Logger, "ledgersync", "Worker.outboundHalted", "load connection", tenantId, err)
		return true
	}
	return conn == nil || conn.Status != models.ConnectionStatusConnected
}

// ReclaimStale is scheduled periodically in the worker process.
func (w *Worker) ReclaimStale(ctx context.Context) (int, error) {
	timeout := w.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	n, err := w.Queue.ReclaimStale(appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true), timeout)
	if n > 0 {
		metrics.SyncReclaimedTotal.Add(float64(n))
		w.log().WithField("reclaimed", n).Warn("reclaimed stale sync operations")
	}
	return n, err
}

// ObserveDepth publishes operation counts per status across all tenants.
func (w *Worker) ObserveDepth(ctx context.Context) error {
	var rows []struct {
		Status models.SyncStatus
		Count  int64
	}
	if err := w.DB.WithContext(appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)).
		Model(&models.SyncOperation{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, s := range []models.SyncStatus{models.SyncStatusQueued, models.SyncStatusInProgress, models.SyncStatusSucceeded, models.SyncStatusAbandoned} {
		metrics.SyncQueueDepth.WithLabelValues(string(s)).Set(0)
	}
	for _, r := range rows {
		metrics.SyncQueueDepth.WithLabelValues(string(r.Status)).Set(float64(r.Count))
	}
	return nil
}
