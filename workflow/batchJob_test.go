package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/lifecycle"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/mmdatafocus/ordersync/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const tenant = "t1"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := config.OpenDatabase(config.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// idsHandler treats the payload as a JSON array of item ids.
type idsHandler struct {
	mu     sync.Mutex
	seen   []uint
	failOn map[uint]error
	onItem func(id uint)
}

func (h *idsHandler) Items(payload []byte) ([]uint, error) {
	var ids []uint
	if err := json.Unmarshal(payload, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (h *idsHandler) Process(_ context.Context, _ models.BatchJob, id uint) (error, error) {
	h.mu.Lock()
	h.seen = append(h.seen, id)
	h.mu.Unlock()
	if h.onItem != nil {
		h.onItem(id)
	}
	return h.failOn[id], nil
}

const testJobType models.BatchJobType = "test_ids"

func newQueue(t *testing.T, h workflow.BatchJobHandler) (*workflow.BatchJobQueue, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	q := workflow.NewBatchJobQueue(newTestDB(t), map[models.BatchJobType]workflow.BatchJobHandler{testJobType: h}, nil)
	q.Now = c.Now
	return q, c
}

func newDispatcher(q *workflow.BatchJobQueue) *workflow.BatchJobDispatcher {
	return workflow.NewBatchJobDispatcher(q, nil, config.DefaultSyncSettings())
}

func reload(t *testing.T, q *workflow.BatchJobQueue, id uint) *models.BatchJob {
	t.Helper()
	job, err := q.Get(context.Background(), tenant, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestEnqueue_Validates(t *testing.T) {
	q, _ := newQueue(t, &idsHandler{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, tenant, "nope", []uint{1}, 0, "alice", true); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := q.Enqueue(ctx, tenant, testJobType, []uint{}, 0, "alice", true); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("empty job err = %v", err)
	}
	job, err := q.Enqueue(ctx, tenant, testJobType, []uint{4, 5}, 0, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != models.BatchJobStatusQueued || job.TotalItems != 2 {
		t.Fatalf("job = %+v", job)
	}
	if _, err := q.Get(ctx, "other", job.ID); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("cross-tenant Get err = %v", err)
	}
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	q, _ := newQueue(t, &idsHandler{})
	if _, err := q.Enqueue(context.Background(), tenant, testJobType, []uint{1}, 0, "alice", true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := q.Claim(context.Background(), fmt.Sprintf("w%d", i))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestClaim_LowerPriorityValueFirst(t *testing.T) {
	q, _ := newQueue(t, &idsHandler{})
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, tenant, testJobType, []uint{1}, 5, "alice", true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	urgent, err := q.Enqueue(ctx, tenant, testJobType, []uint{2}, 1, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Claim(ctx, "w1")
	if err != nil || job == nil || job.ID != urgent.ID {
		t.Fatalf("claimed %+v, %v", job, err)
	}
}

func TestDispatcher_RecordsItemFailuresAndCompletes(t *testing.T) {
	h := &idsHandler{failOn: map[uint]error{2: fmt.Errorf("%w: order 2", models.ErrInvalidTransition)}}
	q, _ := newQueue(t, h)
	job, err := q.Enqueue(context.Background(), tenant, testJobType, []uint{1, 2, 3}, 0, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ran, err := newDispatcher(q).RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	got := reload(t, q, job.ID)
	if got.Status != models.BatchJobStatusCompleted || got.FinishedAt == nil {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ProcessedItems != 3 || got.SuccessfulItems != 2 || got.FailedItems != 1 || got.PercentComplete() != 100 {
		t.Fatalf("counts = %d/%d/%d", got.ProcessedItems, got.SuccessfulItems, got.FailedItems)
	}
	errs := got.DecodeErrors()
	if len(errs) != 1 || errs[0].ItemId != 2 || errs[0].Code != "INVALID_TRANSITION" {
		t.Fatalf("errors = %+v", errs)
	}
	if ran, _ := newDispatcher(q).RunOnce(context.Background()); ran {
		t.Fatalf("completed job was claimed again")
	}
}

func TestCancel_StopsBetweenItems(t *testing.T) {
	h := &idsHandler{}
	q, _ := newQueue(t, h)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, tenant, testJobType, []uint{1, 2, 3, 4}, 0, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Cancel(ctx, tenant, job.ID); !errors.Is(err, models.ErrJobNotCancellable) {
		t.Fatalf("cancel queued err = %v", err)
	}
	h.onItem = func(id uint) {
		if id == 2 {
			if _, err := q.Cancel(ctx, tenant, job.ID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}

	if _, err := newDispatcher(q).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := reload(t, q, job.ID)
	if got.Status != models.BatchJobStatusCancelled || got.ProcessedItems != 2 {
		t.Fatalf("job = %s processed=%d", got.Status, got.ProcessedItems)
	}
	if len(h.seen) != 2 {
		t.Fatalf("processed items = %v", h.seen)
	}
}

func TestCancel_NotCancellableJob(t *testing.T) {
	q, _ := newQueue(t, &idsHandler{})
	ctx := context.Background()
	job, err := q.Enqueue(ctx, tenant, testJobType, []uint{1}, 0, "alice", false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.Cancel(ctx, tenant, job.ID); !errors.Is(err, models.ErrJobNotCancellable) {
		t.Fatalf("err = %v", err)
	}
}

func TestResetStuckJobs_ResumesFromProcessedItems(t *testing.T) {
	h := &idsHandler{}
	q, clk := newQueue(t, h)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, tenant, testJobType, []uint{10, 20, 30}, 0, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// a dispatcher that finished one item and died
	if _, err := q.Claim(ctx, "dead"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.UpdateProgress(ctx, job.ID, "dead", workflow.Progress{Processed: 1, Successful: 1, Errors: []models.BatchJobError{}}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	clk.Advance(5 * time.Minute)
	if n, err := q.ResetStuckJobs(ctx, 10*time.Minute); err != nil || n != 0 {
		t.Fatalf("fresh job reset = %d, %v", n, err)
	}
	clk.Advance(6 * time.Minute)
	stuck, err := q.FindStuckJobs(ctx, 10*time.Minute)
	if err != nil || len(stuck) != 1 {
		t.Fatalf("FindStuckJobs = %d, %v", len(stuck), err)
	}
	if n, err := q.ResetStuckJobs(ctx, 10*time.Minute); err != nil || n != 1 {
		t.Fatalf("ResetStuckJobs = %d, %v", n, err)
	}
	if got := reload(t, q, job.ID); got.Status != models.BatchJobStatusQueued || got.ClaimedBy != nil {
		t.Fatalf("reset job = %s claimed=%v", got.Status, got.ClaimedBy)
	}

	if _, err := newDispatcher(q).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.seen) != 2 || h.seen[0] != 20 || h.seen[1] != 30 {
		t.Fatalf("resumed items = %v", h.seen)
	}
	got := reload(t, q, job.ID)
	if got.Status != models.BatchJobStatusCompleted || got.SuccessfulItems != 3 {
		t.Fatalf("job = %s successful=%d", got.Status, got.SuccessfulItems)
	}
	// the dead dispatcher cannot write over the resumed job
	if _, err := q.UpdateProgress(ctx, job.ID, "dead", workflow.Progress{Processed: 1}); err == nil {
		t.Fatalf("stale dispatcher progress accepted")
	}
}

func TestResetStuckJobs_CancelRequestedBecomesCancelled(t *testing.T) {
	q, clk := newQueue(t, &idsHandler{})
	ctx := context.Background()
	job, err := q.Enqueue(ctx, tenant, testJobType, []uint{1, 2}, 0, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "dead"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.Cancel(ctx, tenant, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	clk.Advance(time.Hour)
	if n, err := q.ResetStuckJobs(ctx, 10*time.Minute); err != nil || n != 1 {
		t.Fatalf("ResetStuckJobs = %d, %v", n, err)
	}
	if got := reload(t, q, job.ID); got.Status != models.BatchJobStatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

// seedOrders creates n pending orders and returns the controller that owns them.
func seedOrders(t *testing.T, db *gorm.DB, n int) (*lifecycle.Controller, []uint) {
	t.Helper()
	ctx := context.Background()
	customer := models.Customer{TenantId: tenant, Name: "Acme", IsActive: utils.NewTrue()}
	if err := db.Create(&customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	item := models.Item{TenantId: tenant, Name: "Rice", UnitPrice: decimal.NewFromInt(3), IsActive: utils.NewTrue()}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}
	ctl := lifecycle.NewController(db, nil, nil, nil)
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	var ids []uint
	for i := 0; i < n; i++ {
		res, err := ctl.CreateOrder(ctx, tenant, "alice", models.NewOrder{
			CustomerId:   customer.ID,
			OrderDate:    day,
			DeliveryDate: day,
			Lines:        []models.NewOrderLine{{ItemId: item.ID, Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(3)}},
		})
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		ids = append(ids, res.Order.ID)
	}
	return ctl, ids
}

func TestOrderBatchInvoiceJob_AcceptsPendingOrders(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ctl, ids := seedOrders(t, db, 1)

	q := workflow.NewBatchJobQueue(db, workflow.OrderBatchHandlers(ctl), nil)
	job, err := q.Enqueue(ctx, tenant, models.BatchJobTypeInvoice, models.OrderIdsPayload{OrderIds: ids}, 0, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := newDispatcher(q).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got := reload(t, q, job.ID)
	if got.Status != models.BatchJobStatusCompleted || got.SuccessfulItems != 1 || got.FailedItems != 0 {
		t.Fatalf("job = %s %d/%d errors=%+v", got.Status, got.SuccessfulItems, got.FailedItems, got.DecodeErrors())
	}
	var order models.Order
	if err := db.Where("id = ?", ids[0]).Take(&order).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != models.OrderStatusInvoiced {
		t.Fatalf("order status = %s, want invoiced", order.Status)
	}
}

func TestOrderBatchDeleteJob(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ctl, ids := seedOrders(t, db, 3)
	if _, err := ctl.Invoice(ctx, tenant, "alice", ids[2], lifecycle.InvoiceOptions{AllowPending: true}); err != nil {
		t.Fatalf("Invoice: %v", err)
	}

	q := workflow.NewBatchJobQueue(db, workflow.OrderBatchHandlers(ctl), nil)
	job, err := q.Enqueue(ctx, tenant, models.BatchJobTypeDelete, models.OrderIdsPayload{OrderIds: append(ids, ids[0])}, 0, "alice", true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.TotalItems != 3 {
		t.Fatalf("total items = %d, want 3", job.TotalItems)
	}
	if _, err := newDispatcher(q).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got := reload(t, q, job.ID)
	if got.Status != models.BatchJobStatusCompleted || got.SuccessfulItems != 2 || got.SkippedItems != 1 || got.FailedItems != 0 {
		t.Fatalf("job = %s %d/%d/%d", got.Status, got.SuccessfulItems, got.SkippedItems, got.FailedItems)
	}
	errs := got.DecodeErrors()
	if len(errs) != 1 || errs[0].ItemId != ids[2] || errs[0].Code != "ALREADY_INVOICED" {
		t.Fatalf("errors = %+v", errs)
	}
	var left int64
	db.Model(&models.Order{}).Count(&left)
	if left != 1 {
		t.Fatalf("orders left = %d", left)
	}
}
