package ledgersync_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/models"
)

func transient() error {
	return &ledgersync.TransientSyncError{StatusCode: 503, Err: errors.New("unavailable")}
}

func TestWorker_TransientFailuresExhaustRetries(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{errs: []error{transient(), transient(), transient()}}
	w, clock := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 1, OperationType: models.SyncOperationCreate})

	for i := 1; i <= 3; i++ {
		n, err := w.RunOnce(ctx)
		if err != nil || n != 1 {
			t.Fatalf("attempt %d: RunOnce = %d, %v", i, n, err)
		}
		got := loadOp(t, db, op.ID)
		if got.RetryCount != i {
			t.Fatalf("attempt %d: retry_count = %d", i, got.RetryCount)
		}
		if i < 3 && got.Status != models.SyncStatusQueued {
			t.Fatalf("attempt %d: status = %s, want queued", i, got.Status)
		}
		clock.Advance(time.Hour)
	}

	got := loadOp(t, db, op.ID)
	if got.Status != models.SyncStatusAbandoned {
		t.Fatalf("status = %s, want abandoned", got.Status)
	}
	if len(ledger.Pushes()) != 3 {
		t.Fatalf("pushes = %d, want 3", len(ledger.Pushes()))
	}
	var rec models.SyncErrorRecord
	if err := db.Where("sync_operation_id = ?", op.ID).Take(&rec).Error; err != nil {
		t.Fatalf("error record: %v", err)
	}
	if rec.ErrorCode != "TRANSIENT" || !rec.Retryable {
		t.Fatalf("error record = %s retryable=%v", rec.ErrorCode, rec.Retryable)
	}
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("abandoned op dispatched again")
	}
}

func TestWorker_BackoffIsScheduled(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{errs: []error{transient()}}
	w, clock := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeTax, EntityId: 1, OperationType: models.SyncOperationCreate})
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("first run = %d", n)
	}
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("retried before backoff elapsed")
	}
	clock.Advance(2 * time.Second)
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("not retried after backoff")
	}
}

func TestWorker_BackoffCapped(t *testing.T) {
	w := &ledgersync.Worker{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	cases := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 3: 8 * time.Second, 4: 10 * time.Second, 30: 10 * time.Second}
	for retry, want := range cases {
		if got := w.Backoff(retry); got != want {
			t.Fatalf("Backoff(%d) = %s, want %s", retry, got, want)
		}
	}
}

func TestWorker_RateLimitedRequeuesWithoutSpendingRetry(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{errs: []error{&ledgersync.RateLimitedError{RetryAfter: 30 * time.Second}}}
	w, clock := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 3, OperationType: models.SyncOperationCreate})
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("first run = %d", n)
	}
	got := loadOp(t, db, op.ID)
	if got.Status != models.SyncStatusQueued || got.RetryCount != 0 {
		t.Fatalf("after 429: status=%s retry=%d", got.Status, got.RetryCount)
	}
	clock.Advance(29 * time.Second)
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("dispatched before Retry-After")
	}
	clock.Advance(2 * time.Second)
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("not dispatched after Retry-After")
	}
	if got := loadOp(t, db, op.ID); got.Status != models.SyncStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
}

func TestWorker_AuthExpiredHaltsTenant(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{errs: []error{&ledgersync.AuthExpiredError{Err: errors.New("401")}}}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 3, OperationType: models.SyncOperationCreate})
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("first run = %d", n)
	}
	conn, err := ledgersync.LoadConnection(ctx, db, "t1")
	if err != nil || conn == nil || conn.Status != models.ConnectionStatusReconnectRequired {
		t.Fatalf("connection = %+v, %v", conn, err)
	}
	got := loadOp(t, db, op.ID)
	if got.Status != models.SyncStatusQueued || got.RetryCount != 0 {
		t.Fatalf("after 401: status=%s retry=%d", got.Status, got.RetryCount)
	}
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("outbound dispatched while reconnect required")
	}

	connectTenant(t, db, "t1")
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("not dispatched after reconnect")
	}
	if len(ledger.Pushes()) != 2 {
		t.Fatalf("pushes = %d, want 2", len(ledger.Pushes()))
	}
}

func TestWorker_RequiredDependencyEnqueuedLaterIsPushedFirst(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	// same priority for all three so only the dependency rule orders them
	invoice := enqueue(t, w.Queue, ledgersync.EnqueueInput{
		TenantId: "t1", EntityType: models.EntityTypeInvoice, EntityId: 11, OperationType: models.SyncOperationCreate,
		Priority:  intPtr(1),
		LocalRefs: ledgersync.LocalRefs{models.EntityTypeCustomer: {7}, models.EntityTypeItem: {3}},
	})
	enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 7, OperationType: models.SyncOperationCreate, Priority: intPtr(1)})
	enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeItem, EntityId: 3, OperationType: models.SyncOperationCreate, Priority: intPtr(1)})

	for i := 0; i < 5; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	pushes := ledger.Pushes()
	if len(pushes) != 3 {
		t.Fatalf("pushes = %d, want 3", len(pushes))
	}
	if pushes[2].EntityType != models.EntityTypeInvoice {
		t.Fatalf("invoice pushed at position %v", pushes)
	}
	body, _ := json.Marshal(pushes[2].Body)
	if !strings.Contains(string(body), `"EXT-1"`) || !strings.Contains(string(body), `"EXT-2"`) {
		t.Fatalf("invoice body lacks resolved refs: %s", body)
	}
	got := loadOp(t, db, invoice.ID)
	if got.Status != models.SyncStatusSucceeded || len(got.ResolvedRefs) == 0 {
		t.Fatalf("invoice op = %s refs=%s", got.Status, got.ResolvedRefs)
	}
}

func TestWorker_OptionalDependencyDoesNotHold(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")

	enqueue(t, w.Queue, ledgersync.EnqueueInput{
		TenantId: "t1", EntityType: models.EntityTypeItem, EntityId: 5, OperationType: models.SyncOperationCreate,
		LocalRefs: ledgersync.LocalRefs{models.EntityTypeTax: {2}},
	})
	if n, _ := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("item with unmapped optional tax was held")
	}
}

func TestWorker_PerEntityOrdering(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	first := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 1, OperationType: models.SyncOperationCreate})
	items, _ := w.Queue.Candidates(ctx, 1)
	if _, err := w.Queue.Claim(ctx, items[0], "other-worker"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// a delete is never coalesced, so this is a second operation on the same entity
	enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 1, OperationType: models.SyncOperationDelete})

	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("later op dispatched while %d in progress", first.ID)
	}
}

func TestWorker_OutboundSupersededByNewerRemoteChange(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, clock := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	remote := clock.Now().Add(time.Hour)
	if _, err := models.UpsertMapping(ctx, db, models.EntityMapping{
		TenantId: "t1", EntityType: models.EntityTypeCustomer, LocalId: 5, ExternalId: "C-5", LastExternalUpdate: &remote,
	}); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}
	local := clock.Now()
	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{
		TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 5, OperationType: models.SyncOperationUpdate, LocalUpdatedAt: &local,
	})
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce = %d", n)
	}
	got := loadOp(t, db, op.ID)
	if got.Status != models.SyncStatusSucceeded || !got.Superseded {
		t.Fatalf("op = %s superseded=%v", got.Status, got.Superseded)
	}
	if len(ledger.Pushes()) != 0 {
		t.Fatalf("superseded op called the ledger")
	}
}

func TestWorker_CreateWithExistingMappingBecomesUpdate(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	if _, err := models.UpsertMapping(ctx, db, models.EntityMapping{TenantId: "t1", EntityType: models.EntityTypeItem, LocalId: 8, ExternalId: "I-8"}); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}
	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeItem, EntityId: 8, OperationType: models.SyncOperationCreate})
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce = %d", n)
	}
	pushes := ledger.Pushes()
	if len(pushes) != 1 || pushes[0].OperationType != models.SyncOperationUpdate || pushes[0].ExternalId != "I-8" {
		t.Fatalf("push = %+v", pushes)
	}
	if pushes[0].IdempotencyKey != ledgersync.IdempotencyKey(op.ID) {
		t.Fatalf("idempotency key = %q", pushes[0].IdempotencyKey)
	}
	if n := countRows(t, db, &models.EntityMapping{}, "entity_type = ?", models.EntityTypeItem); n != 1 {
		t.Fatalf("mappings = %d, want 1", n)
	}
}

func TestWorker_SuccessfulCreateStoresMapping(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 21, OperationType: models.SyncOperationCreate})
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce = %d", n)
	}
	m, err := models.FindMappingByLocal(ctx, db, "t1", models.EntityTypeCustomer, 21)
	if err != nil || m == nil || m.ExternalId != "EXT-1" {
		t.Fatalf("mapping = %+v, %v", m, err)
	}
	got := loadOp(t, db, op.ID)
	if got.ExternalId != "EXT-1" || got.CompletedAt == nil {
		t.Fatalf("op external_id=%q completed_at=%v", got.ExternalId, got.CompletedAt)
	}
}

func TestWorker_DeleteWithoutMappingSucceedsLocally(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 30, OperationType: models.SyncOperationDelete})
	if n, _ := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce = %d", n)
	}
	if got := loadOp(t, db, op.ID); got.Status != models.SyncStatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
	if len(ledger.Pushes()) != 0 {
		t.Fatalf("delete of unsynced entity called the ledger")
	}
}

// countingLimiter records Reserve calls and grants them while allow is set.
type countingLimiter struct {
	allow bool
	calls int32
}

func (l *countingLimiter) Reserve(context.Context, string) (bool, time.Duration, error) {
	atomic.AddInt32(&l.calls, 1)
	if !l.allow {
		return false, time.Second, nil
	}
	return true, 0, nil
}

func TestWorker_InboundFetchWaitsWhileReconnectRequired(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{records: map[string]ledgersync.LedgerRecord{"C-9": {Id: "C-9", Name: "Acme"}}}
	w, clock := newTestWorker(t, db, ledger)
	ingress := ledgersync.NewIngress(db, w.Queue, nil)
	ingress.Now = clock.Now
	ctx := context.Background()

	connectTenant(t, db, "t1")
	if err := ledgersync.MarkReconnectRequired(ctx, db, "t1", "refresh rejected"); err != nil {
		t.Fatalf("MarkReconnectRequired: %v", err)
	}
	// no record in the event, so applying it needs a ledger read
	res, err := ingress.Receive(ctx, "t1", customerWebhook("wh-fetch", clock.Now(), `{}`))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	for i := 0; i < 5; i++ {
		if n, err := w.RunOnce(ctx); err != nil || n != 0 {
			t.Fatalf("pass %d: RunOnce = %d, %v", i, n, err)
		}
	}
	got := loadOp(t, db, res.OperationId)
	if got.Status != models.SyncStatusQueued || got.RetryCount != 0 || got.StartedAt != nil {
		t.Fatalf("op while halted = %s retry=%d started=%v", got.Status, got.RetryCount, got.StartedAt)
	}

	connectTenant(t, db, "t1")
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("after reconnect: RunOnce = %d, %v", n, err)
	}
	if got := loadOp(t, db, res.OperationId); got.Status != models.SyncStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
}

func TestWorker_RunWaitsAfterPassWithOnlyRequeues(t *testing.T) {
	db := newTestDB(t)
	errs := make([]error, 20)
	for i := range errs {
		errs[i] = &ledgersync.RateLimitedError{RetryAfter: 0}
	}
	ledger := &fakeLedger{errs: errs}
	w, _ := newTestWorker(t, db, ledger)
	w.PollInterval = time.Hour
	connectTenant(t, db, "t1")

	enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 4, OperationType: models.SyncOperationCreate})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(ledger.Pushes()); n != 1 {
		t.Fatalf("pushes = %d, want 1 before the next poll", n)
	}
}

func TestWorker_ThrottledClaimIsReleased(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	limiter := &countingLimiter{}
	w.Limiter = limiter
	connectTenant(t, db, "t1")
	ctx := context.Background()

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 5, OperationType: models.SyncOperationCreate})
	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	got := loadOp(t, db, op.ID)
	if got.Status != models.SyncStatusQueued || got.RetryCount != 0 || got.LockedBy != nil {
		t.Fatalf("op = %s retry=%d locked_by=%v", got.Status, got.RetryCount, got.LockedBy)
	}
	if n := countRows(t, db, &models.SyncQueueItem{}, "sync_operation_id = ?", op.ID); n != 1 {
		t.Fatalf("queue items = %d, want 1", n)
	}
	if len(ledger.Pushes()) != 0 {
		t.Fatalf("throttled op reached the ledger")
	}

	limiter.allow = true
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("after budget frees: RunOnce = %d, %v", n, err)
	}
}

func TestWorker_LostClaimSpendsNoRateBudget(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	limiter := &countingLimiter{allow: true}
	connectTenant(t, db, "t1")
	ctx := context.Background()

	workers := make([]*ledgersync.Worker, 6)
	for i := range workers {
		workers[i], _ = newTestWorker(t, db, ledger)
		workers[i].Limiter = limiter
	}
	enqueue(t, workers[0].Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 6, OperationType: models.SyncOperationCreate})

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *ledgersync.Worker) {
			defer wg.Done()
			_, _ = w.RunOnce(ctx)
		}(w)
	}
	wg.Wait()
	// drains the op if every racer hit a locked table
	if _, err := workers[0].RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if n := len(ledger.Pushes()); n != 1 {
		t.Fatalf("pushes = %d, want 1", n)
	}
	if calls := atomic.LoadInt32(&limiter.calls); calls != 1 {
		t.Fatalf("Reserve calls = %d, want 1", calls)
	}
}

func TestInbound_UndecodablePayloadIsAbandoned(t *testing.T) {
	db := newTestDB(t)
	w, _ := newTestWorker(t, db, &fakeLedger{})
	ctx := context.Background()

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{
		TenantId: "t1", EntityType: models.EntityTypeCustomer, ExternalId: "C-9",
		Direction: models.SyncDirectionInbound, OperationType: models.SyncOperationUpdate,
		Payload: []byte(`{"name":`),
	})
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if got := loadOp(t, db, op.ID); got.Status != models.SyncStatusAbandoned {
		t.Fatalf("status = %s, want abandoned", got.Status)
	}
	var rec models.SyncErrorRecord
	if err := db.Where("sync_operation_id = ?", op.ID).Take(&rec).Error; err != nil {
		t.Fatalf("error record: %v", err)
	}
	if rec.ErrorCode != "INVALID_PAYLOAD" {
		t.Fatalf("error code = %s", rec.ErrorCode)
	}
	if n := countRows(t, db, &models.Customer{}, ""); n != 0 {
		t.Fatalf("customers = %d, want 0", n)
	}
}

func TestWorker_DropsQueueItemOfFinishedOperation(t *testing.T) {
	db := newTestDB(t)
	ledger := &fakeLedger{}
	w, _ := newTestWorker(t, db, ledger)
	connectTenant(t, db, "t1")
	ctx := context.Background()

	op := enqueue(t, w.Queue, ledgersync.EnqueueInput{TenantId: "t1", EntityType: models.EntityTypeCustomer, EntityId: 7, OperationType: models.SyncOperationCreate})
	if err := db.Model(&models.SyncOperation{}).Where("id = ?", op.ID).Update("status", models.SyncStatusSucceeded).Error; err != nil {
		t.Fatalf("finish op: %v", err)
	}
	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if n := countRows(t, db, &models.SyncQueueItem{}, "sync_operation_id = ?", op.ID); n != 0 {
		t.Fatalf("queue items = %d, want 0", n)
	}
	if len(ledger.Pushes()) != 0 {
		t.Fatalf("finished op was pushed again")
	}
}
