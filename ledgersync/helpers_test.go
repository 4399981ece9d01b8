package ledgersync_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/models"
	"gorm.io/gorm"
)

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

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticTokens struct{}

func (staticTokens) Credentials(context.Context, string) (ledgersync.Credentials, error) {
	return ledgersync.Credentials{AccessToken: "tok", RealmId: "realm"}, nil
}

// fakeLedger assigns EXT-<n> ids to creates and fails calls from errs in order.
type fakeLedger struct {
	mu      sync.Mutex
	pushes  []ledgersync.LedgerRequest
	errs    []error
	nextId  int
	records map[string]ledgersync.LedgerRecord
}

func (f *fakeLedger) Push(_ context.Context, req ledgersync.LedgerRequest) (ledgersync.LedgerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return ledgersync.LedgerResponse{}, err
		}
	}
	id := req.ExternalId
	if id == "" {
		f.nextId++
		id = fmt.Sprintf("EXT-%d", f.nextId)
	}
	return ledgersync.LedgerResponse{
		StatusCode: 200,
		Record:     ledgersync.LedgerRecord{Id: id, SyncToken: "1"},
		Raw:        []byte(`{"id":"` + id + `"}`),
	}, nil
}

func (f *fakeLedger) Get(_ context.Context, _ ledgersync.Credentials, _ models.EntityType, externalId string) (ledgersync.LedgerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[externalId]; ok {
		return rec, nil
	}
	return ledgersync.LedgerRecord{}, &ledgersync.PermanentSyncError{StatusCode: 404, Code: "NOT_FOUND", Err: fmt.Errorf("no %s", externalId)}
}

func (f *fakeLedger) Pushes() []ledgersync.LedgerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledgersync.LedgerRequest(nil), f.pushes...)
}

func newTestWorker(t *testing.T, db *gorm.DB, ledger ledgersync.LedgerClient) (*ledgersync.Worker, *testClock) {
	t.Helper()
	clock := newTestClock()
	s := config.DefaultSyncSettings()
	s.MaxRetries = 3
	s.BaseBackoff = time.Second
	s.MaxBackoff = time.Minute
	s.HoldDelay = 0
	q := ledgersync.NewQueue(db, s.MaxRetries, nil)
	q.Now = clock.Now
	w := ledgersync.NewWorker(q, ledger, staticTokens{}, ledgersync.NoLimit{}, nil, s)
	w.Now = clock.Now
	return w, clock
}

func connectTenant(t *testing.T, db *gorm.DB, tenantId string) {
	t.Helper()
	if _, err := ledgersync.SaveConnection(context.Background(), db, tenantId, "realm", ledgersync.TokenPair{AccessToken: "tok", RefreshToken: "refresh"}); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
}

func enqueue(t *testing.T, q *ledgersync.Queue, in ledgersync.EnqueueInput) *models.SyncOperation {
	t.Helper()
	var op *models.SyncOperation
	err := q.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		op, err = q.Enqueue(context.Background(), tx, in)
		return err
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return op
}

func loadOp(t *testing.T, db *gorm.DB, id uint) models.SyncOperation {
	t.Helper()
	var op models.SyncOperation
	if err := db.Where("id = ?", id).Take(&op).Error; err != nil {
		t.Fatalf("load op %d: %v", id, err)
	}
	return op
}

func countRows(t *testing.T, db *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func intPtr(v int) *int { return &v }
