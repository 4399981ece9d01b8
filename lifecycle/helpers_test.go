package lifecycle_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/lifecycle"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const tenant = "t1"

var testDay = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

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

type fixture struct {
	db       *gorm.DB
	ctl      *lifecycle.Controller
	queue    *ledgersync.Queue
	customer models.Customer
	items    []models.Item
}

func newFixture(t *testing.T, authorizer authz.Authorizer) *fixture {
	t.Helper()
	db := newTestDB(t)
	now := func() time.Time { return testDay.Add(9 * time.Hour) }
	queue := ledgersync.NewQueue(db, 3, nil)
	queue.Now = now
	ctl := lifecycle.NewController(db, authorizer, queue, nil)
	ctl.Now = now

	f := &fixture{db: db, ctl: ctl, queue: queue}
	f.customer = models.Customer{TenantId: tenant, Name: "Acme", IsActive: utils.NewTrue()}
	if err := db.Create(&f.customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	for _, name := range []string{"Rice", "Oil"} {
		it := models.Item{TenantId: tenant, Name: name, UnitPrice: decimal.NewFromInt(5), IsActive: utils.NewTrue()}
		if err := db.Create(&it).Error; err != nil {
			t.Fatalf("seed item: %v", err)
		}
		f.items = append(f.items, it)
	}
	return f
}

func (f *fixture) newOrderInput() models.NewOrder {
	return models.NewOrder{
		CustomerId:   f.customer.ID,
		OrderDate:    testDay,
		DeliveryDate: testDay.AddDate(0, 0, 1),
		Lines: []models.NewOrderLine{
			{ItemId: f.items[0].ID, Qty: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(5)},
			{ItemId: f.items[1].ID, Qty: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("2.5")},
		},
	}
}

func (f *fixture) createOrder(t *testing.T) *models.Order {
	t.Helper()
	res, err := f.ctl.CreateOrder(context.Background(), tenant, "alice", f.newOrderInput())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return res.Order
}

func (f *fixture) loadOrder(t *testing.T, id uint) models.Order {
	t.Helper()
	var o models.Order
	if err := f.db.Where("id = ?", id).Take(&o).Error; err != nil {
		t.Fatalf("load order %d: %v", id, err)
	}
	return o
}

func (f *fixture) count(t *testing.T, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
