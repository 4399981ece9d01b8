package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	r, _ := newTestRouterWith(t, authz.AllowAll{})
	return r
}

func newTestRouterWith(t *testing.T, authorizer authz.Authorizer) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := config.OpenDatabase(config.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
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
	return newRouter(appDeps{
		DB:         db,
		Logger:     config.GetLogger(),
		Settings:   config.DefaultSyncSettings(),
		Authorizer: authorizer,
	}), db
}

func call(t *testing.T, r *gin.Engine, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t1")
	req.Header.Set("X-Actor-Id", "alice")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestRouter_OrderToInvoiceFlow(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d", rec.Code)
	}

	code, customer := call(t, r, http.MethodPost, "/api/customers", map[string]any{"name": "Acme"})
	if code != http.StatusOK {
		t.Fatalf("save customer = %d %v", code, customer)
	}
	code, item := call(t, r, http.MethodPost, "/api/items", map[string]any{"name": "Rice", "unit_price": "4"})
	if code != http.StatusOK {
		t.Fatalf("save item = %d %v", code, item)
	}
	code, created := call(t, r, http.MethodPost, "/api/orders", map[string]any{
		"customer_id":   customer["id"],
		"order_date":    "2024-06-03T00:00:00Z",
		"delivery_date": "2024-06-04T00:00:00Z",
		"lines":         []map[string]any{{"item_id": item["id"], "qty": "2", "unit_price": "4"}},
	})
	if code != http.StatusCreated {
		t.Fatalf("create order = %d %v", code, created)
	}
	order := created["order"].(map[string]any)
	path := fmt.Sprintf("/api/orders/%v/invoice", order["id"])

	if code, body := call(t, r, http.MethodPost, path, nil); code != http.StatusConflict || body["code"] != "INVALID_TRANSITION" {
		t.Fatalf("invoice pending = %d %v", code, body)
	}
	if code, body := call(t, r, http.MethodPost, path+"?allow_pending=true", nil); code != http.StatusCreated {
		t.Fatalf("invoice = %d %v", code, body)
	}
	if code, body := call(t, r, http.MethodPost, path+"?allow_pending=true", nil); code != http.StatusOK || body["already_invoiced"] != true {
		t.Fatalf("invoice again = %d %v", code, body)
	}

	code, status := call(t, r, http.MethodGet, "/api/sync/status", nil)
	if code != http.StatusOK {
		t.Fatalf("sync status = %d %v", code, status)
	}
}

func TestRouter_RequiresTenant(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/orders/1/review", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRouter_BatchJobs(t *testing.T) {
	r := newTestRouter(t)
	code, job := call(t, r, http.MethodPost, "/api/batch-jobs", map[string]any{"job_type": "batch_review", "order_ids": []int{1, 2}})
	if code != http.StatusAccepted || job["status"] != "queued" || job["total_items"] != float64(2) {
		t.Fatalf("enqueue = %d %v", code, job)
	}
	code, body := call(t, r, http.MethodPost, fmt.Sprintf("/api/batch-jobs/%v/cancel", job["id"]), nil)
	if code != http.StatusConflict || body["code"] != "JOB_NOT_CANCELLABLE" {
		t.Fatalf("cancel queued = %d %v", code, body)
	}
	if code, body := call(t, r, http.MethodPost, "/api/batch-jobs", map[string]any{"job_type": "batch_export", "order_ids": []int{1}}); code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown type = %d %v", code, body)
	}
}

func TestRouter_SyncCommandsRequirePermission(t *testing.T) {
	// alice may read sync state and nothing else
	r, db := newTestRouterWith(t, authz.ParseStaticRules("alice=sync.read"))

	denied := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/sync/connection", map[string]any{"realm_id": "r", "access_token": "tok"}},
		{http.MethodDelete, "/api/sync/connection", nil},
		{http.MethodPost, "/api/sync/errors/1/resolve", nil},
		{http.MethodPost, "/api/sync/operations/1/retry", nil},
		{http.MethodPost, "/api/orders/1/review", nil},
	}
	for _, tc := range denied {
		code, body := call(t, r, tc.method, tc.path, tc.body)
		if code != http.StatusForbidden || body["code"] != "FORBIDDEN" {
			t.Fatalf("%s %s = %d %v, want 403", tc.method, tc.path, code, body)
		}
	}
	var n int64
	if err := db.Model(&models.LedgerConnection{}).Count(&n).Error; err != nil || n != 0 {
		t.Fatalf("connections = %d, %v", n, err)
	}

	if code, body := call(t, r, http.MethodGet, "/api/sync/status", nil); code != http.StatusOK {
		t.Fatalf("status = %d %v", code, body)
	}
}

func TestRouter_DenyAllForbidsSyncReads(t *testing.T) {
	r, _ := newTestRouterWith(t, authz.NewStaticRules(nil))
	for _, path := range []string{"/api/sync/status", "/api/sync/errors", "/api/sync/errors/export", "/api/sync/operations/1"} {
		if code, body := call(t, r, http.MethodGet, path, nil); code != http.StatusForbidden {
			t.Fatalf("GET %s = %d %v, want 403", path, code, body)
		}
	}
}
