package ledgersync_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
)

func customerWebhook(id string, updated time.Time, payload string) ledgersync.WebhookInput {
	return ledgersync.WebhookInput{
		WebhookId:  id,
		EntityType: models.EntityTypeCustomer,
		EntityId:   "C-9",
		EventType:  "updated",
		UpdatedAt:  &updated,
		Payload:    json.RawMessage(payload),
	}
}

func TestReceive_DuplicateDeliveryStoresOnce(t *testing.T) {
	db := newTestDB(t)
	w, clock := newTestWorker(t, db, &fakeLedger{})
	ingress := ledgersync.NewIngress(db, w.Queue, nil)
	ingress.Now = clock.Now
	ctx := context.Background()

	input := customerWebhook("wh-1", clock.Now(), `{"id":"C-9","name":"Acme"}`)
	first, err := ingress.Receive(ctx, "t1", input)
	if err != nil || first.Duplicate {
		t.Fatalf("first Receive = %+v, %v", first, err)
	}
	second, err := ingress.Receive(ctx, "t1", input)
	if err != nil || !second.Duplicate {
		t.Fatalf("second Receive = %+v, %v", second, err)
	}
	if second.EventId != first.EventId || second.OperationId != first.OperationId {
		t.Fatalf("duplicate points elsewhere: %+v vs %+v", second, first)
	}
	if n := countRows(t, db, &models.WebhookEvent{}, ""); n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
	if n := countRows(t, db, &models.SyncOperation{}, ""); n != 1 {
		t.Fatalf("operations = %d, want 1", n)
	}

	// same webhook id for another tenant is a different delivery
	if res, err := ingress.Receive(ctx, "t2", input); err != nil || res.Duplicate {
		t.Fatalf("other tenant Receive = %+v, %v", res, err)
	}
}

func TestReceive_ConcurrentDuplicates(t *testing.T) {
	db := newTestDB(t)
	w, clock := newTestWorker(t, db, &fakeLedger{})
	ingress := ledgersync.NewIngress(db, w.Queue, nil)
	ingress.Now = clock.Now
	input := customerWebhook("wh-race", clock.Now(), `{"id":"C-9","name":"Acme"}`)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ingress.Receive(context.Background(), "t1", input); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Receive: %v", err)
	}
	if n := countRows(t, db, &models.SyncOperation{}, ""); n != 1 {
		t.Fatalf("operations = %d, want 1", n)
	}
}

func TestReceive_RejectsInvalidInput(t *testing.T) {
	db := newTestDB(t)
	w, _ := newTestWorker(t, db, &fakeLedger{})
	ingress := ledgersync.NewIngress(db, w.Queue, nil)

	input := customerWebhook("wh-bad", time.Now(), `{}`)
	input.EventType = "exploded"
	if _, err := ingress.Receive(context.Background(), "t1", input); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
	if _, err := ingress.Receive(context.Background(), "", customerWebhook("wh-x", time.Now(), `{}`)); err == nil {
		t.Fatalf("expected error without tenant")
	}
}

func TestInbound_CreatesLocalCustomerAndMapping(t *testing.T) {
	db := newTestDB(t)
	w, clock := newTestWorker(t, db, &fakeLedger{})
	ingress := ledgersync.NewIngress(db, w.Queue, nil)
	ingress.Now = clock.Now
	ctx := context.Background()

	res, err := ingress.Receive(ctx, "t1", customerWebhook("wh-2", clock.Now(), `{"id":"C-9","name":"Acme","email":"ops@acme.test"}`))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}

	m, err := models.FindMappingByExternal(ctx, db, "t1", models.EntityTypeCustomer, "C-9")
	if err != nil || m == nil {
		t.Fatalf("mapping = %v, %v", m, err)
	}
	var c models.Customer
	if err := db.Where("id = ?", m.LocalId).Take(&c).Error; err != nil {
		t.Fatalf("customer: %v", err)
	}
	if c.Name != "Acme" || c.Email != "ops@acme.test" {
		t.Fatalf("customer = %+v", c)
	}
	var event models.WebhookEvent
	if err := db.Where("id = ?", res.EventId).Take(&event).Error; err != nil {
		t.Fatalf("event: %v", err)
	}
	if event.ProcessingStatus != models.WebhookStatusProcessed || event.ProcessedAt == nil {
		t.Fatalf("event status = %s", event.ProcessingStatus)
	}
	if n := countRows(t, db, &models.SyncOperation{}, "direction = ?", models.SyncDirectionOutbound); n != 0 {
		t.Fatalf("inbound apply produced %d outbound operations", n)
	}
}

func TestInbound_OlderThanLocalChangeIsSuperseded(t *testing.T) {
	db := newTestDB(t)
	w, clock := newTestWorker(t, db, &fakeLedger{})
	ingress := ledgersync.NewIngress(db, w.Queue, nil)
	ingress.Now = clock.Now
	ctx := context.Background()

	c := models.Customer{TenantId: "t1", Name: "Local Name", IsActive: utils.NewTrue()}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("create customer: %v", err)
	}
	local := clock.Now()
	if _, err := models.UpsertMapping(ctx, db, models.EntityMapping{
		TenantId: "t1", EntityType: models.EntityTypeCustomer, LocalId: c.ID, ExternalId: "C-9", LastLocalUpdate: &local,
	}); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}

	res, err := ingress.Receive(ctx, "t1", customerWebhook("wh-3", local.Add(-time.Hour), `{"id":"C-9","name":"Remote Name"}`))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce = %d", n)
	}
	op := loadOp(t, db, res.OperationId)
	if op.Status != models.SyncStatusSucceeded || !op.Superseded {
		t.Fatalf("op = %s superseded=%v", op.Status, op.Superseded)
	}
	var got models.Customer
	if err := db.Where("id = ?", c.ID).Take(&got).Error; err != nil {
		t.Fatalf("customer: %v", err)
	}
	if got.Name != "Local Name" {
		t.Fatalf("superseded change was applied: %q", got.Name)
	}
}

func TestHMACVerifier(t *testing.T) {
	v := ledgersync.HMACVerifier{Secret: []byte("s3cret")}
	body := []byte(`{"webhook_id":"1"}`)
	sig := v.Sign(body)
	if !v.Verify(sig, body) || !v.Verify("sha256="+sig, body) {
		t.Fatalf("valid signature rejected")
	}
	if v.Verify(sig, []byte(`{"webhook_id":"2"}`)) {
		t.Fatalf("signature accepted for a different body")
	}
	if v.Verify("", body) {
		t.Fatalf("empty signature accepted")
	}
	if (ledgersync.HMACVerifier{}).Verify(sig, body) {
		t.Fatalf("verifier without secret accepted a signature")
	}
}

func TestWebhookHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	w, clock := newTestWorker(t, db, &fakeLedger{})
	ingress := ledgersync.NewIngress(db, w.Queue, nil)
	ingress.Now = clock.Now
	verifier := ledgersync.HMACVerifier{Secret: []byte("s3cret")}

	r := gin.New()
	r.POST("/webhooks/ledger/:tenant", ledgersync.WebhookHandler(ingress, verifier))

	body, _ := json.Marshal(customerWebhook("wh-http", clock.Now(), `{"id":"C-9","name":"Acme"}`))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/ledger/t1", bytes.NewReader(body))
	req.Header.Set(ledgersync.SignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status %d", rec.Code)
	}
	if n := countRows(t, db, &models.WebhookEvent{}, ""); n != 0 {
		t.Fatalf("unverified webhook stored")
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/ledger/t1", bytes.NewReader(body))
	req.Header.Set(ledgersync.SignatureHeader, verifier.Sign(body))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("signed webhook: status %d body %s", rec.Code, rec.Body.String())
	}
	var res ledgersync.ReceiveResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.OperationId == 0 {
		t.Fatalf("response = %s, %v", rec.Body.String(), err)
	}
}
