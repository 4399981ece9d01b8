package middlewares_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/middlewares"
	"github.com/mmdatafocus/ordersync/utils"
)

func TestRequestContextMiddlewares(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware(), middlewares.ActorMiddleware(), middlewares.MetricsMiddleware())
	r.GET("/who", func(c *gin.Context) {
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		actor, _ := utils.GetActorIdFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"tenant": tenantId, "actor": actor, "cid": cid})
	})

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(middlewares.HeaderTenantId, " t9 ")
	req.Header.Set(middlewares.HeaderActorId, "alice")
	req.Header.Set(middlewares.HeaderCorrelationId, "cid-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"actor":"alice","cid":"cid-1","tenant":"t9"}` {
		t.Fatalf("body = %s", body)
	}
	if got := rec.Header().Get(middlewares.HeaderCorrelationId); got != "cid-1" {
		t.Fatalf("correlation header = %q", got)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/who", nil))
	if rec.Header().Get(middlewares.HeaderCorrelationId) == "" {
		t.Fatalf("no generated correlation id")
	}
}

type denyAfter struct{ n int }

func (d *denyAfter) Reserve(context.Context, string) (bool, time.Duration, error) {
	if d.n <= 0 {
		return false, 1500 * time.Millisecond, nil
	}
	d.n--
	return true, 0, nil
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middlewares.RateLimitMiddleware(&denyAfter{n: 1}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("second status = %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
}
