package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/lifecycle"
	"github.com/mmdatafocus/ordersync/middlewares"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

type appDeps struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Settings   config.SyncSettings
	Authorizer authz.Authorizer
	Nudger     ledgersync.Nudger
	// nil disables API rate limiting
	Limiter middlewares.Reserver
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	// production requires an explicit allowlist in CORS_ALLOWED_ORIGINS
	allowed := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(allowed)
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization",
		middlewares.HeaderTenantId, middlewares.HeaderActorId, middlewares.HeaderCorrelationId)
	cfg.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	if !cfg.AllowAllOrigins {
		cfg.AllowCredentials = true
	}
	return cfg
}

func authorizerFromEnv() authz.Authorizer {
	if raw := strings.TrimSpace(os.Getenv("AUTHZ_RULES")); raw != "" {
		return authz.ParseStaticRules(raw)
	}
	return authz.AllowAll{}
}

// newRouter builds the API. Everything under /api expects the gateway's tenant/actor headers.
func newRouter(d appDeps) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.MetricsMiddleware())
	r.Use(middlewares.ErrorLogger(d.Logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	queue := ledgersync.NewQueue(d.DB, d.Settings.MaxRetries, d.Logger)
	queue.Nudger = d.Nudger
	ctl := lifecycle.NewController(d.DB, d.Authorizer, queue, d.Logger)
	jobs := workflow.NewBatchJobQueue(d.DB, workflow.OrderBatchHandlers(ctl), d.Logger)
	ingress := ledgersync.NewIngress(d.DB, queue, d.Logger)
	verifier := ledgersync.HMACVerifier{Secret: []byte(d.Settings.WebhookSecret)}

	// the ledger calls this directly; the signature is its authentication
	r.POST("/webhooks/ledger/:tenant", ledgersync.WebhookHandler(ingress, verifier))

	api := r.Group("/api")
	api.Use(middlewares.ActorMiddleware())
	if d.Limiter != nil {
		api.Use(middlewares.RateLimitMiddleware(d.Limiter))
	}
	ctl.RegisterRoutes(api)
	workflow.BatchJobRoutes{Queue: jobs, Authorizer: d.Authorizer}.Register(api)

	ledgersync.SyncRoutes{DB: d.DB, Queue: queue, Authorizer: d.Authorizer}.Register(api.Group("/sync"))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func apiLimiter() middlewares.Reserver {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	perMinute := 600
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS"))); err == nil && n > 0 {
		perMinute = n
	}
	if client := config.GetRedisDB(); client != nil {
		return &ledgersync.RedisRateLimiter{Client: client, Limit: perMinute, Window: time.Minute, Prefix: "api_rate"}
	}
	return ledgersync.NewLocalRateLimiter(perMinute)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen before dependencies are up; everything except /healthz answers 503 until the
	// router is built.
	var app atomic.Pointer[gin.Engine]
	srv := &http.Server{
		Addr:              ":" + port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			engine := app.Load()
			if engine == nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			engine.ServeHTTP(w, r)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry(sigCtx)
	}
	db := config.GetDB()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.LoadSyncSettings()
	deps := appDeps{
		DB:         db,
		Logger:     logger,
		Settings:   settings,
		Authorizer: authorizerFromEnv(),
		Limiter:    apiLimiter(),
	}
	if n := ledgersync.NewPubSubNudger(settings, logger); n != nil {
		deps.Nudger = n
	}
	app.Store(newRouter(deps))
	logger.WithFields(logrus.Fields{"field": "server", "port": port}).Info("api ready")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Fatal(err.Error())
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "server.go", "main", "shutdown", nil, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
