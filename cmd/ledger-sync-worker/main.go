package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/lifecycle"
	"github.com/mmdatafocus/ordersync/middlewares"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultPort = "8081"

func main() {
	port := os.Getenv("SYNC_WORKER_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()
	entry := logger.WithField("field", "ledger-sync-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry(ctx)
	}
	db := config.GetDB()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			entry.Fatal(err.Error())
		}
	}

	settings := config.LoadSyncSettings()
	queue := ledgersync.NewQueue(db, settings.MaxRetries, logger)
	var limiter ledgersync.RateLimiter = ledgersync.NewLocalRateLimiter(settings.LedgerRateLimitPerMin)
	if client := config.GetRedisDB(); client != nil {
		limiter = ledgersync.NewRedisRateLimiter(client, settings.LedgerRateLimitPerMin)
	}
	tokens := &ledgersync.TokenManager{
		DB:        db,
		Refresher: ledgersync.NewOAuth2RefresherFromEnv(),
		Locker:    config.GetRedisLock(),
		Skew:      settings.TokenRefreshSkew,
		Logger:    logger,
	}
	worker := ledgersync.NewWorker(queue, ledgersync.NewHTTPLedgerClient(settings.LedgerBaseURL, settings.CallTimeout), tokens, limiter, logger, settings)

	// batch jobs run lifecycle commands as their creator; per-actor rules still apply
	var authorizer authz.Authorizer = authz.AllowAll{}
	if raw := strings.TrimSpace(os.Getenv("AUTHZ_RULES")); raw != "" {
		authorizer = authz.ParseStaticRules(raw)
	}
	ctl := lifecycle.NewController(db, authorizer, queue, logger)
	jobs := workflow.NewBatchJobQueue(db, workflow.OrderBatchHandlers(ctl), logger)
	dispatcher := workflow.NewBatchJobDispatcher(jobs, logger, settings)

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware(), middlewares.MetricsMiddleware(), gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/pubsub/ledger-sync", ledgersync.PubSubPushHandler(worker))
	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entry.WithField("worker_id", worker.WorkerID).Info("starting sync worker")
		return worker.Run(gctx)
	})
	g.Go(func() error {
		entry.WithField("worker_id", dispatcher.WorkerId).Info("starting batch job dispatcher")
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if _, err := scheduler.NewJob(
			gocron.DurationJob(time.Minute),
			gocron.NewTask(func() {
				if _, err := worker.ReclaimStale(gctx); err != nil {
					config.LogError(logger, "ledger-sync-worker", "ReclaimStale", "reclaim stale operations", nil, err)
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return err
		}
		if _, err := scheduler.NewJob(
			gocron.DurationJob(30*time.Second),
			gocron.NewTask(func() {
				if err := worker.ObserveDepth(gctx); err != nil {
					config.LogError(logger, "ledger-sync-worker", "ObserveDepth", "queue depth", nil, err)
				}
			}),
		); err != nil {
			return err
		}
		if settings.BatchJobAutoReset {
			if _, err := scheduler.NewJob(
				gocron.DurationJob(settings.BatchJobStaleAfter/2),
				gocron.NewTask(func() {
					if _, err := jobs.ResetStuckJobs(gctx, settings.BatchJobStaleAfter); err != nil {
						config.LogError(logger, "ledger-sync-worker", "ResetStuckJobs", "reset stuck batch jobs", nil, err)
					}
				}),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			); err != nil {
				return err
			}
		}
		scheduler.Start()
		<-gctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		entry.WithFields(logrus.Fields{"error": err.Error()}).Error("worker stopped with error")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	entry.Info("worker shut down")
}
