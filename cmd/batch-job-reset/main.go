// Command batch-job-reset lists batch jobs whose worker stopped reporting
// progress and, with -apply, returns them to the queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/appctx"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	stale := flag.Duration("stale", 0, "treat running jobs without progress for this long as stuck (default BATCH_JOB_STALE_SECONDS)")
	apply := flag.Bool("apply", false, "reset the stuck jobs; without it only list them")
	flag.Parse()

	logger := config.GetLogger()
	settings := config.LoadSyncSettings()
	if *stale <= 0 {
		*stale = settings.BatchJobStaleAfter
	}

	config.ConnectDatabaseWithRetry()
	ctx := appctx.Set(context.Background(), appctx.ContextKeySkipTenantScope, true)
	// handlers are not needed to inspect or reset jobs
	jobs := workflow.NewBatchJobQueue(config.GetDB(), nil, logger)

	stuck, err := jobs.FindStuckJobs(ctx, *stale)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "batch-job-reset", "error": err.Error()}).Fatal("find stuck jobs")
	}
	if len(stuck) == 0 {
		fmt.Println("no stuck batch jobs")
		return
	}
	for _, job := range stuck {
		claimedBy := ""
		if job.ClaimedBy != nil {
			claimedBy = *job.ClaimedBy
		}
		fmt.Printf("job=%d tenant=%s type=%s processed=%d/%d claimed_by=%s updated_at=%s cancel_requested=%t\n",
			job.ID, job.TenantId, job.JobType, job.ProcessedItems, job.TotalItems, claimedBy,
			job.UpdatedAt.Format(time.RFC3339), job.CancelRequested)
	}
	if !*apply {
		fmt.Printf("%d stuck job(s); rerun with -apply to reset\n", len(stuck))
		return
	}
	n, err := jobs.ResetStuckJobs(ctx, *stale)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "batch-job-reset", "error": err.Error()}).Fatal("reset stuck jobs")
	}
	fmt.Printf("reset %d job(s)\n", n)
}
