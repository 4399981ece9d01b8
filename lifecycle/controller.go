package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/authz"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/ledgersync"
	"github.com/mmdatafocus/ordersync/metrics"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SyncEnqueuer records outbound ledger work inside the caller's transaction.
// *ledgersync.Queue implements it.
type SyncEnqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, in ledgersync.EnqueueInput) (*models.SyncOperation, error)
	EnsureSynced(ctx context.Context, tx *gorm.DB, in ledgersync.EnqueueInput) (*models.SyncOperation, error)
	Nudge(ctx context.Context, tenantId string)
}

// Controller owns every order state change. Each command authorizes first and then
// mutates in a single transaction; sync work is enqueued in that same transaction.
type Controller struct {
	DB         *gorm.DB
	Authorizer authz.Authorizer
	Logger     *logrus.Logger
	// nil keeps the controller local-only
	Sync SyncEnqueuer
	Now  func() time.Time
}

func NewController(db *gorm.DB, authorizer authz.Authorizer, sync SyncEnqueuer, logger *logrus.Logger) *Controller {
	if authorizer == nil {
		authorizer = authz.AllowAll{}
	}
	return &Controller{DB: db, Authorizer: authorizer, Sync: sync, Logger: logger}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) log() *logrus.Entry {
	logger := c.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithField("field", "lifecycle")
}

func (c *Controller) authorize(ctx context.Context, tenantId, actor string, action authz.Action, resource string) error {
	if tenantId == "" {
		return fmt.Errorf("%w: tenant id is required", models.ErrInvalidInput)
	}
	ok, err := c.Authorizer.Authorize(ctx, authz.Request{TenantId: tenantId, Actor: actor, Action: action, Resource: resource})
	if err != nil {
		return fmt.Errorf("authorize %s: %w", action, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s may not %s", models.ErrForbidden, actor, action)
	}
	return nil
}

func (c *Controller) enqueue(ctx context.Context, tx *gorm.DB, in ledgersync.EnqueueInput) error {
	if c.Sync == nil {
		return nil
	}
	if _, err := c.Sync.Enqueue(ctx, tx, in); err != nil {
		return fmt.Errorf("enqueue %s sync: %w", in.EntityType, err)
	}
	return nil
}

func (c *Controller) ensureSynced(ctx context.Context, tx *gorm.DB, in ledgersync.EnqueueInput) error {
	if c.Sync == nil {
		return nil
	}
	if _, err := c.Sync.EnsureSynced(ctx, tx, in); err != nil {
		return fmt.Errorf("ensure %s %d synced: %w", in.EntityType, in.EntityId, err)
	}
	return nil
}

func (c *Controller) nudge(ctx context.Context, tenantId string) {
	if c.Sync != nil {
		c.Sync.Nudge(ctx, tenantId)
	}
}

func (c *Controller) record(action authz.Action, err error) {
	metrics.RecordLifecycleCommand(string(action), err)
}

func resourceId(kind string, id uint) string {
	return fmt.Sprintf("%s:%d", kind, id)
}
