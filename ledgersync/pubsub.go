package ledgersync

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/sirupsen/logrus"
)

// PubSubNudger publishes a NudgeMessage so idle workers drain the queue right away.
type PubSubNudger struct {
	Topic       string
	CreateTopic bool
	Logger      *logrus.Logger
}

func NewPubSubNudger(s config.SyncSettings, logger *logrus.Logger) *PubSubNudger {
	if !s.NudgeEnabled {
		return nil
	}
	return &PubSubNudger{Topic: s.NudgeTopic, CreateTopic: s.NudgeCreateTopic, Logger: logger}
}

// Nudge is best effort; workers still poll.
func (n *PubSubNudger) Nudge(ctx context.Context, tenantId string) {
	if n == nil || n.Topic == "" {
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		msg := NudgeMessage{TenantId: tenantId, At: time.Now().UTC()}
		if _, err := config.PublishJSON(pubCtx, n.Topic, msg, n.CreateTopic); err != nil {
			config.LogError(n.Logger, "ledgersync", "PubSubNudger.Nudge", "publish", tenantId, err)
		}
	}()
}

// PubSubPushHandler receives push deliveries of nudges. It always answers 204 so
// Pub/Sub does not redeliver; the queue itself is durable.
func PubSubPushHandler(w *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}
		var msg NudgeMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil || msg.TenantId == "" {
			c.Status(204)
			return
		}
		if w != nil {
			w.Wake()
		}
		c.Status(204)
	}
}
