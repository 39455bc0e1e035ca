// Package retention prunes aged terminal deliveries from the ledger on a
// cron schedule. Retention is an operational knob; with no schedule
// configured the ledger keeps everything.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"webhookd/internal/config"
	"webhookd/internal/store"
)

type Janitor struct {
	store store.Store
	cfg   config.RetentionConfig
	log   *logrus.Logger
	cron  *cron.Cron
}

func NewJanitor(s store.Store, cfg config.RetentionConfig, log *logrus.Logger) *Janitor {
	return &Janitor{store: s, cfg: cfg, log: log, cron: cron.New()}
}

// Start schedules pruning. No-op when no schedule is configured.
func (j *Janitor) Start() error {
	if j.cfg.Schedule == "" {
		return nil
	}
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.RunOnce); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// RunOnce prunes terminal deliveries older than the retention window.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-j.cfg.MaxAge)
	n, err := j.store.PruneDeliveries(ctx, cutoff)
	if err != nil {
		j.log.WithError(err).Error("prune deliveries")
		return
	}
	if n > 0 {
		j.log.WithField("pruned", n).Info("pruned aged deliveries")
	}
}
