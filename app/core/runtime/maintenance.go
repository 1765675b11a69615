package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lembra/app/core/scheduler"
	"lembra/app/pkg/logger"
)

const MessagePruneJobName = "message-prune"

const (
	defaultMessageRetentionDays = 90
	defaultPruneInterval        = 6 * time.Hour
	defaultPruneTimeout         = 20 * time.Second
)

// MessagePruner drops stored turns older than the retention window.
type MessagePruner interface {
	PruneMessages(ctx context.Context, olderThan time.Duration) (int64, error)
}

type MaintenanceOptions struct {
	Enabled              bool
	MessageRetentionDays int
	PruneInterval        time.Duration
	PruneTimeout         time.Duration
}

func RegisterMaintenanceJobs(jobs *scheduler.Scheduler, store MessagePruner, opts MaintenanceOptions, log *zap.Logger) error {
	opts = sanitizeMaintenanceOptions(opts)
	if jobs == nil || store == nil || !opts.Enabled {
		return nil
	}
	log = logger.OrNop(log).Named("maintenance")
	retention := time.Duration(opts.MessageRetentionDays) * 24 * time.Hour
	return jobs.Register(scheduler.JobSpec{
		Name:       MessagePruneJobName,
		Interval:   opts.PruneInterval,
		Timeout:    opts.PruneTimeout,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			pruned, err := store.PruneMessages(ctx, retention)
			if err != nil {
				return err
			}
			if pruned > 0 {
				log.Info("old messages pruned",
					zap.Int64("removed", pruned),
					zap.Int("retention_days", opts.MessageRetentionDays))
			}
			return nil
		},
	})
}

// sanitizeMaintenanceOptions treats a zero value as "enabled with defaults".
func sanitizeMaintenanceOptions(opts MaintenanceOptions) MaintenanceOptions {
	if opts == (MaintenanceOptions{}) {
		opts.Enabled = true
	}
	if opts.MessageRetentionDays <= 0 {
		opts.MessageRetentionDays = defaultMessageRetentionDays
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	if opts.PruneTimeout <= 0 {
		opts.PruneTimeout = defaultPruneTimeout
	}
	return opts
}
