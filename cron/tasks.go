package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thornvale/worldscheduler/config"
	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/queue"
)

// Default task names.
const (
	TaskEventExpiration      = "eventExpiration"
	TaskSettlementGrowth     = "settlementGrowth"
	TaskStructureMaintenance = "structureMaintenance"
	TaskQueueCleanup         = "queueCleanup"
)

const (
	queueCleanupExpression = "30 3 * * *"
	retentionMaxAge        = 7 * 24 * time.Hour
)

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind job.Kind, campaignID string, payload json.RawMessage, opts queue.Options) (string, error)
}

// Cleaner prunes old retention entries.
type Cleaner interface {
	CleanCompleted(ctx context.Context, maxAge time.Duration) (int, error)
	CleanFailed(ctx context.Context, maxAge time.Duration) (int, error)
}

// RegisterDefaults wires the built-in periodic tasks. The cleanup task is
// registered disabled; operators opt in per deployment.
func RegisterDefaults(s *Scheduler, cfg *config.Config, jobs Enqueuer, cleaner Cleaner) error {
	empty := json.RawMessage(`{}`)

	err := s.Register(TaskEventExpiration, cfg.CronEventExpiration, func(ctx context.Context) error {
		_, err := jobs.Enqueue(ctx, job.KindEventExpiration, job.SystemCampaign, empty,
			queue.Options{Priority: job.PriorityHigh})
		return err
	})
	if err != nil {
		return err
	}

	err = s.Register(TaskSettlementGrowth, cfg.CronSettlementGrowth, func(ctx context.Context) error {
		_, err := jobs.Enqueue(ctx, job.KindRecalculateSettlementSchedules, job.SystemCampaign, empty,
			queue.Options{Priority: job.PriorityNormal})
		return err
	})
	if err != nil {
		return err
	}

	err = s.Register(TaskStructureMaintenance, cfg.CronStructureMaintenance, func(ctx context.Context) error {
		_, err := jobs.Enqueue(ctx, job.KindRecalculateStructureSchedules, job.SystemCampaign, empty,
			queue.Options{Priority: job.PriorityNormal})
		return err
	})
	if err != nil {
		return err
	}

	err = s.Register(TaskQueueCleanup, queueCleanupExpression, func(ctx context.Context) error {
		completed, err := cleaner.CleanCompleted(ctx, retentionMaxAge)
		if err != nil {
			return fmt.Errorf("clean completed: %w", err)
		}
		failed, err := cleaner.CleanFailed(ctx, retentionMaxAge)
		if err != nil {
			return fmt.Errorf("clean failed: %w", err)
		}
		s.logger.Info("queue retention cleaned", "completed", completed, "failed", failed)
		return nil
	})
	if err != nil {
		return err
	}
	return s.Disable(TaskQueueCleanup)
}
