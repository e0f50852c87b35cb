// Package runtime registers the background sweeps that drive task and
// event processing.
package runtime

import (
	"context"
	"time"

	configs "advisor0/app/configs"
	"advisor0/app/core/agent"
	"advisor0/app/core/orchestrator/task"
	"advisor0/app/core/orchestrator/webhook"
	"advisor0/app/core/scheduler"
	"advisor0/app/pkg/logger"
)

// RegisterProcessorJobs wires the task sweep and the event sweep. Both are
// bounded per pass; per-item failures are logged and the pass continues, so
// one poisoned row cannot starve the rest of the batch.
func RegisterProcessorJobs(jobScheduler *scheduler.Scheduler, cfg *configs.Manager, orch *agent.Orchestrator, tasks *task.Store, events *webhook.Store) error {
	if jobScheduler == nil || orch == nil {
		return nil
	}
	settings := cfg.Get().Processor
	interval := time.Duration(settings.IntervalSec) * time.Second
	backoff := time.Duration(settings.ErrorBackoffSec) * time.Second
	debounce := time.Duration(settings.DebounceSec) * time.Second

	if err := jobScheduler.Register(scheduler.JobSpec{
		Name:         "task-sweep",
		Interval:     interval,
		Timeout:      5 * time.Minute,
		ErrorBackoff: backoff,
		Run: func(ctx context.Context) error {
			return sweepTasks(ctx, orch, tasks, settings.TaskBatchSize, debounce)
		},
	}); err != nil {
		return err
	}
	return jobScheduler.Register(scheduler.JobSpec{
		Name:         "event-sweep",
		Interval:     interval,
		Timeout:      time.Minute,
		ErrorBackoff: backoff,
		Run: func(ctx context.Context) error {
			return sweepEvents(ctx, orch, events, settings.EventBatchSize)
		},
	})
}

// sweepTasks processes the oldest live tasks. Tasks touched inside the
// debounce window are skipped this pass; they were just worked on, either
// by a user or by the previous sweep.
func sweepTasks(ctx context.Context, orch *agent.Orchestrator, tasks *task.Store, batchSize int, debounce time.Duration) error {
	batch, err := tasks.ListProcessable(ctx, []string{task.StatusPending, task.StatusInProgress}, batchSize)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-debounce).Unix()
	for _, t := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if debounce > 0 && t.UpdatedAt > cutoff {
			continue
		}
		if err := orch.ProcessTask(ctx, t.UserID, t.ID); err != nil {
			logger.Error("[Processor] task %s: %v", t.ID, err)
		}
	}
	return nil
}

func sweepEvents(ctx context.Context, orch *agent.Orchestrator, events *webhook.Store, batchSize int) error {
	batch, err := events.ListReceived(ctx, batchSize)
	if err != nil {
		return err
	}
	for _, event := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := orch.ProcessWebhookEvent(ctx, event); err != nil {
			logger.Error("[Processor] event %s: %v", event.ID, err)
		}
	}
	return nil
}
