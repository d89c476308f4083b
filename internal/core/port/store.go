package port

import (
	"context"
	"time"

	"github.com/mkarren/fleetrelay/internal/core/domain"
)

// ConfigStore reads administrator relay configurations and writes back the
// observed connection facts. The records themselves are owned by the
// external CRUD surface.
type ConfigStore interface {
	LoadRelayConfigs(ctx context.Context) ([]domain.RelayConfig, error)
	UpsertConnectedRelay(ctx context.Context, identity, ip string, at time.Time) error
	MarkRelayDisconnected(ctx context.Context, identity string, at time.Time) error
}

// TaskStore holds recurring task definitions and the task queue. A queued
// row for (definition, date) is the dispatch record that makes firing
// at-most-once per day.
type TaskStore interface {
	ActiveRecurringTasks(ctx context.Context) ([]domain.RecurringTask, error)
	HasQueuedToday(ctx context.Context, recurringTaskID int64, date string) (bool, error)
	CreateRecurringTask(ctx context.Context, task *domain.RecurringTask) error
	RecurringTasks(ctx context.Context) ([]domain.RecurringTask, error)
	DeactivateRecurringTask(ctx context.Context, id int64) error
}

// TaskBridge hands a due recurring task to the task-execution subsystem.
// Implementations must write the day's dispatch record atomically with the
// hand-off: a failed Dispatch leaves no record, so the firing is retryable
// within the matching minute but never re-fires later in the day once it
// succeeds.
type TaskBridge interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) error
}
