package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/core/events"
	"github.com/mkarren/fleetrelay/internal/core/port"
	. "github.com/mkarren/fleetrelay/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/google/uuid"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// minuteCron fires at second zero of every minute, which keeps the tick
// aligned with the wall clock the schedule times are written against.
const minuteCron = "0 * * * * *"

// SchedulerActor evaluates recurring task definitions once a minute and
// hands due ones to the task queue. The mailbox serializes ticks, so a slow
// store can delay an evaluation but never interleave two.
type SchedulerActor struct {
	ActorWithStates

	config      *config.Config
	taskStore   port.TaskStore
	bridge      port.TaskBridge
	eventStream *eventstream.EventStream
	logger      *zap.Logger

	location *time.Location
	cron     quartz.Scheduler
}

// schedulerTick requests one evaluation pass at the given instant. Carried
// in the message so tests can replay exact wall-clock times.
type schedulerTick struct {
	at time.Time
}

func NewSchedulerActor(cfg *config.Config, taskStore port.TaskStore, bridge port.TaskBridge,
	eventStream *eventstream.EventStream, logger *zap.Logger) *SchedulerActor {
	act := &SchedulerActor{
		config:      cfg,
		taskStore:   taskStore,
		bridge:      bridge,
		eventStream: eventStream,
		logger:      ActorLogger(domain.ACTOR_ID_SCHEDULER, logger),
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(SchedulerDefaultState{actor: act})
	return act
}

func (state *SchedulerActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

type SchedulerDefaultState struct {
	ActorState
	actor *SchedulerActor
}

func (state SchedulerDefaultState) Name() string {
	return "default"
}

func (state SchedulerDefaultState) Receive(ctx actor.Context) {
	act := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		act.logger.Debug("scheduler@default started")
		if err := act.resolveLocation(); err != nil {
			panic(err)
		}
		// with the cron off, evaluation only runs on injected ticks
		if act.config.Scheduler.Enabled {
			if err := act.startCron(ctx); err != nil {
				panic(err)
			}
		}
	case *actor.Stopping:
		if act.cron != nil {
			act.cron.Stop()
		}
	case schedulerTick:
		act.evaluate(ctx, msg.at)
	case domain.ActorHealthRequest:
		ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SCHEDULER,
			Healthy: true,
			State:   state.Name(),
		})
	default:
		act.logger.Debug("scheduler@default ignoring", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *SchedulerActor) resolveLocation() error {
	if state.config.Scheduler.Timezone == "" {
		state.location = time.Local
		return nil
	}
	loc, err := time.LoadLocation(state.config.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	state.location = loc
	return nil
}

func (state *SchedulerActor) startCron(ctx actor.Context) error {
	sched := quartz.NewStdScheduler()
	trigger, err := quartz.NewCronTriggerWithLoc(minuteCron, state.location)
	if err != nil {
		return err
	}

	self := ctx.Self()
	root := ctx.ActorSystem().Root
	location := state.location
	tickJob := job.NewFunctionJob(func(_ context.Context) (bool, error) {
		root.Send(self, schedulerTick{at: time.Now().In(location)})
		return true, nil
	})

	sched.Start(context.Background())
	if err := sched.ScheduleJob(quartz.NewJobDetail(tickJob, quartz.NewJobKey("recurring-task-tick")), trigger); err != nil {
		sched.Stop()
		return err
	}
	state.cron = sched
	return nil
}

// evaluate fires every definition due at the given instant, at most once
// per calendar day each.
func (state *SchedulerActor) evaluate(ctx actor.Context, at time.Time) {
	at = at.In(state.location)
	tasks, ok := state.loadActiveTasks(ctx)
	if !ok {
		return
	}
	date := domain.DispatchDate(at)
	for i := range tasks {
		task := &tasks[i]
		if !task.DueAt(at) {
			continue
		}
		state.fire(ctx, task, at, date)
	}
}

func (state *SchedulerActor) loadActiveTasks(ctx actor.Context) ([]domain.RecurringTask, bool) {
	var tasks []domain.RecurringTask
	loaded := false
	taskStore := state.taskStore
	logger := state.logger
	NewBackgroundTask(ctx, func() (*[]domain.RecurringTask, error) {
		t, err := taskStore.ActiveRecurringTasks(context.Background())
		return &t, err
	}).WithTimeout(storeCallTimeout).OnError(func(err error) {
		logger.Error("scheduler task load failed", zap.Error(err))
	}).OnSuccess(func(t []domain.RecurringTask) {
		tasks = t
		loaded = true
	}).Run()
	return tasks, loaded
}

func (state *SchedulerActor) fire(ctx actor.Context, task *domain.RecurringTask, at time.Time, date string) {
	bridge := state.bridge
	taskStore := state.taskStore
	logger := state.logger

	req := domain.DispatchRequest{
		QueueID:         uuid.NewString(),
		RecurringTaskID: task.ID,
		TemplateID:      task.TemplateID,
		TaskType:        task.TaskType,
		Floor:           task.Floor,
		ShelfPoint:      task.ShelfPoint,
		Date:            date,
		ScheduleTime:    task.ScheduleTime,
	}

	NewBackgroundTask(ctx, func() (*error, error) {
		queued, err := taskStore.HasQueuedToday(context.Background(), task.ID, date)
		if err != nil {
			return nil, err
		}
		if queued {
			dispatchErr := domain.ErrDispatchRejected
			return &dispatchErr, nil
		}
		dispatchErr := bridge.Dispatch(context.Background(), req)
		return &dispatchErr, nil
	}).WithTimeout(storeCallTimeout).OnError(func(err error) {
		logger.Error("scheduler dispatch failed", zap.Int64("task", task.ID), zap.Error(err))
	}).OnSuccess(func(dispatchErr error) {
		switch {
		case dispatchErr == nil:
			logger.Info("scheduler dispatched recurring task",
				zap.Int64("task", task.ID), zap.String("type", task.TaskType),
				zap.Int("floor", task.Floor), zap.String("date", date))
			state.eventStream.Publish(events.TaskDispatchedEvent{
				RecurringTaskID: task.ID,
				TaskType:        task.TaskType,
				Floor:           task.Floor,
				ShelfPoint:      task.ShelfPoint,
				Date:            date,
				At:              at,
			})
		case errors.Is(dispatchErr, domain.ErrDispatchRejected):
			// already fired today, nothing to do
			logger.Debug("scheduler skipping dispatched task", zap.Int64("task", task.ID), zap.String("date", date))
		default:
			// no record was written, the next matching minute may retry
			logger.Error("scheduler dispatch failed", zap.Int64("task", task.ID), zap.Error(dispatchErr))
		}
	}).Run()
}
