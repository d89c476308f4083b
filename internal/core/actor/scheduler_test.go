package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkarren/fleetrelay/internal/adapter/store"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/util"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type schedulerFixture struct {
	as      *actor.ActorSystem
	context *actor.RootContext
	store   *store.MemoryStore
	pid     *actor.PID
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	cfg := util.LoadTestConfig()
	logger := zap.NewNop()
	memStore := store.NewMemoryStore()

	as := actor.NewActorSystem()
	rootContext := as.Root
	es := &eventstream.EventStream{}

	pid := rootContext.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewSchedulerActor(&cfg, memStore, memStore, es, logger)
	}))

	t.Cleanup(func() { as.Shutdown() })
	return &schedulerFixture{as: as, context: rootContext, store: memStore, pid: pid}
}

func (f *schedulerFixture) addTask(t *testing.T, task domain.RecurringTask) domain.RecurringTask {
	t.Helper()
	require.NoError(t, f.store.CreateRecurringTask(context.Background(), &task))
	return task
}

func (f *schedulerFixture) tick(at time.Time) {
	f.context.Send(f.pid, schedulerTick{at: at})
}

// monday 09:30 local time
func mondayAt0930() time.Time {
	day := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.Local)
	if day.Weekday() != time.Monday {
		panic("fixture date is not a monday")
	}
	return day
}

func TestSchedulerDispatchesDueTask(t *testing.T) {

	f := newSchedulerFixture(t)
	task := f.addTask(t, domain.RecurringTask{
		TemplateID:   42,
		TaskType:     "delivery",
		Floor:        3,
		ShelfPoint:   "B-12",
		ScheduleTime: "09:30",
		DaysOfWeek:   []string{"monday", "friday"},
		Active:       true,
	})

	f.tick(mondayAt0930())
	time.Sleep(300 * time.Millisecond)

	dispatched := f.store.Dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, task.ID, dispatched[0].RecurringTaskID)
	assert.Equal(t, "delivery", dispatched[0].TaskType)
	assert.Equal(t, 3, dispatched[0].Floor)
	assert.Equal(t, "2025-06-02", dispatched[0].Date)
	assert.NotEmpty(t, dispatched[0].QueueID)
}

func TestSchedulerFiresAtMostOncePerDay(t *testing.T) {

	f := newSchedulerFixture(t)
	f.addTask(t, domain.RecurringTask{
		TemplateID:   1,
		TaskType:     "delivery",
		Floor:        2,
		ScheduleTime: "09:30",
		DaysOfWeek:   []string{"monday"},
		Active:       true,
	})

	at := mondayAt0930()
	// duplicate ticks inside the same minute, e.g. after a restart
	f.tick(at)
	f.tick(at.Add(20 * time.Second))
	time.Sleep(300 * time.Millisecond)

	assert.Len(t, f.store.Dispatched(), 1)

	// the next week is a fresh dispatch record
	f.tick(at.AddDate(0, 0, 7))
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, f.store.Dispatched(), 2)
}

func TestSchedulerSkipsNonMatchingMinuteAndDay(t *testing.T) {

	f := newSchedulerFixture(t)
	f.addTask(t, domain.RecurringTask{
		TemplateID:   1,
		TaskType:     "delivery",
		Floor:        2,
		ScheduleTime: "09:30",
		DaysOfWeek:   []string{"monday"},
		Active:       true,
	})

	at := mondayAt0930()
	f.tick(at.Add(1 * time.Minute))     // wrong minute
	f.tick(at.AddDate(0, 0, 1))         // tuesday
	f.tick(at.Add(-2 * time.Minute))    // before schedule
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, f.store.Dispatched())
}

func TestSchedulerIgnoresInactiveTasks(t *testing.T) {

	f := newSchedulerFixture(t)
	task := f.addTask(t, domain.RecurringTask{
		TemplateID:   1,
		TaskType:     "delivery",
		Floor:        2,
		ScheduleTime: "09:30",
		DaysOfWeek:   []string{"monday"},
		Active:       true,
	})
	require.NoError(t, f.store.DeactivateRecurringTask(context.Background(), task.ID))

	f.tick(mondayAt0930())
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, f.store.Dispatched())
}

func TestSchedulerFailedDispatchLeavesNoRecord(t *testing.T) {

	f := newSchedulerFixture(t)
	f.addTask(t, domain.RecurringTask{
		TemplateID:   1,
		TaskType:     "delivery",
		Floor:        2,
		ScheduleTime: "09:30",
		DaysOfWeek:   []string{"monday"},
		Active:       true,
	})

	f.store.FailDispatches(errors.New("queue unavailable"))
	at := mondayAt0930()
	f.tick(at)
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, f.store.Dispatched())

	// a later tick in the matching minute retries successfully
	f.store.FailDispatches(nil)
	f.tick(at.Add(30 * time.Second))
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, f.store.Dispatched(), 1)
}
