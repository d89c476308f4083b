package actor

import (
	"fmt"
	"time"

	adactor "github.com/mkarren/fleetrelay/internal/adapter/actor"
	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/core/port"
	. "github.com/mkarren/fleetrelay/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type FeedActorProvider func(*eventstream.EventStream) *adactor.FeedActor

// MasterActor supervises the coordinator tree: the session registry, the
// recurring task scheduler and the MQTT fleet feed. The HTTP layer only
// ever talks to this actor.
type MasterActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	store  port.ConfigStore
	tasks  port.TaskStore
	bridge port.TaskBridge

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream
	registryActor      *actor.PID
	schedulerActor     *actor.PID
	feedActor          *actor.PID
	feedActorProvider  FeedActorProvider
	logger             *zap.Logger
}

type healthCheckResult struct {
	healthyById    map[string]bool
	expectedChecks int
	checksReceived int
	respondTo      *actor.PID
}

func NewMasterActor(config config.Config, store port.ConfigStore, tasks port.TaskStore,
	bridge port.TaskBridge, feedActorProvider FeedActorProvider, logger *zap.Logger) *MasterActor {
	act := &MasterActor{
		config:            config,
		behavior:          actor.NewBehavior(),
		stash:             &Stash{},
		store:             store,
		tasks:             tasks,
		bridge:            bridge,
		logger:            ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:       &eventstream.EventStream{},
		feedActorProvider: feedActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		registryPID, err := state.startRegistryActor(ctx)
		if err != nil {
			panic(err)
		}
		state.registryActor = registryPID

		if state.config.Scheduler.Enabled {
			schedulerPID, err := state.startSchedulerActor(ctx)
			if err != nil {
				panic(err)
			}
			state.schedulerActor = schedulerPID
		}

		if state.config.MQTT.Enabled {
			feedPID, err := state.startFeedActor(ctx)
			if err != nil {
				panic(err)
			}
			state.feedActor = feedPID
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.startHealthCheck(ctx)
	// registry requests pass through with the reply target rewritten, so
	// the registry (or the session it routes to) answers the original
	// caller directly
	case domain.RegisterSessionRequest:
		if msg.ReplyToRef == nil {
			msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
		}
		ctx.Send(state.registryActor, msg)
	case domain.UnregisterSessionRequest:
		if msg.ReplyToRef == nil {
			msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
		}
		ctx.Send(state.registryActor, msg)
	case domain.ListConnectedRequest:
		if msg.ReplyToRef == nil {
			msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
		}
		ctx.Send(state.registryActor, msg)
	case domain.ReloadConfigsRequest:
		if msg.ReplyToRef == nil {
			msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
		}
		ctx.Send(state.registryActor, msg)
	case domain.SendRelayCommandRequest:
		if msg.ReplyToRef == nil {
			msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
		}
		ctx.Send(state.registryActor, msg)
	case domain.SendRawCommandRequest:
		if msg.ReplyToRef == nil {
			msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
		}
		ctx.Send(state.registryActor, msg)
	case domain.EmergencyStopRequest:
		if msg.ReplyToRef == nil {
			msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
		}
		ctx.Send(state.registryActor, msg)
	case *actor.Terminated:
		// the registry cannot be replaced in flight, sessions died with it
		if msg.Who.Id == fmt.Sprintf("%s/%s", domain.ACTOR_ID_MASTER, domain.ACTOR_ID_REGISTRY) {
			state.logger.Error("master@default registry terminated")
			panic(fmt.Errorf("registry terminated"))
		}
	default:
		state.logger.Debug("master@default stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// a silent child counts as unhealthy
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		state.currentHealthCheck.healthyById[msg.Id] = msg.Healthy
		if state.currentHealthCheck.allReceived() {
			state.currentHealthCheck.respond(ctx)
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) startHealthCheck(ctx actor.Context) {
	state.currentHealthCheck = healthCheckResult{
		healthyById: map[string]bool{},
		respondTo:   ctx.Sender(),
	}
	children := map[string]*actor.PID{
		domain.ACTOR_ID_REGISTRY: state.registryActor,
	}
	if state.schedulerActor != nil {
		children[domain.ACTOR_ID_SCHEDULER] = state.schedulerActor
	}
	if state.feedActor != nil {
		children[domain.ACTOR_ID_FEED] = state.feedActor
	}
	state.currentHealthCheck.expectedChecks = len(children)

	for id, pid := range children {
		childId := id
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      childId,
				Healthy: false,
			}
		})
	}

	ctx.SetReceiveTimeout(1 * time.Second)
	state.behavior.BecomeStacked(state.HealthCheckReceive)
}

func (state *MasterActor) startRegistryActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewRegistryActor(&state.config, state.store, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_REGISTRY)
}

func (state *MasterActor) startSchedulerActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewSchedulerActor(&state.config, state.tasks, state.bridge, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_SCHEDULER)
}

func (state *MasterActor) startFeedActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return state.feedActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_FEED)
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived >= state.expectedChecks
}

func (state *healthCheckResult) allHealthy() bool {
	for _, healthy := range state.healthyById {
		if !healthy {
			return false
		}
	}
	return len(state.healthyById) == state.expectedChecks
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
