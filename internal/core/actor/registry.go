package actor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/core/events"
	"github.com/mkarren/fleetrelay/internal/core/port"
	. "github.com/mkarren/fleetrelay/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const storeCallTimeout = 2 * time.Second

// RegistryActor is the single owner of the session table. All session
// lifecycle (register, supersede, identity fixup, heartbeat sweep) and all
// command routing go through its mailbox, so there is never a torn view of
// which session owns an identity.
type RegistryActor struct {
	ActorWithStates
	stash     *Stash
	scheduler *scheduler.TimerScheduler

	config      *config.Config
	store       port.ConfigStore
	eventStream *eventstream.EventStream
	logger      *zap.Logger

	sessions          map[string]*sessionEntry
	configsByIdentity map[string]*domain.RelayConfig
	configsByName     map[string]string

	spawnSeq uint64
}

type sessionEntry struct {
	pid          *actor.PID
	identity     string
	name         string
	ip           string
	capabilities []string
	connectedAt  time.Time
	lastSeen     time.Time
	config       *domain.RelayConfig
}

type relayConfigsLoaded struct {
	configs []domain.RelayConfig
	err     error
	replyTo *actor.PID
}

type sweepTick struct{}

func NewRegistryActor(cfg *config.Config, store port.ConfigStore, eventStream *eventstream.EventStream,
	logger *zap.Logger) *RegistryActor {
	act := &RegistryActor{
		config:            cfg,
		store:             store,
		eventStream:       eventStream,
		stash:             &Stash{},
		logger:            ActorLogger(domain.ACTOR_ID_REGISTRY, logger),
		sessions:          map[string]*sessionEntry{},
		configsByIdentity: map[string]*domain.RelayConfig{},
		configsByName:     map[string]string{},
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(RegistryStartingState{actor: act})
	return act
}

func (state *RegistryActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

// Starting state: configurations are loading, everything else waits.

type RegistryStartingState struct {
	ActorState
	actor *RegistryActor
}

func (state RegistryStartingState) Name() string {
	return "starting"
}

func (state RegistryStartingState) Receive(ctx actor.Context) {
	act := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		act.logger.Debug("registry@starting started")
		act.scheduler = scheduler.NewTimerScheduler(ctx)
		sweepInterval := time.Duration(act.config.Registry.SweepIntervalSeconds) * time.Second
		act.scheduler.SendRepeatedly(sweepInterval, sweepInterval, ctx.Self(), sweepTick{})
		act.loadConfigs(ctx, nil)
	case relayConfigsLoaded:
		if msg.err != nil {
			act.logger.Error("registry@starting config load failed", zap.Error(msg.err))
			panic(msg.err)
		}
		act.indexConfigs(msg.configs)
		act.logger.Info("registry@starting configurations loaded", zap.Int("count", len(msg.configs)))
		act.Become(RegistryDefaultState{actor: act})
		act.stash.UnstashAll(ctx)
	case *actor.Restarting:
	default:
		act.logger.Debug("registry@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		act.stash.Stash(ctx, msg)
	}
}

// Default state

type RegistryDefaultState struct {
	ActorState
	actor *RegistryActor
}

func (state RegistryDefaultState) Name() string {
	return "default"
}

func (state RegistryDefaultState) Receive(ctx actor.Context) {
	act := state.actor
	switch msg := ctx.Message().(type) {
	case domain.RegisterSessionRequest:
		act.handleRegister(ctx, msg)
	case domain.UnregisterSessionRequest:
		act.handleUnregister(ctx, msg)
	case domain.SessionAnnounce:
		act.handleAnnounce(ctx, msg)
	case domain.SessionLiveness:
		if entry, ok := act.sessions[msg.Identity]; ok {
			entry.lastSeen = msg.At
		}
	case sweepTick:
		act.sweep(ctx)
	case domain.ListConnectedRequest:
		ForRequest(msg).Respond(ctx, domain.ListConnectedResponse{Relays: act.snapshot()})
	case domain.ReloadConfigsRequest:
		act.loadConfigs(ctx, ForRequest(msg).ReplyTo(ctx))
	case relayConfigsLoaded:
		act.handleConfigsLoaded(ctx, msg)
	case domain.SendRelayCommandRequest:
		if entry, ok := act.resolveTarget(msg.Target); ok {
			// the session answers the original caller directly
			if msg.ReplyToRef == nil {
				msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
			}
			ctx.Send(entry.pid, msg)
		} else {
			ForRequest(msg).Respond(ctx, domain.RelayCommandResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
				Relay:              msg.Relay,
			})
		}
	case domain.SendRawCommandRequest:
		if entry, ok := act.resolveTarget(msg.Target); ok {
			if msg.ReplyToRef == nil {
				msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
			}
			ctx.Send(entry.pid, msg)
		} else {
			ForRequest(msg).Respond(ctx, domain.RawCommandResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
			})
		}
	case domain.EmergencyStopRequest:
		if entry, ok := act.resolveTarget(msg.Target); ok {
			if msg.ReplyToRef == nil {
				msg.ReplyToRef = (*domain.ActorRef)(ctx.Sender())
			}
			ctx.Send(entry.pid, msg)
		} else {
			ForRequest(msg).Respond(ctx, domain.EmergencyStopResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
			})
		}
	case *actor.Terminated:
		act.handleTerminated(ctx, msg)
	case domain.ActorHealthRequest:
		ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_REGISTRY,
			Healthy: true,
			State:   fmt.Sprintf("%d sessions", len(act.sessions)),
		})
	default:
		act.logger.Debug("registry@default ignoring", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *RegistryActor) handleRegister(ctx actor.Context, msg domain.RegisterSessionRequest) {
	identity := domain.NormalizeIdentity(msg.Identity)
	state.logger.Info("registry register session", zap.String("identity", identity), zap.String("ip", msg.IP))

	// last writer wins: a reconnecting board replaces its old session
	if existing, ok := state.sessions[identity]; ok {
		state.dropSession(ctx, existing, "superseded")
	}

	cfg := state.configsByIdentity[identity]
	pid := state.spawnSession(ctx, identity, msg.IP, cfg, msg)
	now := time.Now()
	entry := &sessionEntry{
		pid:         pid,
		identity:    identity,
		ip:          msg.IP,
		connectedAt: now,
		lastSeen:    now,
		config:      cfg,
	}
	if cfg != nil {
		entry.name = cfg.Name
	}
	state.sessions[identity] = entry

	state.eventStream.Publish(events.DeviceConnectedEvent{
		Identity:     identity,
		Name:         entry.name,
		IP:           msg.IP,
		Capabilities: entry.capabilities,
		At:           now,
	})
	state.persistConnected(ctx, identity, msg.IP, now)

	ForRequest(msg).Respond(ctx, domain.RegisterSessionResponse{Identity: identity})
}

func (state *RegistryActor) spawnSession(ctx actor.Context, identity, ip string,
	cfg *domain.RelayConfig, msg domain.RegisterSessionRequest) *actor.PID {
	// a crashed session cannot restart, its transport is gone with it
	decider := func(reason interface{}) actor.Directive {
		state.logger.Error("registry session failure", zap.Any("reason", reason))
		return actor.StopDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	state.spawnSeq++
	name := fmt.Sprintf("session-%s-%d", sanitizeActorName(identity), state.spawnSeq)
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewSessionActor(state.config, identity, ip, cfg, msg.Transport,
			ctx.Self(), state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	pid, err := ctx.SpawnNamed(props, name)
	if err != nil {
		// name collisions cannot happen with the sequence suffix
		panic(err)
	}
	ctx.Watch(pid)
	return pid
}

func (state *RegistryActor) handleUnregister(ctx actor.Context, msg domain.UnregisterSessionRequest) {
	identity := domain.NormalizeIdentity(msg.Identity)
	if entry, ok := state.sessions[identity]; ok {
		state.dropSession(ctx, entry, msg.Reason)
	}
	ForRequest(msg).Respond(ctx, domain.UnregisterSessionResponse{})
}

// dropSession removes an entry, stops its actor and records the disconnect.
func (state *RegistryActor) dropSession(ctx actor.Context, entry *sessionEntry, reason string) {
	state.logger.Info("registry drop session", zap.String("identity", entry.identity), zap.String("reason", reason))
	delete(state.sessions, entry.identity)
	ctx.Stop(entry.pid)
	now := time.Now()
	state.eventStream.Publish(events.DeviceDisconnectedEvent{
		Identity: entry.identity,
		Name:     entry.name,
		Reason:   reason,
		At:       now,
	})
	state.persistDisconnected(ctx, entry.identity, now)
}

func (state *RegistryActor) handleAnnounce(ctx actor.Context, msg domain.SessionAnnounce) {
	entry, ok := state.sessions[msg.Identity]
	if !ok {
		return
	}
	if msg.DeviceName != "" {
		entry.name = msg.DeviceName
	}
	if msg.IP != "" {
		entry.ip = msg.IP
	}
	if len(msg.Capabilities) > 0 {
		entry.capabilities = msg.Capabilities
	}
	entry.lastSeen = time.Now()

	// identity fixup: a board that connected under a commissioning id now
	// reported its hardware address, which becomes the registry key
	if !domain.IsMACAddress(entry.identity) && domain.IsMACAddress(msg.ReportedMAC) {
		newIdentity := domain.NormalizeIdentity(msg.ReportedMAC)
		if newIdentity != entry.identity {
			state.logger.Info("registry identity fixup",
				zap.String("from", entry.identity), zap.String("to", newIdentity))
			if existing, ok := state.sessions[newIdentity]; ok {
				state.dropSession(ctx, existing, "superseded")
			}
			delete(state.sessions, entry.identity)
			entry.identity = newIdentity
			entry.config = state.configsByIdentity[newIdentity]
			if entry.config != nil && entry.name == "" {
				entry.name = entry.config.Name
			}
			state.sessions[newIdentity] = entry
			ctx.Send(entry.pid, domain.AssignIdentity{Identity: newIdentity, Config: entry.config})
			state.persistConnected(ctx, newIdentity, entry.ip, entry.connectedAt)
		}
	}

	// the register event fires before the device has introduced itself, so
	// the announce republishes it with the reported name and capabilities
	state.eventStream.Publish(events.DeviceConnectedEvent{
		Identity:     entry.identity,
		Name:         entry.name,
		IP:           entry.ip,
		Capabilities: entry.capabilities,
		At:           entry.lastSeen,
	})
}

func (state *RegistryActor) sweep(ctx actor.Context) {
	window := time.Duration(state.config.Registry.HeartbeatWindowSeconds) * time.Second
	now := time.Now()
	for _, entry := range state.sessions {
		if now.Sub(entry.lastSeen) > window {
			state.dropSession(ctx, entry, "heartbeat timeout")
		}
	}
}

func (state *RegistryActor) snapshot() []domain.ConnectedRelay {
	relays := make([]domain.ConnectedRelay, 0, len(state.sessions))
	for _, entry := range state.sessions {
		relays = append(relays, domain.ConnectedRelay{
			Identity:     entry.identity,
			Name:         entry.name,
			IP:           entry.ip,
			Capabilities: entry.capabilities,
			ConnectedAt:  entry.connectedAt,
			LastSeen:     entry.lastSeen,
		})
	}
	return relays
}

func (state *RegistryActor) resolveTarget(target string) (*sessionEntry, bool) {
	identity := domain.NormalizeIdentity(target)
	if entry, ok := state.sessions[identity]; ok {
		return entry, true
	}
	if id, ok := state.configsByName[target]; ok {
		if entry, ok := state.sessions[id]; ok {
			return entry, true
		}
	}
	return nil, false
}

func (state *RegistryActor) handleTerminated(ctx actor.Context, msg *actor.Terminated) {
	for _, entry := range state.sessions {
		if entry.pid.Equal(msg.Who) {
			state.logger.Info("registry session terminated", zap.String("identity", entry.identity))
			delete(state.sessions, entry.identity)
			now := time.Now()
			state.eventStream.Publish(events.DeviceDisconnectedEvent{
				Identity: entry.identity,
				Name:     entry.name,
				Reason:   "session terminated",
				At:       now,
			})
			state.persistDisconnected(ctx, entry.identity, now)
			return
		}
	}
}

func (state *RegistryActor) loadConfigs(ctx actor.Context, replyTo *actor.PID) {
	store := state.store
	NewBackgroundTask(ctx, func() (*relayConfigsLoaded, error) {
		configs, err := store.LoadRelayConfigs(context.Background())
		return &relayConfigsLoaded{configs: configs, err: err, replyTo: replyTo}, nil
	}).WithTimeout(storeCallTimeout).Recover(func(err error) relayConfigsLoaded {
		return relayConfigsLoaded{err: err, replyTo: replyTo}
	}).PipeTo(ctx.Self())
}

func (state *RegistryActor) handleConfigsLoaded(ctx actor.Context, msg relayConfigsLoaded) {
	if msg.err != nil {
		state.logger.Error("registry config reload failed", zap.Error(msg.err))
		RespondTo(ctx, msg.replyTo, domain.ReloadConfigsResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: msg.err},
		})
		return
	}
	state.indexConfigs(msg.configs)
	// rebind every live session; sessions whose record disappeared keep
	// running but lose name resolution
	for _, entry := range state.sessions {
		cfg := state.configsByIdentity[entry.identity]
		if cfg != entry.config {
			entry.config = cfg
			ctx.Send(entry.pid, domain.UpdateSessionConfig{Config: cfg})
		}
	}
	state.logger.Info("registry configurations reloaded", zap.Int("count", len(msg.configs)))
	RespondTo(ctx, msg.replyTo, domain.ReloadConfigsResponse{Count: len(msg.configs)})
}

func (state *RegistryActor) indexConfigs(configs []domain.RelayConfig) {
	state.configsByIdentity = make(map[string]*domain.RelayConfig, len(configs))
	state.configsByName = make(map[string]string, len(configs))
	for i := range configs {
		cfg := &configs[i]
		if !cfg.Active {
			continue
		}
		state.configsByIdentity[cfg.Identity] = cfg
		if cfg.Name != "" {
			state.configsByName[cfg.Name] = cfg.Identity
		}
	}
}

func (state *RegistryActor) persistConnected(ctx actor.Context, identity, ip string, at time.Time) {
	store := state.store
	logger := state.logger
	NewBackgroundTask(ctx, func() (*struct{}, error) {
		return &struct{}{}, store.UpsertConnectedRelay(context.Background(), identity, ip, at)
	}).WithTimeout(storeCallTimeout).OnError(func(err error) {
		logger.Warn("registry persist connect failed", zap.String("identity", identity), zap.Error(err))
	}).Run()
}

func (state *RegistryActor) persistDisconnected(ctx actor.Context, identity string, at time.Time) {
	store := state.store
	logger := state.logger
	NewBackgroundTask(ctx, func() (*struct{}, error) {
		return &struct{}{}, store.MarkRelayDisconnected(context.Background(), identity, at)
	}).WithTimeout(storeCallTimeout).OnError(func(err error) {
		logger.Warn("registry persist disconnect failed", zap.String("identity", identity), zap.Error(err))
	}).Run()
}

func sanitizeActorName(identity string) string {
	return strings.NewReplacer(":", "-", "/", "-", " ", "-").Replace(identity)
}
