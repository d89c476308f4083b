package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/core/events"
	. "github.com/mkarren/fleetrelay/internal/util/actorutil"
	"github.com/mkarren/fleetrelay/pkg/relaywire"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// SessionActor owns one device connection: the transport, the read pump,
// the configuration binding and the command queue. Commands are serialized
// by the mailbox; while one command waits for its acknowledgement the rest
// stay stashed, so the device always sees them in submission order.
// Emergency stops are the exception and are written in every state.
type SessionActor struct {
	ActorWithStates
	stash     *Stash
	scheduler *scheduler.TimerScheduler

	config      *config.Config
	identity    string
	ip          string
	relayConfig *domain.RelayConfig
	transport   relaywire.Transport
	registry    *actor.PID
	eventStream *eventstream.EventStream
	logger      *zap.Logger

	lastStates map[string]bool
	ackSeq     uint64
}

// internal messages

type inboundFrame struct {
	frame relaywire.Frame
}

type transportClosed struct {
	err error
}

type commandAckTimeout struct {
	seq uint64
}

func NewSessionActor(cfg *config.Config, identity, ip string, relayConfig *domain.RelayConfig,
	transport relaywire.Transport, registry *actor.PID, eventStream *eventstream.EventStream,
	logger *zap.Logger) *SessionActor {
	act := &SessionActor{
		config:      cfg,
		identity:    identity,
		ip:          ip,
		relayConfig: relayConfig,
		transport:   transport,
		registry:    registry,
		eventStream: eventStream,
		stash:       &Stash{},
		lastStates:  map[string]bool{},
		logger:      ActorLogger("session", logger).With(zap.String("device", identity)),
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(SessionDefaultState{actor: act})
	return act
}

func (state *SessionActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

func (state *SessionActor) ackTimeout() time.Duration {
	return time.Duration(state.config.Command.AckTimeoutMillis) * time.Millisecond
}

// startReadPump pumps transport frames into the mailbox from a dedicated
// goroutine. Malformed frames are logged and skipped; any other read error
// ends the pump and the session.
func (state *SessionActor) startReadPump(ctx actor.Context) {
	self := ctx.Self()
	root := ctx.ActorSystem().Root
	transport := state.transport
	logger := state.logger
	go func() {
		for {
			frame, err := transport.ReadFrame()
			if err != nil {
				var malformed *relaywire.MalformedFrameError
				if errors.As(err, &malformed) {
					logger.Warn("session dropping malformed frame", zap.Error(malformed))
					continue
				}
				root.Send(self, transportClosed{err: err})
				return
			}
			root.Send(self, inboundFrame{frame: frame})
		}
	}()
}

// Default state

type SessionDefaultState struct {
	ActorState
	actor *SessionActor
}

func (state SessionDefaultState) Name() string {
	return "default"
}

func (state SessionDefaultState) Receive(ctx actor.Context) {
	act := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		act.logger.Debug("session@default started")
		act.scheduler = scheduler.NewTimerScheduler(ctx)
		act.startReadPump(ctx)
		// solicit the device's introduction; old firmware only announces
		// itself when asked
		if err := act.transport.WriteFrame(relaywire.GetRelayInfoFrame{}); err != nil {
			ctx.Send(ctx.Self(), transportClosed{err: err})
			return
		}
		act.pushConfig(ctx)
	case *actor.Stopping:
		// registry-initiated stop (supersede, sweep): queued commands must
		// fail now, not hang until their futures expire
		act.logger.Debug("session@default stopping")
		act.failQueued(ctx)
		_ = act.transport.Close()
	case *actor.Restarting:
		_ = act.transport.Close()
	case inboundFrame:
		act.handleInbound(ctx, msg.frame)
	case transportClosed:
		act.shutdown(ctx, msg.err)
	case domain.SendRelayCommandRequest:
		act.handleRelayCommand(ctx, msg)
	case domain.SendRawCommandRequest:
		act.logger.Debug("session@default SendRawCommandRequest", zap.String("type", msg.Frame.FrameType()))
		resp := domain.RawCommandResponse{Identity: act.identity}
		if err := act.transport.WriteFrame(msg.Frame); err != nil {
			resp.ResponseError = domain.ErrDeviceOffline
			ForRequest(msg).Respond(ctx, resp)
			ctx.Send(ctx.Self(), transportClosed{err: err})
			return
		}
		ForRequest(msg).Respond(ctx, resp)
	case domain.EmergencyStopRequest:
		act.handleEmergencyStop(ctx, msg)
	case domain.UpdateSessionConfig:
		act.logger.Debug("session@default UpdateSessionConfig", zap.Bool("bound", msg.Config != nil))
		act.relayConfig = msg.Config
		act.pushConfig(ctx)
	case domain.AssignIdentity:
		act.logger.Info("session@default identity assigned", zap.String("identity", msg.Identity))
		act.identity = msg.Identity
		act.relayConfig = msg.Config
		act.logger = act.logger.With(zap.String("assigned", msg.Identity))
		act.pushConfig(ctx)
	case domain.ActorHealthRequest:
		ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      act.identity,
			Healthy: true,
			State:   state.Name(),
		})
	case commandAckTimeout:
		// stale timer from an already answered command
	default:
		act.logger.Debug("session@default ignoring", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Awaiting-ack state. Stacked on top of default while one relay command
// waits for the device's state report.

type SessionAwaitAckState struct {
	ActorState
	actor *SessionActor
	// ackKeys are the state-report keys that complete the command; empty
	// means any relay state report counts.
	ackKeys []string
	relay   string
	replyTo *actor.PID
	seq     uint64
	cancel  scheduler.CancelFunc
}

func (state SessionAwaitAckState) Name() string {
	return "awaitingAck"
}

func (state SessionAwaitAckState) Receive(ctx actor.Context) {
	act := state.actor
	switch msg := ctx.Message().(type) {
	case inboundFrame:
		if stateFrame, ok := msg.frame.(relaywire.RelayStateFrame); ok && state.matches(stateFrame) {
			act.logger.Debug("session@awaitingAck command acked", zap.String("relay", state.relay))
			state.cancel()
			act.applyStates(ctx, stateFrame)
			act.sendLiveness(ctx)
			RespondTo(ctx, state.replyTo, domain.RelayCommandResponse{
				Identity: act.identity,
				Relay:    state.relay,
				States:   stateFrame.States,
			})
			act.UnbecomeStacked()
			act.stash.UnstashAll(ctx)
			return
		}
		act.handleInbound(ctx, msg.frame)
	case commandAckTimeout:
		if msg.seq != state.seq {
			return
		}
		act.logger.Warn("session@awaitingAck ack timeout", zap.String("relay", state.relay))
		RespondTo(ctx, state.replyTo, domain.RelayCommandResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrCommandTimeout},
			Identity:           act.identity,
			Relay:              state.relay,
		})
		act.UnbecomeStacked()
		act.stash.UnstashAll(ctx)
	case domain.EmergencyStopRequest:
		// queue jump: written immediately, ahead of everything stashed
		act.handleEmergencyStop(ctx, msg)
	case transportClosed:
		state.cancel()
		RespondTo(ctx, state.replyTo, domain.RelayCommandResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
			Identity:           act.identity,
			Relay:              state.relay,
		})
		act.shutdown(ctx, msg.err)
	case *actor.Stopping:
		// registry-initiated stop: the in-flight command and everything
		// stashed behind it fail fast
		state.cancel()
		RespondTo(ctx, state.replyTo, domain.RelayCommandResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
			Identity:           act.identity,
			Relay:              state.relay,
		})
		act.failQueued(ctx)
		_ = act.transport.Close()
	case domain.ActorHealthRequest:
		ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      act.identity,
			Healthy: true,
			State:   state.Name(),
		})
	default:
		act.logger.Debug("session@awaitingAck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		act.stash.Stash(ctx, msg)
	}
}

func (state SessionAwaitAckState) matches(frame relaywire.RelayStateFrame) bool {
	if len(state.ackKeys) == 0 {
		return true
	}
	for _, key := range state.ackKeys {
		if _, ok := frame.States[key]; ok {
			return true
		}
	}
	return false
}

// shared handlers

func (state *SessionActor) handleInbound(ctx actor.Context, frame relaywire.Frame) {
	switch f := frame.(type) {
	case relaywire.RegisterFrame:
		state.logger.Debug("session register frame", zap.String("mac", f.ReportedMAC()))
		ctx.Send(state.registry, domain.SessionAnnounce{
			Identity:     state.identity,
			ReportedMAC:  f.ReportedMAC(),
			DeviceName:   f.DeviceName,
			IP:           f.IP,
			Capabilities: f.Capabilities,
		})
	case relaywire.RelayInfoFrame:
		state.logger.Debug("session relay info", zap.String("name", f.RelayName), zap.Int("relays", f.NumRelays))
		ctx.Send(state.registry, domain.SessionAnnounce{
			Identity:     state.identity,
			DeviceName:   f.RelayName,
			Capabilities: f.Capabilities,
		})
	case relaywire.RelayStateFrame:
		state.applyStates(ctx, f)
	case relaywire.HeartbeatFrame, relaywire.StatusFrame, relaywire.PongFrame:
	case relaywire.ErrorFrame:
		state.logger.Warn("session device error", zap.String("error", f.Error))
	default:
		state.logger.Debug("session ignoring frame", zap.String("type", frame.FrameType()))
	}
	state.sendLiveness(ctx)
}

func (state *SessionActor) sendLiveness(ctx actor.Context) {
	ctx.Send(state.registry, domain.SessionLiveness{
		Identity: state.identity,
		At:       time.Now(),
	})
}

func (state *SessionActor) applyStates(ctx actor.Context, frame relaywire.RelayStateFrame) {
	for name, on := range frame.States {
		state.lastStates[name] = on
	}
	state.eventStream.Publish(events.RelayStateChangedEvent{
		Identity: state.identity,
		States:   frame.States,
		At:       time.Now(),
	})
}

func (state *SessionActor) handleRelayCommand(ctx actor.Context, msg domain.SendRelayCommandRequest) {
	state.logger.Debug("session relay command", zap.String("relay", msg.Relay), zap.Bool("state", msg.State))
	frame, ackKeys, err := state.buildCommandFrame(msg.Relay, msg.State)
	if err != nil {
		ForRequest(msg).Respond(ctx, domain.RelayCommandResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
			Identity:           state.identity,
			Relay:              msg.Relay,
		})
		return
	}
	replyTo := ForRequest(msg).ReplyTo(ctx)
	if err := state.transport.WriteFrame(frame); err != nil {
		RespondTo(ctx, replyTo, domain.RelayCommandResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
			Identity:           state.identity,
			Relay:              msg.Relay,
		})
		ctx.Send(ctx.Self(), transportClosed{err: err})
		return
	}
	state.ackSeq++
	seq := state.ackSeq
	cancel := state.scheduler.RequestOnce(state.ackTimeout(), ctx.Self(), commandAckTimeout{seq: seq})
	state.BecomeStacked(SessionAwaitAckState{
		actor:   state,
		ackKeys: ackKeys,
		relay:   msg.Relay,
		replyTo: replyTo,
		seq:     seq,
		cancel:  cancel,
	})
}

// buildCommandFrame resolves a logical relay name to a wire command.
// Resolution order: the bound configuration's name map, then a raw index
// for devices driven during commissioning, then device-side name
// resolution when no configuration is bound at all. A bound configuration
// that does not know the name is a caller error.
func (state *SessionActor) buildCommandFrame(relay string, on bool) (relaywire.Frame, []string, error) {
	if state.relayConfig != nil {
		if idx, ok := state.relayConfig.RelayMap[relay]; ok {
			return relaywire.RelayControlFrame{Relay: idx, State: on},
				[]string{relay, fmt.Sprintf("relay_%d", idx)}, nil
		}
	}
	numRelays := domain.DefaultNumRelays
	if state.relayConfig != nil && state.relayConfig.NumRelays > 0 {
		numRelays = state.relayConfig.NumRelays
	}
	if idx, ok := domain.ParseRawRelayIndex(relay, numRelays); ok {
		// index addressed: any state report acks
		return relaywire.RelayControlFrame{Relay: idx, State: on}, nil, nil
	}
	if state.relayConfig == nil {
		return relaywire.SetRelayFrame{Relay: relay, State: on}, []string{relay}, nil
	}
	return nil, nil, domain.ErrUnknownRelay
}

func (state *SessionActor) handleEmergencyStop(ctx actor.Context, msg domain.EmergencyStopRequest) {
	state.logger.Warn("session emergency stop")
	resp := domain.EmergencyStopResponse{Identity: state.identity}
	if err := state.transport.WriteFrame(relaywire.EmergencyStopFrame{}); err != nil {
		resp.ResponseError = domain.ErrDeviceOffline
		ForRequest(msg).Respond(ctx, resp)
		ctx.Send(ctx.Self(), transportClosed{err: err})
		return
	}
	for name := range state.lastStates {
		state.lastStates[name] = false
	}
	ForRequest(msg).Respond(ctx, resp)
}

// pushConfig sends the administrator channel map down to the firmware so
// the board labels its channels the way the configuration does.
func (state *SessionActor) pushConfig(ctx actor.Context) {
	cfg := state.relayConfig
	if cfg == nil {
		return
	}
	frame := relaywire.ConfigFrame{
		DeviceID:   cfg.Identity,
		DeviceName: cfg.Name,
		NumRelays:  cfg.NumRelays,
	}
	for name, idx := range cfg.RelayMap {
		frame.Channels = append(frame.Channels, relaywire.ChannelConfig{
			BitPosition: idx,
			Function:    name,
			Enabled:     true,
		})
	}
	if err := state.transport.WriteFrame(frame); err != nil {
		ctx.Send(ctx.Self(), transportClosed{err: err})
	}
}

// failQueued drains the stash, answering every queued command with
// ErrDeviceOffline.
func (state *SessionActor) failQueued(ctx actor.Context) {
	state.stash.DrainEach(func(msg any, sender *actor.PID) {
		replyFor := func(req domain.ActorRequest) *actor.PID {
			if r := req.ReplyTo(); r != nil {
				return (*actor.PID)(r)
			}
			return sender
		}
		switch queued := msg.(type) {
		case domain.SendRelayCommandRequest:
			RespondTo(ctx, replyFor(queued), domain.RelayCommandResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
				Identity:           state.identity,
				Relay:              queued.Relay,
			})
		case domain.SendRawCommandRequest:
			RespondTo(ctx, replyFor(queued), domain.RawCommandResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceOffline},
				Identity:           state.identity,
			})
		default:
			state.logger.Debug("session dropping queued message", zap.String("type", fmt.Sprintf("%T", msg)))
		}
	})
}

// shutdown fails everything still queued, tells the registry and stops.
func (state *SessionActor) shutdown(ctx actor.Context, err error) {
	if err != nil {
		state.logger.Info("session transport closed", zap.Error(err))
	}
	state.failQueued(ctx)
	_ = state.transport.Close()
	ctx.Send(state.registry, domain.UnregisterSessionRequest{
		Identity: state.identity,
		Reason:   "transport closed",
	})
	ctx.Stop(ctx.Self())
}
