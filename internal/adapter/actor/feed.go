package actor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/core/events"
	"github.com/mkarren/fleetrelay/internal/mqtt"
	"github.com/mkarren/fleetrelay/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// FeedActor mirrors fleet events onto MQTT for the dashboard: retained
// per-device presence and relay state, plus a task-dispatch stream. Purely
// an observer, nothing in the command path depends on it.
type FeedActor struct {
	config       *config.Config
	behavior     actor.Behavior
	stash        *actorutil.Stash
	client       *mqtt.MQTTClient
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	logger       *zap.Logger
}

type mqttConnected struct {
}

type mqttConnectionLost struct {
	Error error
}

type publishResult struct {
	Error error
}

type rawMessage struct {
	topic   string
	message string
	retain  bool
}

func NewFeedActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *FeedActor {
	act := &FeedActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		eventStream: eventStream,
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_FEED, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *FeedActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *FeedActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("feed@starting started")

		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			ctx.Send(ctx.Self(), mqttConnectionLost{Error: err})
		})

		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), mqttConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), mqttConnected{})
			}
		}, 10*time.Second)
	case mqttConnected:
		state.logger.Debug("feed@starting connected")

		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)
		if info, err := json.Marshal(map[string]string{"version": versioninfo.Short()}); err == nil {
			state.client.Publish(state.client.BridgeInfoTopic(), string(info), 0, true, func(error) {}, 500*time.Millisecond)
		}
		state.subscribeEvents(ctx)

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case mqttConnectionLost:
		// stop and let the supervisor decide
		state.logger.Error("feed@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("feed@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *FeedActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_FEED,
			Healthy: true,
			State:   "idle",
		})
	case events.DeviceConnectedEvent, events.DeviceDisconnectedEvent,
		events.RelayStateChangedEvent, events.TaskDispatchedEvent:
		state.publishEvent(ctx, msg)
	case mqttConnectionLost:
		state.logger.Error("feed@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("feed@default ignoring", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *FeedActor) PublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		if msg.Error != nil {
			state.logger.Error("feed@publishing could not publish a message", zap.Error(msg.Error))
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	default:
		state.logger.Debug("feed@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// subscribeEvents forwards event-stream publications into the mailbox so
// they are handled on the actor goroutine.
func (state *FeedActor) subscribeEvents(ctx actor.Context) {
	self := ctx.Self()
	root := ctx.ActorSystem().Root
	state.subscription = state.eventStream.Subscribe(func(evt interface{}) {
		switch evt.(type) {
		case events.DeviceConnectedEvent, events.DeviceDisconnectedEvent,
			events.RelayStateChangedEvent, events.TaskDispatchedEvent:
			root.Send(self, evt)
		}
	})
}

func (state *FeedActor) event2MQTTMessage(event any) *rawMessage {
	switch msg := event.(type) {
	case events.DeviceConnectedEvent:
		return &rawMessage{
			topic:   state.client.DevicePresenceTopic(msg.Identity),
			message: mqtt.MQTT_PAYLOAD_ONLINE,
			retain:  true,
		}
	case events.DeviceDisconnectedEvent:
		return &rawMessage{
			topic:   state.client.DevicePresenceTopic(msg.Identity),
			message: mqtt.MQTT_PAYLOAD_OFFLINE,
			retain:  true,
		}
	case events.RelayStateChangedEvent:
		payload, err := json.Marshal(msg.States)
		if err != nil {
			return nil
		}
		return &rawMessage{
			topic:   state.client.DeviceStateTopic(msg.Identity),
			message: string(payload),
			retain:  true,
		}
	case events.TaskDispatchedEvent:
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil
		}
		return &rawMessage{
			topic:   state.client.TaskDispatchTopic(),
			message: string(payload),
		}
	default:
		return nil
	}
}

func (state *FeedActor) publishEvent(ctx actor.Context, event any) {
	msg := state.event2MQTTMessage(event)
	if msg == nil {
		return
	}
	state.logger.Sugar().Debugf("feed@publish: %s => %s", msg.topic, msg.message)
	state.client.Publish(msg.topic, msg.message, 1, msg.retain, func(err error) {
		ctx.Send(ctx.Self(), publishResult{Error: err})
	}, 5*time.Second)
	state.behavior.BecomeStacked(state.PublishResultReceive)
}

func (state *FeedActor) stop() {
	state.logger.Debug("feed: disconnect")
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
	if state.client != nil {
		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(500 * time.Millisecond)
	}
}

// Dummy actor for tests: swallows events, answers health checks.
func NewTestFeedActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *FeedActor {
	act := &FeedActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		eventStream: eventStream,
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_FEED, logger),
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

func (state *FeedActor) DummyReceive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case *actor.Started:
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_FEED,
			Healthy: true,
			State:   "idle",
		})
	}
}
