package actor

import (
	"testing"
	"time"

	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/util"
	"github.com/mkarren/fleetrelay/pkg/relaywire"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testIdentity = "aa:bb:cc:dd:ee:01"

// probeActor records everything sent to it, standing in for the registry.
type probeActor struct {
	msgs chan any
}

func newProbe() *probeActor {
	return &probeActor{msgs: make(chan any, 256)}
}

func (p *probeActor) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case *actor.Started, *actor.Stopping, *actor.Stopped, *actor.Restarting:
	default:
		select {
		case p.msgs <- ctx.Message():
		default:
		}
	}
}

func (p *probeActor) waitFor(t *testing.T, timeout time.Duration, match func(any) bool) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-p.msgs:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("probe: no matching message within %s", timeout)
			return nil
		}
	}
}

type sessionFixture struct {
	as        *actor.ActorSystem
	context   *actor.RootContext
	transport *relaywire.TestTransport
	probe     *probeActor
	pid       *actor.PID
}

func newSessionFixture(t *testing.T, relayConfig *domain.RelayConfig) *sessionFixture {
	t.Helper()

	cfg := util.LoadTestConfig()
	logger := zap.NewNop()

	as := actor.NewActorSystem()
	context := as.Root

	probe := newProbe()
	probePID := context.Spawn(actor.PropsFromProducer(func() actor.Actor { return probe }))

	transport := relaywire.NewTestTransport()
	es := &eventstream.EventStream{}

	pid := context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewSessionActor(&cfg, testIdentity, "10.0.0.2", relayConfig, transport, probePID, es, logger)
	}))

	t.Cleanup(func() { as.Shutdown() })
	return &sessionFixture{as: as, context: context, transport: transport, probe: probe, pid: pid}
}

func TestSessionSolicitsRelayInfoOnStart(t *testing.T) {

	f := newSessionFixture(t, nil)

	time.Sleep(200 * time.Millisecond)

	written := f.transport.Written()
	require.NotEmpty(t, written)
	assert.IsType(t, relaywire.GetRelayInfoFrame{}, written[0])
}

func TestSessionCommandAckedByName(t *testing.T) {

	require := require.New(t)

	f := newSessionFixture(t, nil)
	f.transport.OnWrite = relaywire.AckRelayCommands

	res, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "doorOpen",
		State:  true,
	}, 2*time.Second).Result()
	require.NoError(err)

	resp, ok := res.(domain.RelayCommandResponse)
	require.True(ok)
	require.False(resp.HasResponseError())
	assert.Equal(t, testIdentity, resp.Identity)
	assert.Equal(t, map[string]bool{"doorOpen": true}, resp.States)

	// no configuration bound, so the name goes to the device as set_relay
	var cmd relaywire.SetRelayFrame
	found := false
	for _, w := range f.transport.Written() {
		if c, ok := w.(relaywire.SetRelayFrame); ok {
			cmd = c
			found = true
		}
	}
	require.True(found)
	assert.Equal(t, "doorOpen", cmd.Relay)
	assert.True(t, cmd.State)
}

func TestSessionCommandResolvedThroughConfig(t *testing.T) {

	require := require.New(t)

	relayConfig := &domain.RelayConfig{
		ID:        1,
		Identity:  testIdentity,
		Name:      "Service Elevator",
		RelayMap:  map[string]int{"doorOpen": 0, "doorClose": 1},
		NumRelays: 6,
		Active:    true,
	}
	f := newSessionFixture(t, relayConfig)
	f.transport.OnWrite = relaywire.AckRelayCommands

	res, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "doorOpen",
		State:  true,
	}, 2*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.RelayCommandResponse)
	require.False(resp.HasResponseError())

	found := false
	for _, w := range f.transport.Written() {
		if c, ok := w.(relaywire.RelayControlFrame); ok {
			assert.Equal(t, 0, c.Relay)
			assert.True(t, c.State)
			found = true
		}
	}
	require.True(found, "mapped name must be written as an indexed command")
}

func TestSessionUnknownRelayWithConfig(t *testing.T) {

	require := require.New(t)

	relayConfig := &domain.RelayConfig{
		Identity:  testIdentity,
		RelayMap:  map[string]int{"doorOpen": 0},
		NumRelays: 6,
		Active:    true,
	}
	f := newSessionFixture(t, relayConfig)

	res, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "conveyor",
		State:  true,
	}, 2*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.RelayCommandResponse)
	require.True(resp.HasResponseError())
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrUnknownRelay)
}

func TestSessionRawIndexCommand(t *testing.T) {

	require := require.New(t)

	f := newSessionFixture(t, nil)
	f.transport.OnWrite = relaywire.AckRelayCommands

	res, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "3",
		State:  true,
	}, 2*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.RelayCommandResponse)
	require.False(resp.HasResponseError())

	found := false
	for _, w := range f.transport.Written() {
		if c, ok := w.(relaywire.RelayControlFrame); ok {
			assert.Equal(t, 3, c.Relay)
			found = true
		}
	}
	require.True(found)
}

func TestSessionCommandTimeout(t *testing.T) {

	require := require.New(t)

	f := newSessionFixture(t, nil)
	// device never acknowledges

	res, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "doorOpen",
		State:  true,
	}, 3*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.RelayCommandResponse)
	require.True(resp.HasResponseError())
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrCommandTimeout)
}

func TestSessionCommandsAreSerialized(t *testing.T) {

	require := require.New(t)

	f := newSessionFixture(t, nil)
	f.transport.OnWrite = relaywire.AckRelayCommands

	relays := []string{"doorOpen", "doorClose", "floor2"}
	futures := make([]*actor.Future, len(relays))
	for i, relay := range relays {
		futures[i] = f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
			Target: testIdentity,
			Relay:  relay,
			State:  true,
		}, 5*time.Second)
	}
	for _, future := range futures {
		res, err := future.Result()
		require.NoError(err)
		resp := res.(domain.RelayCommandResponse)
		require.False(resp.HasResponseError())
	}

	// commands hit the wire in submission order
	var order []string
	for _, w := range f.transport.Written() {
		if c, ok := w.(relaywire.SetRelayFrame); ok {
			order = append(order, c.Relay)
		}
	}
	assert.Equal(t, relays, order)
}

func TestSessionEmergencyStopJumpsQueue(t *testing.T) {

	require := require.New(t)

	f := newSessionFixture(t, nil)
	// no acks: the first command parks the session in the waiting state

	f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "doorOpen",
		State:  true,
	}, 3*time.Second)

	time.Sleep(100 * time.Millisecond)

	res, err := f.context.RequestFuture(f.pid, domain.EmergencyStopRequest{
		Target: testIdentity,
	}, 2*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.EmergencyStopResponse)
	require.False(resp.HasResponseError())

	// the stop frame is written while the first command is still unacked
	var sawStop bool
	for _, w := range f.transport.Written() {
		if _, ok := w.(relaywire.EmergencyStopFrame); ok {
			sawStop = true
		}
	}
	assert.True(t, sawStop)
}

func TestSessionAnnouncesOnRegisterFrame(t *testing.T) {

	f := newSessionFixture(t, nil)

	f.transport.PushFrame(relaywire.RegisterFrame{
		MAC:        "AA:BB:CC:DD:EE:02",
		IP:         "10.0.0.9",
		DeviceName: "Warehouse Lift",
	})

	msg := f.probe.waitFor(t, 2*time.Second, func(m any) bool {
		_, ok := m.(domain.SessionAnnounce)
		return ok
	})
	announce := msg.(domain.SessionAnnounce)
	assert.Equal(t, testIdentity, announce.Identity)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", announce.ReportedMAC)
	assert.Equal(t, "Warehouse Lift", announce.DeviceName)
}

func TestSessionTransportDeathFailsQueuedAndUnregisters(t *testing.T) {

	require := require.New(t)

	f := newSessionFixture(t, nil)
	// no acks so the first command blocks the queue

	first := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "doorOpen",
		State:  true,
	}, 3*time.Second)
	second := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: testIdentity,
		Relay:  "doorClose",
		State:  true,
	}, 3*time.Second)

	time.Sleep(100 * time.Millisecond)
	_ = f.transport.Close()

	for _, future := range []*actor.Future{first, second} {
		res, err := future.Result()
		require.NoError(err)
		resp := res.(domain.RelayCommandResponse)
		require.True(resp.HasResponseError())
		assert.ErrorIs(t, resp.GetResponseError(), domain.ErrDeviceOffline)
	}

	msg := f.probe.waitFor(t, 2*time.Second, func(m any) bool {
		_, ok := m.(domain.UnregisterSessionRequest)
		return ok
	})
	unregister := msg.(domain.UnregisterSessionRequest)
	assert.Equal(t, testIdentity, unregister.Identity)
}
