package actor

import (
	"testing"
	"time"

	"github.com/mkarren/fleetrelay/internal/adapter/store"
	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/core/events"
	"github.com/mkarren/fleetrelay/internal/util"
	"github.com/mkarren/fleetrelay/pkg/relaywire"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type registryFixture struct {
	as      *actor.ActorSystem
	context *actor.RootContext
	store   *store.MemoryStore
	events  *eventstream.EventStream
	pid     *actor.PID
}

func newRegistryFixture(t *testing.T, cfg config.Config, configs []domain.RelayConfig) *registryFixture {
	t.Helper()

	logger := zap.NewNop()
	memStore := store.NewMemoryStore()
	memStore.SetRelayConfigs(configs)

	as := actor.NewActorSystem()
	context := as.Root
	es := &eventstream.EventStream{}

	pid := context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewRegistryActor(&cfg, memStore, es, logger)
	}))

	// let the configuration load finish
	time.Sleep(200 * time.Millisecond)

	t.Cleanup(func() { as.Shutdown() })
	return &registryFixture{as: as, context: context, store: memStore, events: es, pid: pid}
}

func (f *registryFixture) register(t *testing.T, identity string) *relaywire.TestTransport {
	t.Helper()
	transport := relaywire.NewTestTransport()
	transport.OnWrite = relaywire.AckRelayCommands
	res, err := f.context.RequestFuture(f.pid, domain.RegisterSessionRequest{
		Identity:  identity,
		IP:        "10.0.0.5",
		Transport: transport,
	}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.RegisterSessionResponse)
	require.True(t, ok)
	require.False(t, resp.HasResponseError())
	return transport
}

func (f *registryFixture) listConnected(t *testing.T) []domain.ConnectedRelay {
	t.Helper()
	res, err := f.context.RequestFuture(f.pid, domain.ListConnectedRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.ListConnectedResponse)
	require.True(t, ok)
	return resp.Relays
}

func TestRegistryRegisterAndList(t *testing.T) {

	f := newRegistryFixture(t, util.LoadTestConfig(), nil)

	f.register(t, "AA-BB-CC-DD-EE-10")

	relays := f.listConnected(t)
	require.Len(t, relays, 1)
	// identity is canonical regardless of firmware formatting
	assert.Equal(t, "aa:bb:cc:dd:ee:10", relays[0].Identity)
	assert.Equal(t, "10.0.0.5", relays[0].IP)

	// the connection fact is written back for the dashboard
	time.Sleep(200 * time.Millisecond)
	assert.Contains(t, f.store.ConnectedRelayIPs(), "aa:bb:cc:dd:ee:10")
}

func TestRegistryLastWriterWins(t *testing.T) {

	f := newRegistryFixture(t, util.LoadTestConfig(), nil)

	first := f.register(t, "aa:bb:cc:dd:ee:20")
	second := f.register(t, "aa:bb:cc:dd:ee:20")

	time.Sleep(300 * time.Millisecond)

	assert.True(t, first.Closed(), "superseded session must be torn down")
	assert.False(t, second.Closed())

	relays := f.listConnected(t)
	require.Len(t, relays, 1)
}

func TestRegistryCommandByConfiguredName(t *testing.T) {

	require := require.New(t)

	configs := []domain.RelayConfig{{
		ID:        1,
		Identity:  "aa:bb:cc:dd:ee:30",
		Name:      "Victorville Service Elevator",
		RelayMap:  map[string]int{"doorOpen": 0},
		NumRelays: 6,
		Active:    true,
	}}
	f := newRegistryFixture(t, util.LoadTestConfig(), configs)

	f.register(t, "aa:bb:cc:dd:ee:30")

	res, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: "Victorville Service Elevator",
		Relay:  "doorOpen",
		State:  true,
	}, 3*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.RelayCommandResponse)
	require.False(resp.HasResponseError())
	assert.Equal(t, "aa:bb:cc:dd:ee:30", resp.Identity)
}

func TestRegistryCommandOffline(t *testing.T) {

	require := require.New(t)

	f := newRegistryFixture(t, util.LoadTestConfig(), nil)

	res, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: "aa:bb:cc:dd:ee:99",
		Relay:  "doorOpen",
		State:  true,
	}, 2*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.RelayCommandResponse)
	require.True(resp.HasResponseError())
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrDeviceOffline)
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {

	require := require.New(t)

	f := newRegistryFixture(t, util.LoadTestConfig(), nil)

	res, err := f.context.RequestFuture(f.pid, domain.UnregisterSessionRequest{
		Identity: "aa:bb:cc:dd:ee:40",
		Reason:   "test",
	}, 2*time.Second).Result()
	require.NoError(err)
	resp, ok := res.(domain.UnregisterSessionResponse)
	require.True(ok)
	require.False(resp.HasResponseError())
}

func TestRegistryIdentityFixup(t *testing.T) {

	f := newRegistryFixture(t, util.LoadTestConfig(), nil)

	transport := f.register(t, "Victorville1")

	// the board introduces itself with its hardware address
	transport.PushFrame(relaywire.RegisterFrame{
		MAC:        "AA:BB:CC:DD:EE:50",
		IP:         "10.0.0.7",
		DeviceName: "Victorville Service Elevator",
	})

	time.Sleep(300 * time.Millisecond)

	relays := f.listConnected(t)
	require.Len(t, relays, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:50", relays[0].Identity)
	assert.Equal(t, "Victorville Service Elevator", relays[0].Name)
}

func TestRegistryHeartbeatSweep(t *testing.T) {

	cfg := util.LoadTestConfig()
	cfg.Registry.HeartbeatWindowSeconds = 1
	cfg.Registry.SweepIntervalSeconds = 1

	f := newRegistryFixture(t, cfg, nil)

	transport := f.register(t, "aa:bb:cc:dd:ee:60")

	// silent device: no frames, no liveness
	time.Sleep(2500 * time.Millisecond)

	relays := f.listConnected(t)
	assert.Empty(t, relays)
	assert.True(t, transport.Closed())
}

func TestRegistrySupersedeFailsInFlightCommand(t *testing.T) {

	require := require.New(t)

	// a wide ack window keeps the first command in flight across the
	// supersede instead of timing out on its own
	cfg := util.LoadTestConfig()
	cfg.Command.AckTimeoutMillis = 2000
	f := newRegistryFixture(t, cfg, nil)

	// a device that never acknowledges
	transport := relaywire.NewTestTransport()
	res, err := f.context.RequestFuture(f.pid, domain.RegisterSessionRequest{
		Identity:  "aa:bb:cc:dd:ee:90",
		IP:        "10.0.0.5",
		Transport: transport,
	}, 2*time.Second).Result()
	require.NoError(err)
	require.False(res.(domain.RegisterSessionResponse).HasResponseError())

	inFlight := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: "aa:bb:cc:dd:ee:90",
		Relay:  "doorOpen",
		State:  true,
	}, 3*time.Second)
	queued := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: "aa:bb:cc:dd:ee:90",
		Relay:  "doorClose",
		State:  true,
	}, 3*time.Second)

	time.Sleep(100 * time.Millisecond)

	// the board reconnects; the superseded session must fail its callers
	// immediately, not leave them waiting out their futures
	f.register(t, "aa:bb:cc:dd:ee:90")

	for _, future := range []*actor.Future{inFlight, queued} {
		res, err := future.Result()
		require.NoError(err)
		resp := res.(domain.RelayCommandResponse)
		require.True(resp.HasResponseError())
		assert.ErrorIs(t, resp.GetResponseError(), domain.ErrDeviceOffline)
	}
	assert.True(t, transport.Closed())
}

func TestRegistryAnnounceRefreshesConnectEvent(t *testing.T) {

	f := newRegistryFixture(t, util.LoadTestConfig(), nil)

	connects := make(chan events.DeviceConnectedEvent, 8)
	sub := f.events.Subscribe(func(evt interface{}) {
		if e, ok := evt.(events.DeviceConnectedEvent); ok {
			connects <- e
		}
	})
	t.Cleanup(func() { f.events.Unsubscribe(sub) })

	transport := f.register(t, "aa:bb:cc:dd:ee:a0")
	transport.PushFrame(relaywire.RelayInfoFrame{
		RelayName:    "Dock Lift",
		NumRelays:    6,
		Capabilities: []string{"door_control", "floor_selection"},
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-connects:
			if len(e.Capabilities) == 0 {
				continue // the initial register event, before the device introduced itself
			}
			assert.Equal(t, "aa:bb:cc:dd:ee:a0", e.Identity)
			assert.Equal(t, "Dock Lift", e.Name)
			assert.Equal(t, []string{"door_control", "floor_selection"}, e.Capabilities)
			return
		case <-deadline:
			t.Fatal("no connect event carrying capabilities")
		}
	}
}

func TestRegistryReloadRebindsSessions(t *testing.T) {

	require := require.New(t)

	f := newRegistryFixture(t, util.LoadTestConfig(), nil)

	f.register(t, "aa:bb:cc:dd:ee:70")

	// configuration appears after the device connected
	f.store.SetRelayConfigs([]domain.RelayConfig{{
		ID:        7,
		Identity:  "aa:bb:cc:dd:ee:70",
		Name:      "Dock Lift",
		RelayMap:  map[string]int{"gate": 2},
		NumRelays: 8,
		Active:    true,
	}})

	res, err := f.context.RequestFuture(f.pid, domain.ReloadConfigsRequest{}, 2*time.Second).Result()
	require.NoError(err)
	reload := res.(domain.ReloadConfigsResponse)
	require.False(reload.HasResponseError())
	assert.Equal(t, 1, reload.Count)

	time.Sleep(200 * time.Millisecond)

	// the new display name now routes commands
	cmdRes, err := f.context.RequestFuture(f.pid, domain.SendRelayCommandRequest{
		Target: "Dock Lift",
		Relay:  "gate",
		State:  true,
	}, 3*time.Second).Result()
	require.NoError(err)
	cmd := cmdRes.(domain.RelayCommandResponse)
	require.False(cmd.HasResponseError())
}
