package actor

import (
	"testing"
	"time"

	adactor "github.com/mkarren/fleetrelay/internal/adapter/actor"
	"github.com/mkarren/fleetrelay/internal/adapter/store"
	"github.com/mkarren/fleetrelay/internal/core/domain"
	"github.com/mkarren/fleetrelay/internal/util"
	"github.com/mkarren/fleetrelay/pkg/relaywire"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMasterActor(t *testing.T) {

	require := require.New(t)

	as := actor.NewActorSystem()
	context := as.Root

	cfg := util.LoadTestConfig()
	logger := zap.NewNop()
	memStore := store.NewMemoryStore()

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterActor(cfg, memStore, memStore, memStore, func(es *eventstream.EventStream) *adactor.FeedActor {
			return adactor.NewTestFeedActor(&cfg, es, logger)
		}, logger)
	})
	pid, err := context.SpawnNamed(props, "master")
	require.NoError(err)

	time.Sleep(1 * time.Second)

	// health check aggregates the children
	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 10*time.Second).Result()
	require.NoError(err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	require.True(ok)
	assert.True(t, healthResp.Healthy, "healthy is true")

	// device traffic routes through the master untouched
	transport := relaywire.NewTestTransport()
	transport.OnWrite = relaywire.AckRelayCommands
	regRes, err := context.RequestFuture(pid, domain.RegisterSessionRequest{
		Identity:  "aa:bb:cc:dd:ee:80",
		IP:        "10.0.0.3",
		Transport: transport,
	}, 5*time.Second).Result()
	require.NoError(err)
	regResp, ok := regRes.(domain.RegisterSessionResponse)
	require.True(ok)
	require.False(regResp.HasResponseError())

	cmdRes, err := context.RequestFuture(pid, domain.SendRelayCommandRequest{
		Target: "aa:bb:cc:dd:ee:80",
		Relay:  "doorOpen",
		State:  true,
	}, 5*time.Second).Result()
	require.NoError(err)
	cmdResp, ok := cmdRes.(domain.RelayCommandResponse)
	require.True(ok)
	require.False(cmdResp.HasResponseError())
	assert.Equal(t, map[string]bool{"doorOpen": true}, cmdResp.States)

	listRes, err := context.RequestFuture(pid, domain.ListConnectedRequest{}, 5*time.Second).Result()
	require.NoError(err)
	listResp, ok := listRes.(domain.ListConnectedResponse)
	require.True(ok)
	assert.Len(t, listResp.Relays, 1)

	context.Stop(pid)

	as.Shutdown()
}
