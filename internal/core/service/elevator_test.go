package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedWrite struct {
	relay string
	state bool
}

func newTestSequencer(send CommandSender) *ElevatorSequencer {
	s := NewElevatorSequencer(send, zap.NewNop())
	s.sleep = func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}
	return s
}

func TestGoToFloorSequenceOrder(t *testing.T) {

	require := require.New(t)

	var writes []recordedWrite
	seq := newTestSequencer(func(relay string, state bool) error {
		writes = append(writes, recordedWrite{relay, state})
		return nil
	})

	err := seq.Run(context.Background(), GoToFloorSteps(3))
	require.NoError(err)

	expected := []recordedWrite{
		{RelayDoorOpen, true}, {RelayDoorOpen, false},
		{RelayDoorClose, true}, {RelayDoorClose, false},
		{"floor3", true}, {"floor3", false},
		{RelayDoorOpen, true}, {RelayDoorOpen, false},
		{RelayDoorClose, true}, {RelayDoorClose, false},
	}
	require.Equal(expected, writes)
}

func TestSequenceAbortsOnWriteError(t *testing.T) {

	require := require.New(t)

	writeErr := errors.New("device gone")
	var writes []recordedWrite
	seq := newTestSequencer(func(relay string, state bool) error {
		writes = append(writes, recordedWrite{relay, state})
		if len(writes) == 3 {
			return writeErr
		}
		return nil
	})

	err := seq.Run(context.Background(), GoToFloorSteps(2))
	require.ErrorIs(err, writeErr)
	// nothing after the failing step runs
	require.Len(writes, 3)
}

func TestSequenceStopsOnContextCancel(t *testing.T) {

	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	var writes []recordedWrite
	seq := newTestSequencer(func(relay string, state bool) error {
		writes = append(writes, recordedWrite{relay, state})
		return nil
	})
	// cancel during the first pause
	seq.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := seq.Run(ctx, GoToFloorSteps(4))
	require.ErrorIs(err, context.Canceled)
	assert.Less(t, len(writes), 4)
}

func TestDoorAndFloorPulsesReleaseRelay(t *testing.T) {

	for _, steps := range [][]ElevatorStep{OpenDoorSteps(), CloseDoorSteps(), SelectFloorSteps(1)} {
		require.Len(t, steps, 2)
		assert.True(t, steps[0].State)
		assert.False(t, steps[1].State)
		assert.Equal(t, steps[0].Relay, steps[1].Relay)
		assert.Greater(t, steps[0].Pause, time.Duration(0))
	}
}

func TestFloorRelayNames(t *testing.T) {
	for floor := 1; floor <= 4; floor++ {
		assert.Equal(t, fmt.Sprintf("floor%d", floor), FloorRelay(floor))
	}
}
