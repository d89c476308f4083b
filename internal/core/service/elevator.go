package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Relay channel names the elevator boards are wired with.
const (
	RelayDoorOpen  = "doorOpen"
	RelayDoorClose = "doorClose"
)

// Field-calibrated timings. The elevator panel reads a relay closure as a
// button press, so each actuation is a pulse: energize, hold, release.
const (
	DoorPulseDuration  = 1 * time.Second
	FloorPulseDuration = 500 * time.Millisecond
	// RobotTransferWait is how long the door is held open for the robot to
	// drive in or out.
	RobotTransferWait = 5 * time.Second
	FloorTravelTime   = 5 * time.Second
)

// ElevatorStep is one relay write in a sequence, followed by a settle pause.
type ElevatorStep struct {
	Relay string
	State bool
	Pause time.Duration
}

func pulse(relay string, hold, settle time.Duration) []ElevatorStep {
	return []ElevatorStep{
		{Relay: relay, State: true, Pause: hold},
		{Relay: relay, State: false, Pause: settle},
	}
}

// OpenDoorSteps pulses the door-open button.
func OpenDoorSteps() []ElevatorStep {
	return pulse(RelayDoorOpen, DoorPulseDuration, 0)
}

// CloseDoorSteps pulses the door-close button.
func CloseDoorSteps() []ElevatorStep {
	return pulse(RelayDoorClose, DoorPulseDuration, 0)
}

// SelectFloorSteps pulses the floor selection button for the target floor.
func SelectFloorSteps(floor int) []ElevatorStep {
	return pulse(FloorRelay(floor), FloorPulseDuration, 0)
}

func FloorRelay(floor int) string {
	return fmt.Sprintf("floor%d", floor)
}

// GoToFloorSteps plans the full transfer sequence: open the door, let the
// robot board, close, press the target floor, wait out the travel, then open
// and close again on arrival. Travel time is an estimate, the elevator has
// no position feedback.
func GoToFloorSteps(targetFloor int) []ElevatorStep {
	var steps []ElevatorStep
	steps = append(steps, pulse(RelayDoorOpen, DoorPulseDuration, RobotTransferWait)...)
	steps = append(steps, pulse(RelayDoorClose, DoorPulseDuration, 0)...)
	steps = append(steps, pulse(FloorRelay(targetFloor), FloorPulseDuration, FloorTravelTime)...)
	steps = append(steps, pulse(RelayDoorOpen, DoorPulseDuration, RobotTransferWait)...)
	steps = append(steps, pulse(RelayDoorClose, DoorPulseDuration, 0)...)
	return steps
}

// CommandSender writes one relay state and blocks until the device
// acknowledges it or the command fails.
type CommandSender func(relay string, state bool) error

// ElevatorSequencer drives step plans against a single device.
type ElevatorSequencer struct {
	Send   CommandSender
	Logger *zap.Logger
	// sleep is swappable so tests do not wait out real pulse timings.
	sleep func(context.Context, time.Duration) error
}

func NewElevatorSequencer(send CommandSender, logger *zap.Logger) *ElevatorSequencer {
	return &ElevatorSequencer{
		Send:   send,
		Logger: logger,
		sleep:  sleepCtx,
	}
}

// Run executes the steps in order. A failed relay write aborts the sequence
// immediately; the panel is left as-is because blindly releasing relays on a
// dead connection would also fail.
func (s *ElevatorSequencer) Run(ctx context.Context, steps []ElevatorStep) error {
	for _, step := range steps {
		s.Logger.Debug("elevator step", zap.String("relay", step.Relay), zap.Bool("state", step.State))
		if err := s.Send(step.Relay, step.State); err != nil {
			return fmt.Errorf("elevator step %s=%t: %w", step.Relay, step.State, err)
		}
		if step.Pause > 0 {
			if err := s.sleep(ctx, step.Pause); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
