package events

import (
	"time"
)

// Fleet events published on the actor system's event stream. Observers
// (the MQTT feed, admin connections) subscribe; producers never block on
// them.

type DeviceConnectedEvent struct {
	Identity     string
	Name         string
	IP           string
	Capabilities []string
	At           time.Time
}

type DeviceDisconnectedEvent struct {
	Identity string
	Name     string
	Reason   string
	At       time.Time
}

type RelayStateChangedEvent struct {
	Identity string
	States   map[string]bool
	At       time.Time
}

type TaskDispatchedEvent struct {
	RecurringTaskID int64
	TaskType        string
	Floor           int
	ShelfPoint      string
	Date            string
	At              time.Time
}
