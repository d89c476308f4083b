package domain

import (
	"time"

	"github.com/mkarren/fleetrelay/pkg/relaywire"
)

const (
	ACTOR_ID_MASTER    = "master"
	ACTOR_ID_REGISTRY  = "registry"
	ACTOR_ID_SCHEDULER = "scheduler"
	ACTOR_ID_FEED      = "feed"
)

// Registry

// RegisterSessionRequest installs a live session for a freshly accepted
// device transport. A previous session for the same identity is torn down
// first: last writer wins, no state merge.
type RegisterSessionRequest struct {
	ActorRequestMixIn
	Identity  string
	IP        string
	Transport relaywire.Transport
}

type RegisterSessionResponse struct {
	ActorResponseMixIn
	Identity string
}

// UnregisterSessionRequest removes a session. Idempotent: unregistering an
// identity with no session is a no-op.
type UnregisterSessionRequest struct {
	ActorRequestMixIn
	Identity string
	Reason   string
}

type UnregisterSessionResponse struct {
	ActorResponseMixIn
}

// SessionAnnounce is sent by a session once the device has introduced
// itself (register or relay_info frame). A reported MAC supersedes a
// commissioning id as the durable identity.
type SessionAnnounce struct {
	Identity     string
	ReportedMAC  string
	DeviceName   string
	IP           string
	Capabilities []string
}

// SessionLiveness records an inbound-traffic liveness signal.
type SessionLiveness struct {
	Identity string
	At       time.Time
}

type ListConnectedRequest struct {
	ActorRequestMixIn
}

type ListConnectedResponse struct {
	ActorResponseMixIn
	Relays []ConnectedRelay
}

// ReloadConfigsRequest refreshes the registry's configuration cache from
// the store, e.g. after the admin API edited a record.
type ReloadConfigsRequest struct {
	ActorRequestMixIn
}

type ReloadConfigsResponse struct {
	ActorResponseMixIn
	Count int
}

// Command routing

// SendRelayCommandRequest switches one relay on a device. Target is a
// device identity or a configuration display name; Relay is a logical name
// resolved through the bound configuration, falling back to a raw index.
type SendRelayCommandRequest struct {
	ActorRequestMixIn
	Target string
	Relay  string
	State  bool
}

type RelayCommandResponse struct {
	ActorResponseMixIn
	Identity string
	Relay    string
	States   map[string]bool
}

// SendRawCommandRequest writes a device-level frame (info/status queries)
// without relay-name resolution and without an ack wait.
type SendRawCommandRequest struct {
	ActorRequestMixIn
	Target string
	Frame  relaywire.Frame
}

type RawCommandResponse struct {
	ActorResponseMixIn
	Identity string
}

// EmergencyStopRequest jumps the per-session command queue and is written
// to the transport immediately.
type EmergencyStopRequest struct {
	ActorRequestMixIn
	Target string
}

type EmergencyStopResponse struct {
	ActorResponseMixIn
	Identity string
}

// UpdateSessionConfig pushes a (possibly nil) configuration binding into a
// running session. Nil drops the binding: the device stays controllable by
// raw identity only.
type UpdateSessionConfig struct {
	Config *RelayConfig
}

// AssignIdentity rekeys a session whose device reported a durable hardware
// address after connecting under a commissioning id.
type AssignIdentity struct {
	Identity string
	Config   *RelayConfig
}

// Health

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
