// Package relaywire implements the JSON message protocol spoken by the
// ESP32 relay boards: one JSON object per WebSocket text frame.
package relaywire

import (
	"encoding/json"
	"fmt"
)

const (
	// device -> server
	TypeRegister       = "register"
	TypeDeviceRegister = "device_register" // older firmware alias of register
	TypeRelayInfo      = "relay_info"
	TypeStatus         = "status"
	TypeRelayState     = "relay_state"
	TypeRelayStates    = "relay_states" // older firmware alias of relay_state
	TypeHeartbeat      = "heartbeat"
	TypePong           = "pong"
	TypeError          = "error"

	// server -> device
	TypeGetRelayInfo  = "get_relay_info"
	TypeGetStatus     = "get_status"
	TypePing          = "ping"
	TypeSetRelay      = "set_relay"
	TypeRelayControl  = "relay_control"
	TypeEmergencyStop = "emergency_stop"
	TypeConfig        = "config"

	// administrative connections
	TypeGetConnectedRelays = "get_connected_relays"
	TypeConnectedRelays    = "connected_relays"
)

type Frame interface {
	FrameType() string
}

// RegisterFrame is the device's self-introduction. New firmware sends
// "register" with mac/ip/device_name; old firmware sends "device_register"
// with mac_address.
type RegisterFrame struct {
	MAC          string   `json:"mac,omitempty"`
	MACAddress   string   `json:"mac_address,omitempty"`
	IP           string   `json:"ip,omitempty"`
	DeviceName   string   `json:"device_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (RegisterFrame) FrameType() string { return TypeRegister }

// ReportedMAC returns the hardware address regardless of firmware vintage.
func (f RegisterFrame) ReportedMAC() string {
	if f.MAC != "" {
		return f.MAC
	}
	return f.MACAddress
}

type RelayInfoFrame struct {
	RelayID       string   `json:"relay_id"`
	RelayName     string   `json:"relay_name"`
	RelayType     string   `json:"relay_type"`
	WebSocketPort int      `json:"webSocket_port"`
	NumRelays     int      `json:"num_relays"`
	Capabilities  []string `json:"capabilities"`
}

func (RelayInfoFrame) FrameType() string { return TypeRelayInfo }

type StatusFrame struct {
	WifiConnected bool   `json:"wifi_connected"`
	IPAddress     string `json:"ip_address"`
	UptimeMillis  int64  `json:"uptime"`
}

func (StatusFrame) FrameType() string { return TypeStatus }

// RelayStateFrame reports per-relay boolean states keyed by relay name.
// Doubles as the acknowledgement for set_relay/relay_control commands.
type RelayStateFrame struct {
	States  map[string]bool `json:"states"`
	RelayID string          `json:"relay_id,omitempty"`
	IP      string          `json:"ip,omitempty"`
}

func (RelayStateFrame) FrameType() string { return TypeRelayState }

type HeartbeatFrame struct {
	UptimeMillis int64 `json:"uptime"`
}

func (HeartbeatFrame) FrameType() string { return TypeHeartbeat }

type PongFrame struct{}

func (PongFrame) FrameType() string { return TypePong }

type ErrorFrame struct {
	Error string `json:"error"`
}

func (ErrorFrame) FrameType() string { return TypeError }

type GetRelayInfoFrame struct{}

func (GetRelayInfoFrame) FrameType() string { return TypeGetRelayInfo }

type GetStatusFrame struct{}

func (GetStatusFrame) FrameType() string { return TypeGetStatus }

type PingFrame struct{}

func (PingFrame) FrameType() string { return TypePing }

// SetRelayFrame addresses a relay by logical name.
type SetRelayFrame struct {
	Relay string `json:"relay"`
	State bool   `json:"state"`
}

func (SetRelayFrame) FrameType() string { return TypeSetRelay }

// RelayControlFrame addresses a relay by physical index; some firmware
// revisions only understand this form.
type RelayControlFrame struct {
	Relay int  `json:"relay"`
	State bool `json:"state"`
}

func (RelayControlFrame) FrameType() string { return TypeRelayControl }

type EmergencyStopFrame struct{}

func (EmergencyStopFrame) FrameType() string { return TypeEmergencyStop }

// ConfigFrame pushes the administrator channel map down to the firmware
// after the device registers.
type ConfigFrame struct {
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	NumRelays  int             `json:"num_relays"`
	Channels   []ChannelConfig `json:"relays"`
}

type ChannelConfig struct {
	BitPosition int    `json:"bitPosition"`
	Function    string `json:"function"`
	Enabled     bool   `json:"enabled"`
}

func (ConfigFrame) FrameType() string { return TypeConfig }

type GetConnectedRelaysFrame struct {
	Request string `json:"request"`
}

func (GetConnectedRelaysFrame) FrameType() string { return TypeGetConnectedRelays }

type ConnectedRelaysFrame struct {
	Relays []ConnectedRelayInfo `json:"relays"`
}

type ConnectedRelayInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Status   string `json:"status"`
	LastSeen string `json:"lastSeen"`
}

func (ConnectedRelaysFrame) FrameType() string { return TypeConnectedRelays }

// RawFrame carries a message with an unrecognized type. Logged and ignored
// rather than dropped as malformed, so newer firmware does not kill older
// servers.
type RawFrame struct {
	Type string
	Data json.RawMessage
}

func (f RawFrame) FrameType() string { return f.Type }

// MalformedFrameError wraps an unparseable device message. Receivers log
// and drop these; the connection stays alive.
type MalformedFrameError struct {
	Payload []byte
	Err     error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %s", truncatePayload(e.Payload), e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

func truncatePayload(p []byte) string {
	const max = 120
	if len(p) > max {
		return string(p[:max]) + "..."
	}
	return string(p)
}
