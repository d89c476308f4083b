package relaywire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeDeviceFrames(t *testing.T) {
	f, err := Decode([]byte(`{"type":"relay_info","relay_id":"relay-01","relay_name":"Main Elevator","relay_type":"elevator","webSocket_port":81,"num_relays":6,"capabilities":["door_control","floor_selection"]}`))
	assert.NoError(t, err)
	info, ok := f.(RelayInfoFrame)
	assert.True(t, ok)
	assert.Equal(t, "Main Elevator", info.RelayName)
	assert.Equal(t, 6, info.NumRelays)
	assert.Equal(t, []string{"door_control", "floor_selection"}, info.Capabilities)

	f, err = Decode([]byte(`{"type":"relay_state","states":{"doorOpen":true,"doorClose":false}}`))
	assert.NoError(t, err)
	st, ok := f.(RelayStateFrame)
	assert.True(t, ok)
	assert.True(t, st.States["doorOpen"])
	assert.False(t, st.States["doorClose"])

	// older firmware variant
	f, err = Decode([]byte(`{"type":"relay_states","states":{"floor1":true}}`))
	assert.NoError(t, err)
	_, ok = f.(RelayStateFrame)
	assert.True(t, ok)

	f, err = Decode([]byte(`{"type":"heartbeat","uptime":123456}`))
	assert.NoError(t, err)
	hb, ok := f.(HeartbeatFrame)
	assert.True(t, ok)
	assert.Equal(t, int64(123456), hb.UptimeMillis)

	f, err = Decode([]byte(`{"type":"pong"}`))
	assert.NoError(t, err)
	assert.Equal(t, PongFrame{}, f)
}

func TestDecodeRegisterAliases(t *testing.T) {
	f, err := Decode([]byte(`{"type":"register","mac":"AA:BB:CC:DD:EE:FF","ip":"10.0.0.9","device_name":"dock-elevator"}`))
	assert.NoError(t, err)
	reg := f.(RegisterFrame)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", reg.ReportedMAC())

	f, err = Decode([]byte(`{"type":"device_register","mac_address":"aa-bb-cc-dd-ee-ff"}`))
	assert.NoError(t, err)
	reg = f.(RegisterFrame)
	assert.Equal(t, "aa-bb-cc-dd-ee-ff", reg.ReportedMAC())
}

func TestDecodeMalformed(t *testing.T) {
	var mfe *MalformedFrameError

	_, err := Decode([]byte(`not json at all`))
	assert.Error(t, err)
	assert.True(t, errors.As(err, &mfe))

	_, err = Decode([]byte(`{"relay":"doorOpen"}`))
	assert.Error(t, err)
	assert.True(t, errors.As(err, &mfe))

	// unknown types are passed through, not treated as malformed
	f, err := Decode([]byte(`{"type":"firmware_update_progress","pct":50}`))
	assert.NoError(t, err)
	raw, ok := f.(RawFrame)
	assert.True(t, ok)
	assert.Equal(t, "firmware_update_progress", raw.Type)
}

func TestEncodeInjectsType(t *testing.T) {
	payload, err := Encode(SetRelayFrame{Relay: "doorOpen", State: true})
	assert.NoError(t, err)

	var m map[string]any
	assert.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "set_relay", m["type"])
	assert.Equal(t, "doorOpen", m["relay"])
	assert.Equal(t, true, m["state"])

	payload, err = Encode(RelayControlFrame{Relay: 3, State: false})
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "relay_control", m["type"])
	assert.Equal(t, float64(3), m["relay"])

	payload, err = Encode(EmergencyStopFrame{})
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "emergency_stop", m["type"])
}

func TestEncodeDecodeRoundTripKeepsAddressingForms(t *testing.T) {
	named, err := Encode(SetRelayFrame{Relay: "doorOpen", State: true})
	assert.NoError(t, err)
	f, err := Decode(named)
	assert.NoError(t, err)
	assert.Equal(t, SetRelayFrame{Relay: "doorOpen", State: true}, f)

	indexed, err := Encode(RelayControlFrame{Relay: 0, State: true})
	assert.NoError(t, err)
	f, err = Decode(indexed)
	assert.NoError(t, err)
	assert.Equal(t, RelayControlFrame{Relay: 0, State: true}, f)
}

func TestTestTransportScriptedAck(t *testing.T) {
	tr := NewTestTransport()
	tr.OnWrite = AckRelayCommands

	assert.NoError(t, tr.WriteFrame(SetRelayFrame{Relay: "doorOpen", State: true}))

	f, err := tr.ReadFrame()
	assert.NoError(t, err)
	ack := f.(RelayStateFrame)
	assert.True(t, ack.States["doorOpen"])

	assert.NoError(t, tr.Close())
	_, err = tr.ReadFrame()
	assert.Error(t, err)
}
