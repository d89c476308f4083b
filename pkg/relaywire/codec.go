package relaywire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Encode marshals a frame with its "type" discriminator injected, so frame
// structs never carry a redundant Type field that could be left unset.
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	m["type"] = f.FrameType()
	return json.Marshal(m)
}

// Decode parses one JSON message into its typed frame. Messages that are
// not JSON objects or lack a string "type" yield a MalformedFrameError.
// Known-type messages with mismatched field shapes are malformed too;
// unknown types decode to RawFrame.
func Decode(payload []byte) (Frame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, &MalformedFrameError{Payload: payload, Err: err}
	}
	if probe.Type == "" {
		return nil, &MalformedFrameError{Payload: payload, Err: errors.New("missing type field")}
	}

	frame, err := decodeTyped(probe.Type, payload)
	if err != nil {
		return nil, &MalformedFrameError{Payload: payload, Err: fmt.Errorf("decode %s: %w", probe.Type, err)}
	}
	return frame, nil
}

func decodeTyped(frameType string, payload []byte) (Frame, error) {
	switch frameType {
	case TypeRegister, TypeDeviceRegister:
		var f RegisterFrame
		return f, json.Unmarshal(payload, &f)
	case TypeRelayInfo:
		var f RelayInfoFrame
		return f, json.Unmarshal(payload, &f)
	case TypeStatus:
		var f StatusFrame
		return f, json.Unmarshal(payload, &f)
	case TypeRelayState, TypeRelayStates:
		var f RelayStateFrame
		return f, json.Unmarshal(payload, &f)
	case TypeHeartbeat:
		var f HeartbeatFrame
		return f, json.Unmarshal(payload, &f)
	case TypePong:
		return PongFrame{}, nil
	case TypeError:
		var f ErrorFrame
		return f, json.Unmarshal(payload, &f)
	case TypeGetRelayInfo:
		return GetRelayInfoFrame{}, nil
	case TypeGetStatus:
		return GetStatusFrame{}, nil
	case TypePing:
		return PingFrame{}, nil
	case TypeSetRelay:
		var f SetRelayFrame
		return f, json.Unmarshal(payload, &f)
	case TypeRelayControl:
		var f RelayControlFrame
		return f, json.Unmarshal(payload, &f)
	case TypeEmergencyStop:
		return EmergencyStopFrame{}, nil
	case TypeConfig:
		var f ConfigFrame
		return f, json.Unmarshal(payload, &f)
	case TypeGetConnectedRelays:
		var f GetConnectedRelaysFrame
		return f, json.Unmarshal(payload, &f)
	case TypeConnectedRelays:
		var f ConnectedRelaysFrame
		return f, json.Unmarshal(payload, &f)
	default:
		return RawFrame{Type: frameType, Data: append([]byte(nil), payload...)}, nil
	}
}
