package wire

import (
	"encoding/json"
	"fmt"
)

// TestPacketData is the union of hardware test stimuli. It rides inside a
// TestPacket record on the Unix side and inside a TestPacket device packet
// on the WebSocket side, in the same {type, data} form.
type TestPacketData interface {
	testPacketType() string
}

// HardStateReset wipes all device state, including persisted settings.
type HardStateReset struct{}

// ResetState returns the device to its idle scene.
type ResetState struct{}

// ScanCard simulates an RFID card scan. The value is the card id.
type ScanCard uint64

// ButtonPress simulates holding a button for PressTime milliseconds.
type ButtonPress struct {
	Pin       uint8  `json:"pin"`
	PressTime uint64 `json:"press_time"`
}

// StackmatTime simulates a finished stackmat solve of the given
// milliseconds.
type StackmatTime uint64

// StackmatReset simulates a stackmat timer reset.
type StackmatReset struct{}

func (HardStateReset) testPacketType() string { return "HardStateReset" }
func (ResetState) testPacketType() string     { return "ResetState" }
func (ScanCard) testPacketType() string       { return "ScanCard" }
func (ButtonPress) testPacketType() string    { return "ButtonPress" }
func (StackmatTime) testPacketType() string   { return "StackmatTime" }
func (StackmatReset) testPacketType() string  { return "StackmatReset" }

// testPacketShell is the on-wire {type, data} form of a test packet.
type testPacketShell struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeTestPacketData encodes a test packet to its {type, data} form.
// Unit variants omit the data field; scalar variants carry a bare number.
func EncodeTestPacketData(d TestPacketData) (json.RawMessage, error) {
	if d == nil {
		return nil, fmt.Errorf("test packet has no data")
	}

	shell := testPacketShell{Type: d.testPacketType()}

	switch v := d.(type) {
	case HardStateReset, ResetState, StackmatReset:
		// Unit variants carry no payload.
	case ScanCard:
		shell.Data = json.RawMessage(fmt.Sprintf("%d", uint64(v)))
	case StackmatTime:
		shell.Data = json.RawMessage(fmt.Sprintf("%d", uint64(v)))
	case ButtonPress:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		shell.Data = data
	default:
		return nil, fmt.Errorf("unknown test packet variant %T", d)
	}

	return json.Marshal(shell)
}

// DecodeTestPacketData decodes the {type, data} form of a test packet.
func DecodeTestPacketData(data json.RawMessage) (TestPacketData, error) {
	var shell testPacketShell
	if err := json.Unmarshal(data, &shell); err != nil {
		return nil, fmt.Errorf("decode test packet: %w", err)
	}

	switch shell.Type {
	case "HardStateReset":
		return HardStateReset{}, nil
	case "ResetState":
		return ResetState{}, nil
	case "StackmatReset":
		return StackmatReset{}, nil
	case "ScanCard":
		var v uint64
		if err := json.Unmarshal(shell.Data, &v); err != nil {
			return nil, fmt.Errorf("decode ScanCard: %w", err)
		}
		return ScanCard(v), nil
	case "StackmatTime":
		var v uint64
		if err := json.Unmarshal(shell.Data, &v); err != nil {
			return nil, fmt.Errorf("decode StackmatTime: %w", err)
		}
		return StackmatTime(v), nil
	case "ButtonPress":
		var v ButtonPress
		if err := json.Unmarshal(shell.Data, &v); err != nil {
			return nil, fmt.Errorf("decode ButtonPress: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown test packet type %q", shell.Type)
	}
}
