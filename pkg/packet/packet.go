// Package packet defines the device-facing WebSocket protocol. Every
// message is one text frame carrying a JSON envelope {tag?, data} where
// data is a tagged union: a "type" field next to the variant's own
// snake_case fields. Binary frames are reserved for OTA payload chunks
// and never reach this package.
package packet

import (
	"encoding/json"
	"fmt"

	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// Packet is one device WebSocket message in either direction.
type Packet struct {
	Tag  *uint64
	Data Inner
}

// Inner is the payload union of a Packet.
type Inner interface {
	packetType() string
}

// StartUpdate announces an OTA transfer about to start. Size is the image
// byte count and Crc its CRC-32; the device validates the streamed image
// against both before swapping boot partitions.
type StartUpdate struct {
	Version   string `json:"version"`
	BuildTime uint64 `json:"build_time"`
	Size      int64  `json:"size"`
	Crc       uint32 `json:"crc"`
	Firmware  string `json:"firmware"`
}

// Solve is a finished attempt reported by a station. SolveTime is in
// milliseconds; Timestamp is Unix-epoch seconds.
type Solve struct {
	SolveTime      uint64 `json:"solve_time"`
	Penalty        int64  `json:"penalty"`
	CompetitorID   uint64 `json:"competitor_id"`
	JudgeID        uint64 `json:"judge_id"`
	Timestamp      uint64 `json:"timestamp"`
	SessionID      string `json:"session_id"`
	Delegate       bool   `json:"delegate"`
	InspectionTime int64  `json:"inspection_time"`
	GroupID        string `json:"group_id"`
}

// SolveConfirm acknowledges a non-delegate Solve.
type SolveConfirm struct {
	SessionID    string `json:"session_id"`
	CompetitorID uint64 `json:"competitor_id"`
}

// ApiError surfaces a back-end failure to the device.
type ApiError struct {
	Error           string `json:"error"`
	ShouldResetTime bool   `json:"should_reset_time"`
}

// CardInfoRequest asks for competitor data after a card scan. Attendance
// readers set AttendanceDevice instead of expecting competitor info.
type CardInfoRequest struct {
	CardID           uint64 `json:"card_id"`
	SignKey          uint32 `json:"sign_key"`
	AttendanceDevice *bool  `json:"attendance_device,omitempty"`
}

// CardInfoResponse answers a CardInfoRequest on a competition station.
type CardInfoResponse struct {
	CardID         uint64               `json:"card_id"`
	Display        string               `json:"display"`
	CountryISO2    string               `json:"country_iso2"`
	CanCompete     bool                 `json:"can_compete"`
	PossibleGroups []wire.PossibleGroup `json:"possible_groups"`
}

// AttendanceMarked answers a CardInfoRequest on an attendance reader.
type AttendanceMarked struct{}

// DelegateResponse resolves a delegate case raised by a Solve. SolveTime
// is in milliseconds.
type DelegateResponse struct {
	ShouldScanCards bool    `json:"should_scan_cards"`
	SolveTime       *uint64 `json:"solve_time,omitempty"`
	Penalty         *int64  `json:"penalty,omitempty"`
}

// DeviceSettings is the session's settings frame, re-sent whenever the
// back-end status changes.
type DeviceSettings struct {
	Added         bool                     `json:"added"`
	Locales       []wire.TranslationLocale `json:"locales"`
	DefaultLocale string                   `json:"default_locale"`
	FkmToken      int32                    `json:"fkm_token"`
	SecureRfid    bool                     `json:"secure_rfid"`
}

// EpochTime tells the device the current wall clock in Unix seconds.
type EpochTime struct {
	CurrentEpoch uint64 `json:"current_epoch"`
}

// Logs carries buffered device log lines, newest batch first.
type Logs struct {
	Logs []LogLine `json:"logs"`
}

// LogLine is one device log record.
type LogLine struct {
	Millis uint64 `json:"millis"`
	Msg    string `json:"msg"`
}

// Battery reports the device battery state.
type Battery struct {
	Level   float64 `json:"level"`
	Voltage float64 `json:"voltage"`
}

// Add asks the gateway to register an unknown device with the back-end.
type Add struct {
	Firmware string `json:"firmware"`
}

// TestPacket delivers a hardware test stimulus to the device.
type TestPacket struct {
	Data wire.TestPacketData
}

// TestAck acknowledges a test stimulus with a state snapshot.
type TestAck struct {
	Snapshot wire.Snapshot `json:"snapshot"`
}

// CustomMessage shows two lines on the device screen.
type CustomMessage struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

func (StartUpdate) packetType() string      { return "StartUpdate" }
func (Solve) packetType() string            { return "Solve" }
func (SolveConfirm) packetType() string     { return "SolveConfirm" }
func (ApiError) packetType() string         { return "ApiError" }
func (CardInfoRequest) packetType() string  { return "CardInfoRequest" }
func (CardInfoResponse) packetType() string { return "CardInfoResponse" }
func (AttendanceMarked) packetType() string { return "AttendanceMarked" }
func (DelegateResponse) packetType() string { return "DelegateResponse" }
func (DeviceSettings) packetType() string   { return "DeviceSettings" }
func (EpochTime) packetType() string        { return "EpochTime" }
func (Logs) packetType() string             { return "Logs" }
func (Battery) packetType() string          { return "Battery" }
func (Add) packetType() string              { return "Add" }
func (TestPacket) packetType() string       { return "TestPacket" }
func (TestAck) packetType() string          { return "TestAck" }
func (CustomMessage) packetType() string    { return "CustomMessage" }

// MarshalJSON encodes the nested test packet union under a data key.
func (p TestPacket) MarshalJSON() ([]byte, error) {
	inner, err := wire.EncodeTestPacketData(p.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Data json.RawMessage `json:"data"`
	}{Data: inner})
}

// UnmarshalJSON decodes the nested test packet union.
func (p *TestPacket) UnmarshalJSON(data []byte) error {
	var shell struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}
	inner, err := wire.DecodeTestPacketData(shell.Data)
	if err != nil {
		return err
	}
	p.Data = inner
	return nil
}

// Kind returns the wire type name of a payload.
func Kind(in Inner) string {
	if in == nil {
		return ""
	}
	return in.packetType()
}

// packetShell is the on-wire envelope of a Packet.
type packetShell struct {
	Tag  *uint64         `json:"tag,omitempty"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the packet with the variant's type inside its data
// object. The type key is spliced in front of the variant's own fields so
// integer payloads never round-trip through float64.
func (p Packet) MarshalJSON() ([]byte, error) {
	if p.Data == nil {
		return nil, fmt.Errorf("packet has no data")
	}

	fields, err := json.Marshal(p.Data)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 || fields[0] != '{' {
		return nil, fmt.Errorf("packet variant %T did not encode to an object", p.Data)
	}

	data := make([]byte, 0, len(fields)+24)
	data = append(data, `{"type":"`...)
	data = append(data, p.Data.packetType()...)
	data = append(data, '"')
	if string(fields) != "{}" {
		data = append(data, ',')
		data = append(data, fields[1:len(fields)-1]...)
	}
	data = append(data, '}')

	return json.Marshal(packetShell{Tag: p.Tag, Data: data})
}

// UnmarshalJSON decodes the packet, selecting the variant by the type key
// inside data.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var shell packetShell
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}

	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(shell.Data, &kind); err != nil {
		return fmt.Errorf("packet data is not an object: %w", err)
	}

	inner, err := decodeInner(kind.Type, shell.Data)
	if err != nil {
		return err
	}

	p.Tag = shell.Tag
	p.Data = inner
	return nil
}

func decodeInner(kind string, data json.RawMessage) (Inner, error) {
	fail := func(err error) error {
		return fmt.Errorf("decode %s: %w", kind, err)
	}

	switch kind {
	case "StartUpdate":
		var v StartUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "Solve":
		var v Solve
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "SolveConfirm":
		var v SolveConfirm
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "ApiError":
		var v ApiError
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "CardInfoRequest":
		var v CardInfoRequest
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "CardInfoResponse":
		var v CardInfoResponse
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "AttendanceMarked":
		return AttendanceMarked{}, nil
	case "DelegateResponse":
		var v DelegateResponse
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "DeviceSettings":
		var v DeviceSettings
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "EpochTime":
		var v EpochTime
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "Logs":
		var v Logs
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "Battery":
		var v Battery
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "Add":
		var v Add
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "TestPacket":
		var v TestPacket
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "TestAck":
		var v TestAck
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "CustomMessage":
		var v CustomMessage
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown packet type %q", kind)
	}
}

// Encode encodes a packet to its JSON text-frame form.
func Encode(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

// Decode decodes a JSON text frame into a packet.
func Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode packet: %w", err)
	}
	return &p, nil
}
