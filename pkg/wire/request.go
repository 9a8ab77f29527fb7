package wire

import (
	"encoding/json"
	"fmt"
)

// Request is a connector-to-back-end record. Tag is present on calls that
// expect a correlated response and absent on fire-and-forget sends.
type Request struct {
	Tag  *uint32
	Data RequestData
}

// RequestData is the payload union of a Request.
type RequestData interface {
	requestType() string
}

// PersonInfo looks up a competitor by card id.
type PersonInfo struct {
	CardID string `json:"cardId"`
	EspID  uint32 `json:"espId"`
}

// CreateAttendance marks attendance for a card at an attendance device.
type CreateAttendance struct {
	CardID string `json:"cardId"`
	EspID  uint32 `json:"espId"`
}

// EnterAttempt submits a solve attempt. Value is in centiseconds, ValueMs
// preserves the device's original milliseconds.
type EnterAttempt struct {
	Value          uint64 `json:"value"`
	ValueMs        uint64 `json:"valueMs"`
	Penalty        int64  `json:"penalty"`
	SolvedAt       string `json:"solvedAt"`
	EspID          uint32 `json:"espId"`
	JudgeID        string `json:"judgeId"`
	CompetitorID   string `json:"competitorId"`
	IsDelegate     bool   `json:"isDelegate"`
	SessionID      string `json:"sessionId"`
	InspectionTime int64  `json:"inspectionTime"`
	GroupID        string `json:"groupId"`
}

// UpdateBatteryPercentage reports a device battery level.
type UpdateBatteryPercentage struct {
	EspID             uint32 `json:"espId"`
	BatteryPercentage uint8  `json:"batteryPercentage"`
}

// RequestToConnectDevice asks the back-end to admit an unknown device.
type RequestToConnectDevice struct {
	EspID uint32 `json:"espId"`
	Type  string `json:"type"`
}

// TestAck acknowledges a test packet and carries the device state snapshot.
type TestAck struct {
	EspID    uint32   `json:"espId"`
	Snapshot Snapshot `json:"snapshot"`
}

// AutoSetupSettings requests provisioning settings for device setup.
type AutoSetupSettings struct{}

func (PersonInfo) requestType() string              { return "PersonInfo" }
func (CreateAttendance) requestType() string        { return "CreateAttendance" }
func (EnterAttempt) requestType() string            { return "EnterAttempt" }
func (UpdateBatteryPercentage) requestType() string { return "UpdateBatteryPercentage" }
func (RequestToConnectDevice) requestType() string  { return "RequestToConnectDevice" }
func (TestAck) requestType() string                 { return "TestAck" }
func (AutoSetupSettings) requestType() string       { return "AutoSetupSettings" }

// RequestKind returns the wire type name of a request payload.
func RequestKind(d RequestData) string {
	if d == nil {
		return ""
	}
	return d.requestType()
}

// requestShell is the on-wire form of a Request.
type requestShell struct {
	Tag  *uint32         `json:"tag,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the request in the {tag?, type, data} form.
func (r Request) MarshalJSON() ([]byte, error) {
	if r.Data == nil {
		return nil, fmt.Errorf("request has no data")
	}

	shell := requestShell{Tag: r.Tag, Type: r.Data.requestType()}

	data, err := json.Marshal(r.Data)
	if err != nil {
		return nil, err
	}
	// Unit variants carry no data field.
	if string(data) != "{}" {
		shell.Data = data
	}

	return json.Marshal(shell)
}

// UnmarshalJSON decodes the request, selecting the variant by type.
func (r *Request) UnmarshalJSON(data []byte) error {
	var shell requestShell
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}

	payload, err := decodeRequestData(shell.Type, shell.Data)
	if err != nil {
		return err
	}

	r.Tag = shell.Tag
	r.Data = payload
	return nil
}

func decodeRequestData(kind string, data json.RawMessage) (RequestData, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	fail := func(err error) error {
		return fmt.Errorf("decode %s: %w", kind, err)
	}

	switch kind {
	case "PersonInfo":
		var v PersonInfo
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "CreateAttendance":
		var v CreateAttendance
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "EnterAttempt":
		var v EnterAttempt
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "UpdateBatteryPercentage":
		var v UpdateBatteryPercentage
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "RequestToConnectDevice":
		var v RequestToConnectDevice
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
	case "AutoSetupSettings":
		return AutoSetupSettings{}, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", kind)
	}
}

// EncodeRequest encodes a request record to JSON bytes.
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes JSON bytes into a request record.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}
