package wire

import (
	"encoding/json"
	"fmt"
)

// Response is a back-end-to-connector record. Tagged responses answer a
// Request with the same tag; untagged records are asynchronous events.
// Error marks the data payload as an Error variant regardless of outcome
// reporting conventions on the peer.
type Response struct {
	Tag   *uint32
	Error *bool
	Data  ResponseData
}

// ResponseData is the payload union of a Response.
type ResponseData interface {
	responseType() string
}

// ServerStatus mirrors the back-end competition state. The connector's
// app state replaces its own fields with this on every receipt.
type ServerStatus struct {
	ShouldUpdate  bool                `json:"shouldUpdate"`
	Devices       []DeviceStatus      `json:"devices"`
	Translations  []TranslationLocale `json:"translations"`
	DefaultLocale string              `json:"defaultLocale"`
	FkmToken      int32               `json:"fkmToken"`
	SecureRfid    bool                `json:"secureRfid"`
}

// DeviceStatus is one device entry of a ServerStatus.
type DeviceStatus struct {
	EspID uint32 `json:"espId"`

	// SignKey, when present, authenticates the gateway to the device
	// during the WebSocket upgrade.
	SignKey *uint32 `json:"signKey,omitempty"`
}

// TranslationLocale is one locale's translation table.
type TranslationLocale struct {
	Locale       string              `json:"locale"`
	Translations []TranslationEntry `json:"translations"`
}

// TranslationEntry is a single key/translation pair.
type TranslationEntry struct {
	Key         string `json:"key"`
	Translation string `json:"translation"`
}

// PersonInfoResp is the competitor record answering a PersonInfo request.
type PersonInfoResp struct {
	ID             string          `json:"id"`
	RegistrantID   *int64          `json:"registrantId"`
	Name           string          `json:"name"`
	WcaID          *string         `json:"wcaId"`
	CountryISO2    *string         `json:"countryIso2"`
	Gender         string          `json:"gender"`
	CanCompete     bool            `json:"canCompete"`
	PossibleGroups []PossibleGroup `json:"possibleGroups,omitempty"`
}

// PossibleGroup is one group a competitor may compete in.
type PossibleGroup struct {
	GroupID       string `json:"groupId"`
	UseInspection bool   `json:"useInspection"`
	SecondaryText string `json:"secondaryText"`
}

// ErrorData reports a back-end failure for the correlated request.
type ErrorData struct {
	Message         string `json:"message"`
	ShouldResetTime bool   `json:"shouldResetTime"`
}

// Success reports a plain success message.
type Success struct {
	Message string `json:"message"`
}

// IncidentResolved closes a delegate incident for a device. Attempt values
// are in centiseconds.
type IncidentResolved struct {
	EspID           uint32          `json:"espId"`
	ShouldScanCards bool            `json:"shouldScanCards"`
	Attempt         IncidentAttempt `json:"attempt"`
}

// IncidentAttempt is the resolved attempt of an incident.
type IncidentAttempt struct {
	SessionID string  `json:"sessionId"`
	Penalty   *int64  `json:"penalty"`
	Value     *uint64 `json:"value"`
}

// TestPacketEvent carries a hardware test stimulus for a device.
type TestPacketEvent struct {
	EspID uint32
	Data  TestPacketData
}

// CustomMessage displays two lines on a device screen.
type CustomMessage struct {
	EspID uint32 `json:"espId"`
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

// UploadFirmware pushes a firmware image to the connector. FileData is
// standard Base64.
type UploadFirmware struct {
	FileName string `json:"fileName"`
	FileData string `json:"fileData"`
}

// Empty is the bodyless acknowledgement.
type Empty struct{}

func (ServerStatus) responseType() string     { return "ServerStatus" }
func (PersonInfoResp) responseType() string   { return "PersonInfoResp" }
func (ErrorData) responseType() string        { return "Error" }
func (Success) responseType() string          { return "Success" }
func (IncidentResolved) responseType() string { return "IncidentResolved" }
func (TestPacketEvent) responseType() string  { return "TestPacket" }
func (CustomMessage) responseType() string    { return "CustomMessage" }
func (UploadFirmware) responseType() string   { return "UploadFirmware" }
func (Empty) responseType() string            { return "Empty" }

// ResponseKind returns the wire type name of a response payload.
func ResponseKind(d ResponseData) string {
	if d == nil {
		return ""
	}
	return d.responseType()
}

// testPacketEventShell is the on-wire form of a TestPacketEvent payload;
// the inner test packet is itself a tagged union.
type testPacketEventShell struct {
	EspID uint32          `json:"espId"`
	Data  json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event with its nested test packet union.
func (e TestPacketEvent) MarshalJSON() ([]byte, error) {
	data, err := EncodeTestPacketData(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(testPacketEventShell{EspID: e.EspID, Data: data})
}

// UnmarshalJSON decodes the event and its nested test packet union.
func (e *TestPacketEvent) UnmarshalJSON(data []byte) error {
	var shell testPacketEventShell
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}
	inner, err := DecodeTestPacketData(shell.Data)
	if err != nil {
		return err
	}
	e.EspID = shell.EspID
	e.Data = inner
	return nil
}

// responseShell is the on-wire form of a Response.
type responseShell struct {
	Tag   *uint32         `json:"tag,omitempty"`
	Error *bool           `json:"error,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the response in the {tag?, error?, type, data} form.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Data == nil {
		return nil, fmt.Errorf("response has no data")
	}

	shell := responseShell{Tag: r.Tag, Error: r.Error, Type: r.Data.responseType()}

	data, err := json.Marshal(r.Data)
	if err != nil {
		return nil, err
	}
	if string(data) != "{}" {
		shell.Data = data
	}

	return json.Marshal(shell)
}

// UnmarshalJSON decodes the response, selecting the variant by type.
func (r *Response) UnmarshalJSON(data []byte) error {
	var shell responseShell
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}

	// A bare acknowledgement may omit the payload entirely.
	if shell.Type == "" && len(shell.Data) == 0 {
		r.Tag = shell.Tag
		r.Error = shell.Error
		r.Data = Empty{}
		return nil
	}

	payload, err := decodeResponseData(shell.Type, shell.Data)
	if err != nil {
		return err
	}

	r.Tag = shell.Tag
	r.Error = shell.Error
	r.Data = payload
	return nil
}

func decodeResponseData(kind string, data json.RawMessage) (ResponseData, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	fail := func(err error) error {
		return fmt.Errorf("decode %s: %w", kind, err)
	}

	switch kind {
	case "ServerStatus":
		var v ServerStatus
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "PersonInfoResp":
		var v PersonInfoResp
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "Error":
		var v ErrorData
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "Success":
		var v Success
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "IncidentResolved":
		var v IncidentResolved
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "TestPacket":
		var v TestPacketEvent
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
	case "UploadFirmware":
		var v UploadFirmware
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fail(err)
		}
		return v, nil
	case "Empty":
		return Empty{}, nil
	default:
		return nil, fmt.Errorf("unknown response type %q", kind)
	}
}

// EncodeResponse encodes a response record to JSON bytes.
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes JSON bytes into a response record.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}
