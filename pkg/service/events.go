package service

import (
	"encoding/base64"
	"log/slog"

	"github.com/fkm-protocol/connector-go/pkg/firmware"
	"github.com/fkm-protocol/connector-go/pkg/packet"
	"github.com/fkm-protocol/connector-go/pkg/state"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// EventHandler reacts to untagged control-plane records: status updates
// land in app state, device-directed events are relayed onto the
// broadcast bus, firmware pushes become force-update broadcasts.
// Failures are logged and swallowed; an event must never take down the
// multiplexer.
type EventHandler struct {
	State  *state.AppState
	Logger *slog.Logger
}

// NewEventHandler creates the connector's untagged-event handler.
func NewEventHandler(appState *state.AppState, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{State: appState, Logger: logger}
}

// HandleEvent implements backend.EventHandler.
func (h *EventHandler) HandleEvent(data wire.ResponseData) {
	switch ev := data.(type) {
	case wire.ServerStatus:
		h.State.ApplyStatus(ev)

	case wire.IncidentResolved:
		// Attempt values arrive in centiseconds; devices speak
		// milliseconds.
		var solveTime *uint64
		if ev.Attempt.Value != nil {
			ms := *ev.Attempt.Value * 10
			solveTime = &ms
		}
		h.State.SendPacket(ev.EspID, packet.Packet{Data: packet.DelegateResponse{
			ShouldScanCards: ev.ShouldScanCards,
			SolveTime:       solveTime,
			Penalty:         ev.Attempt.Penalty,
		}})

	case wire.TestPacketEvent:
		h.State.SendPacket(ev.EspID, packet.Packet{Data: packet.TestPacket{Data: ev.Data}})

	case wire.CustomMessage:
		h.State.SendPacket(ev.EspID, packet.Packet{Data: packet.CustomMessage{
			Line1: ev.Line1,
			Line2: ev.Line2,
		}})

	case wire.UploadFirmware:
		h.uploadFirmware(ev)

	default:
		// Success/Empty acks and unknown events carry nothing to do.
	}
}

func (h *EventHandler) uploadFirmware(ev wire.UploadFirmware) {
	data, err := base64.StdEncoding.DecodeString(ev.FileData)
	if err != nil {
		h.Logger.Error("firmware upload: bad base64 payload", "file", ev.FileName, "error", err)
		return
	}

	fw, err := firmware.FromImage(data)
	if err != nil {
		h.Logger.Error("firmware upload: bad image metadata", "file", ev.FileName, "error", err)
		return
	}

	h.Logger.Info("firmware pushed by back-end",
		"file", ev.FileName,
		"hardware", fw.Hardware,
		"firmware", fw.Firmware,
		"version", fw.Version.String())

	h.State.ForceUpdate(fw.Hardware, fw)
}
