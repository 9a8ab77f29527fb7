package service

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkm-protocol/connector-go/pkg/firmware"
	"github.com/fkm-protocol/connector-go/pkg/state"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

func recvBroadcast(t *testing.T, sub *state.Subscription) state.BroadcastPacket {
	t.Helper()
	select {
	case pkt := <-sub.C:
		return pkt
	default:
		t.Fatal("expected a broadcast")
		return nil
	}
}

func TestUploadFirmwareBroadcastsForceUpdate(t *testing.T) {
	appState := state.New(false, nil)
	handler := NewEventHandler(appState, nil)

	sub := appState.Subscribe()
	defer sub.Close()

	image, err := firmware.PrependDescriptor([]byte("payload"), firmware.Metadata{
		Hardware:  "esp32",
		Firmware:  "station",
		Version:   "D1717000000",
		BuildTime: 1717000000,
	})
	require.NoError(t, err)

	handler.HandleEvent(wire.UploadFirmware{
		FileName: "esp32_station_D1717000000.bin",
		FileData: base64.StdEncoding.EncodeToString(image),
	})

	force, ok := recvBroadcast(t, sub).(state.ForceUpdate)
	require.True(t, ok)
	assert.Equal(t, "esp32", force.Hardware)
	require.NotNil(t, force.Firmware)
	assert.Equal(t, "station", force.Firmware.Firmware)
	assert.Equal(t, firmware.KindDev, force.Firmware.Version.Kind)
	assert.Equal(t, uint64(1717000000), force.Firmware.BuildTime)
	assert.Equal(t, image, force.Firmware.Data)
}

func TestUploadFirmwareRejectsBadPayloads(t *testing.T) {
	appState := state.New(false, nil)
	handler := NewEventHandler(appState, nil)

	sub := appState.Subscribe()
	defer sub.Close()

	// Broken Base64.
	handler.HandleEvent(wire.UploadFirmware{FileName: "x.bin", FileData: "!!not-base64!!"})
	// Valid Base64, no descriptor.
	handler.HandleEvent(wire.UploadFirmware{
		FileName: "x.bin",
		FileData: base64.StdEncoding.EncodeToString([]byte("no descriptor")),
	})

	select {
	case pkt := <-sub.C:
		t.Fatalf("unexpected broadcast %T", pkt)
	default:
	}
}

func TestServerStatusEventUpdatesState(t *testing.T) {
	appState := state.New(false, nil)
	handler := NewEventHandler(appState, nil)

	handler.HandleEvent(wire.ServerStatus{
		ShouldUpdate: true,
		Devices:      []wire.DeviceStatus{{EspID: 5}},
		FkmToken:     7,
	})

	assert.True(t, appState.ShouldUpdate())
	assert.Equal(t, int32(7), appState.FkmToken())
	_, ok := appState.Settings(5)
	assert.True(t, ok)
}
