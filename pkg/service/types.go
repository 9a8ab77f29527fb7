// Package service implements the device-facing side of the connector:
// the WebSocket server, per-device sessions, and the translation between
// device packets and control-plane requests.
package service

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// Fallback tags for devices that connect without identifying themselves.
const (
	defaultHardware = "no-hw"
	defaultFirmware = "no-firmware"
)

// Backend is the control-plane client a session translates through.
type Backend interface {
	// SendTagged performs a correlated request. Back-end failures are
	// returned as *backend.PeerError.
	SendTagged(ctx context.Context, data wire.RequestData) (wire.ResponseData, error)

	// SendAsync enqueues a fire-and-forget request.
	SendAsync(data wire.RequestData) error
}

// DeviceLogSink receives log lines reported by devices.
type DeviceLogSink interface {
	Append(espID uint32, lines []string) error
}

// ConnectInfo is the identity a device presents in its upgrade query.
// Immutable for the session.
type ConnectInfo struct {
	// EspID is the device's numeric id.
	EspID uint32

	// Version is the device's reported firmware version string.
	Version string

	// Hardware is the device's hardware tag, e.g. "esp32".
	Hardware string

	// Firmware is the device's firmware-kind tag, e.g. "station".
	Firmware string

	// Nonce is the per-session random value the device expects signed.
	Nonce uint64
}

// ParseConnectInfo reads the upgrade query parameters id, ver, hw,
// firmware and random. id and ver are required.
func ParseConnectInfo(query url.Values) (ConnectInfo, error) {
	info := ConnectInfo{
		Hardware: defaultHardware,
		Firmware: defaultFirmware,
	}

	id, err := strconv.ParseUint(query.Get("id"), 10, 32)
	if err != nil {
		return info, fmt.Errorf("bad device id %q: %w", query.Get("id"), err)
	}
	info.EspID = uint32(id)

	info.Version = query.Get("ver")
	if info.Version == "" {
		return info, fmt.Errorf("missing device version")
	}

	if hw := query.Get("hw"); hw != "" {
		info.Hardware = hw
	}
	if fw := query.Get("firmware"); fw != "" {
		info.Firmware = fw
	}
	if random := query.Get("random"); random != "" {
		nonce, err := strconv.ParseUint(random, 10, 64)
		if err != nil {
			return info, fmt.Errorf("bad session nonce %q: %w", random, err)
		}
		info.Nonce = nonce
	}

	return info, nil
}
