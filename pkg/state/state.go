// Package state holds the process-wide shared state mirrored from the
// back-end: the device roster and per-device settings, the locale table,
// the fleet token, and the update flag. Sessions read it under a shared
// lock and learn about changes through the broadcast bus; the bus is
// lossy, so sessions always re-read state when an event arrives rather
// than trusting event payloads.
package state

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/fkm-protocol/connector-go/pkg/firmware"
	"github.com/fkm-protocol/connector-go/pkg/packet"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// DeviceSettings is the gateway-relevant settings of one known device.
type DeviceSettings struct {
	// SignKey, when set, signs the session nonce during the WebSocket
	// upgrade so the device can authenticate the gateway.
	SignKey *uint32
}

// AppState is the shared application state. One writer (the back-end
// event handler) replaces fields under the write lock; sessions read
// under the read lock.
type AppState struct {
	devMode bool
	logger  *slog.Logger
	bus     *Bus

	mu            sync.RWMutex
	shouldUpdate  bool
	devices       map[uint32]DeviceSettings
	locales       []wire.TranslationLocale
	defaultLocale string
	fkmToken      int32
	secureRfid    bool
}

// New creates an empty app state. devMode is immutable for the process
// lifetime and selects the firmware channel.
func New(devMode bool, logger *slog.Logger) *AppState {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppState{
		devMode: devMode,
		logger:  logger,
		bus:     NewBus(),
		devices: make(map[uint32]DeviceSettings),
	}
}

// DevMode reports whether the process runs on the dev firmware channel.
func (s *AppState) DevMode() bool {
	return s.devMode
}

// ShouldUpdate reports the back-end's update flag.
func (s *AppState) ShouldUpdate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldUpdate
}

// FkmToken returns the current fleet token.
func (s *AppState) FkmToken() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fkmToken
}

// Settings returns the settings of a known device.
func (s *AppState) Settings(espID uint32) (DeviceSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.devices[espID]
	return set, ok
}

// DeviceIDs returns the ids of all known devices.
func (s *AppState) DeviceIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

// SettingsFrame builds the DeviceSettings packet for one session from
// current state. Added reports whether the back-end knows the device.
func (s *AppState) SettingsFrame(espID uint32) packet.DeviceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, added := s.devices[espID]
	return packet.DeviceSettings{
		Added:         added,
		Locales:       s.locales,
		DefaultLocale: s.defaultLocale,
		FkmToken:      s.fkmToken,
		SecureRfid:    s.secureRfid,
	}
}

// Subscribe registers a session on the broadcast bus.
func (s *AppState) Subscribe() *Subscription {
	return s.bus.Subscribe()
}

// SendPacket targets a packet at one device's session.
func (s *AppState) SendPacket(espID uint32, pkt packet.Packet) {
	s.bus.Publish(Resp{EspID: espID, Packet: pkt})
}

// NotifyBuild tells idle sessions to re-check the firmware registry.
func (s *AppState) NotifyBuild() {
	s.bus.Publish(Build{})
}

// ForceUpdate starts an OTA on every session matching the image.
func (s *AppState) ForceUpdate(hardware string, fw *firmware.Firmware) {
	s.bus.Publish(ForceUpdate{Hardware: hardware, Firmware: fw})
}

// ApplyStatus replaces state with a back-end status. Translation strings
// are transliterated to ASCII before storage and comparison. When
// anything relevant changed, it emits exactly one UpdateDeviceSettings
// broadcast, followed by a Build broadcast so idle sessions also
// re-check for firmware.
func (s *AppState) ApplyStatus(status wire.ServerStatus) {
	locales := normalizeLocales(status.Translations)

	s.mu.Lock()

	changed := s.fkmToken != status.FkmToken ||
		s.shouldUpdate != status.ShouldUpdate ||
		!reflect.DeepEqual(s.locales, locales) ||
		s.defaultLocale != status.DefaultLocale

	s.shouldUpdate = status.ShouldUpdate
	s.locales = locales
	s.defaultLocale = status.DefaultLocale
	s.fkmToken = status.FkmToken
	s.secureRfid = status.SecureRfid

	seen := make(map[uint32]struct{}, len(status.Devices))
	for _, dev := range status.Devices {
		seen[dev.EspID] = struct{}{}

		settings := DeviceSettings{SignKey: dev.SignKey}
		old, ok := s.devices[dev.EspID]
		if !ok || !reflect.DeepEqual(old, settings) {
			changed = true
		}
		s.devices[dev.EspID] = settings
	}

	// Absence in the status is removal: the settings map stays a strict
	// subset of the advertised devices.
	for id := range s.devices {
		if _, ok := seen[id]; !ok {
			delete(s.devices, id)
			changed = true
		}
	}

	s.mu.Unlock()

	if changed {
		s.logger.Debug("server status changed", "devices", len(status.Devices))
		s.bus.Publish(UpdateDeviceSettings{})
		s.bus.Publish(Build{})
	}
}

func normalizeLocales(locales []wire.TranslationLocale) []wire.TranslationLocale {
	if len(locales) == 0 {
		return nil
	}
	out := make([]wire.TranslationLocale, len(locales))
	for i, l := range locales {
		entries := make([]wire.TranslationEntry, len(l.Translations))
		for j, t := range l.Translations {
			entries[j] = wire.TranslationEntry{
				Key:         t.Key,
				Translation: Transliterate(t.Translation),
			}
		}
		out[i] = wire.TranslationLocale{Locale: l.Locale, Translations: entries}
	}
	return out
}
