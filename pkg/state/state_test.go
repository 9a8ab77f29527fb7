package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkm-protocol/connector-go/pkg/packet"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

func u32(v uint32) *uint32 { return &v }

// drain collects everything currently buffered on a subscription.
func drain(sub *Subscription) []BroadcastPacket {
	var out []BroadcastPacket
	for {
		select {
		case pkt := <-sub.C:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

func statusWith(devices ...wire.DeviceStatus) wire.ServerStatus {
	return wire.ServerStatus{
		ShouldUpdate:  true,
		Devices:       devices,
		DefaultLocale: "en",
		FkmToken:      42,
	}
}

func TestApplyStatusMirrorsDeviceSet(t *testing.T) {
	s := New(false, nil)

	s.ApplyStatus(statusWith(
		wire.DeviceStatus{EspID: 1},
		wire.DeviceStatus{EspID: 2, SignKey: u32(7)},
	))

	assert.ElementsMatch(t, []uint32{1, 2}, s.DeviceIDs())
	set, ok := s.Settings(2)
	require.True(t, ok)
	require.NotNil(t, set.SignKey)
	assert.Equal(t, uint32(7), *set.SignKey)

	// Absence is removal.
	s.ApplyStatus(statusWith(wire.DeviceStatus{EspID: 2, SignKey: u32(7)}))
	assert.ElementsMatch(t, []uint32{2}, s.DeviceIDs())
	_, ok = s.Settings(1)
	assert.False(t, ok)
}

func TestApplyStatusBroadcastsOnceOnChange(t *testing.T) {
	s := New(false, nil)
	sub := s.Subscribe()
	defer sub.Close()

	s.ApplyStatus(statusWith(wire.DeviceStatus{EspID: 1}))

	events := drain(sub)
	require.Len(t, events, 2)
	assert.IsType(t, UpdateDeviceSettings{}, events[0])
	assert.IsType(t, Build{}, events[1])

	// Structurally identical status: no broadcast.
	s.ApplyStatus(statusWith(wire.DeviceStatus{EspID: 1}))
	assert.Empty(t, drain(sub))
}

func TestApplyStatusDetectsEachField(t *testing.T) {
	base := func() wire.ServerStatus { return statusWith(wire.DeviceStatus{EspID: 1}) }

	tests := []struct {
		name   string
		mutate func(*wire.ServerStatus)
	}{
		{"update flag", func(st *wire.ServerStatus) { st.ShouldUpdate = false }},
		{"fleet token", func(st *wire.ServerStatus) { st.FkmToken = 43 }},
		{"default locale", func(st *wire.ServerStatus) { st.DefaultLocale = "pl" }},
		{"locales", func(st *wire.ServerStatus) {
			st.Translations = []wire.TranslationLocale{{Locale: "pl"}}
		}},
		{"device added", func(st *wire.ServerStatus) {
			st.Devices = append(st.Devices, wire.DeviceStatus{EspID: 9})
		}},
		{"device removed", func(st *wire.ServerStatus) { st.Devices = nil }},
		{"sign key rotated", func(st *wire.ServerStatus) {
			st.Devices[0].SignKey = u32(123)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(false, nil)
			s.ApplyStatus(base())

			sub := s.Subscribe()
			defer sub.Close()

			st := base()
			tt.mutate(&st)
			s.ApplyStatus(st)

			events := drain(sub)
			require.Len(t, events, 2, "changed status must broadcast")
			assert.IsType(t, UpdateDeviceSettings{}, events[0])
		})
	}
}

func TestApplyStatusTransliterates(t *testing.T) {
	s := New(false, nil)
	s.ApplyStatus(wire.ServerStatus{
		Translations: []wire.TranslationLocale{{
			Locale: "pl",
			Translations: []wire.TranslationEntry{
				{Key: "scan_card", Translation: "Zażółć kartę"},
			},
		}},
		DefaultLocale: "pl",
	})

	frame := s.SettingsFrame(1)
	require.Len(t, frame.Locales, 1)
	assert.Equal(t, "Zazolc karte", frame.Locales[0].Translations[0].Translation)
}

func TestSettingsFrame(t *testing.T) {
	s := New(false, nil)
	s.ApplyStatus(wire.ServerStatus{
		Devices:       []wire.DeviceStatus{{EspID: 5}},
		DefaultLocale: "en",
		FkmToken:      99,
		SecureRfid:    true,
	})

	frame := s.SettingsFrame(5)
	assert.True(t, frame.Added)
	assert.Equal(t, "en", frame.DefaultLocale)
	assert.Equal(t, int32(99), frame.FkmToken)
	assert.True(t, frame.SecureRfid)

	frame = s.SettingsFrame(6)
	assert.False(t, frame.Added, "unknown device is not added")
}

func TestBusLossyDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Build{})
	}

	// The slow subscriber keeps only a buffer's worth; the publisher
	// never blocked.
	assert.Len(t, drain(sub), subscriberBuffer)
}

func TestBusTargetedPacket(t *testing.T) {
	s := New(false, nil)
	sub := s.Subscribe()
	defer sub.Close()

	s.SendPacket(7, packet.Packet{Data: packet.AttendanceMarked{}})

	events := drain(sub)
	require.Len(t, events, 1)
	resp, ok := events[0].(Resp)
	require.True(t, ok)
	assert.Equal(t, uint32(7), resp.EspID)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	sub.Close() // idempotent
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(Build{})
	assert.Empty(t, drain(sub))
}

func TestTransliterate(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Filip Sciurka", "Filip Sciurka"},
		{"Zażółć gęślą jaźń", "Zazolc gesla jazn"},
		{"Łukasz", "Lukasz"},
		{"Müller", "Muller"},
		{"Straße", "Strasse"},
		{"Ærø", "AEro"},
		{"日本語", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Transliterate(tt.in))
		})
	}
}
