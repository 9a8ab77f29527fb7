package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkm-protocol/connector-go/pkg/backend"
	"github.com/fkm-protocol/connector-go/pkg/firmware"
	"github.com/fkm-protocol/connector-go/pkg/ota"
	"github.com/fkm-protocol/connector-go/pkg/packet"
	"github.com/fkm-protocol/connector-go/pkg/state"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// fakeBackend answers tagged calls from a script and records everything.
type fakeBackend struct {
	mu      sync.Mutex
	tagged  []wire.RequestData
	respond func(wire.RequestData) (wire.ResponseData, error)
}

func (b *fakeBackend) SendTagged(_ context.Context, data wire.RequestData) (wire.ResponseData, error) {
	b.mu.Lock()
	b.tagged = append(b.tagged, data)
	respond := b.respond
	b.mu.Unlock()

	if respond != nil {
		return respond(data)
	}
	return wire.Empty{}, nil
}

func (b *fakeBackend) SendAsync(wire.RequestData) error { return nil }

func (b *fakeBackend) taggedCalls() []wire.RequestData {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]wire.RequestData, len(b.tagged))
	copy(out, b.tagged)
	return out
}

// gateway is one fully wired server under test.
type gateway struct {
	state   *state.AppState
	backend *fakeBackend
	fwDir   string
	ts      *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()

	gw := &gateway{
		state:   state.New(false, nil),
		backend: &fakeBackend{},
		fwDir:   t.TempDir(),
	}

	srv := NewServer(SessionConfig{
		State:             gw.state,
		Backend:           gw.backend,
		Registry:          firmware.NewRegistry(gw.fwDir, false, nil),
		HeartbeatInterval: 100 * time.Millisecond,
		Streamer: ota.NewStreamer(ota.Config{
			AckTimeout:  time.Second,
			CommitDelay: time.Millisecond,
		}, nil),
	})

	gw.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(gw.ts.Close)
	return gw
}

func (gw *gateway) dial(t *testing.T, query string) (*websocket.Conn, *http.Response) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(gw.ts.URL, "http") + "/?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func readPacket(t *testing.T, conn *websocket.Conn) *packet.Packet {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)

	pkt, err := packet.Decode(data)
	require.NoError(t, err)
	return pkt
}

func sendPacket(t *testing.T, conn *websocket.Conn, pkt *packet.Packet) {
	t.Helper()

	data, err := packet.Encode(pkt)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// admit reads past the admission frames (EpochTime, DeviceSettings).
func admit(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	pkt := readPacket(t, conn)
	_, ok := pkt.Data.(packet.EpochTime)
	require.True(t, ok, "first admission frame should be EpochTime, got %T", pkt.Data)

	pkt = readPacket(t, conn)
	_, ok = pkt.Data.(packet.DeviceSettings)
	require.True(t, ok, "second admission frame should be DeviceSettings, got %T", pkt.Data)
}

func statusWithDevice(espID uint32, signKey *uint32) wire.ServerStatus {
	return wire.ServerStatus{
		Devices:       []wire.DeviceStatus{{EspID: espID, SignKey: signKey}},
		DefaultLocale: "en",
		FkmToken:      1000,
	}
}

func TestAdmissionFrames(t *testing.T) {
	gw := newGateway(t)
	gw.state.ApplyStatus(statusWithDevice(42, nil))

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0&hw=esp32&firmware=station&random=1")

	before := time.Now().Unix() - 1
	pkt := readPacket(t, conn)
	epoch, ok := pkt.Data.(packet.EpochTime)
	require.True(t, ok)
	assert.GreaterOrEqual(t, int64(epoch.CurrentEpoch), before)

	pkt = readPacket(t, conn)
	settings, ok := pkt.Data.(packet.DeviceSettings)
	require.True(t, ok)
	assert.True(t, settings.Added)
	assert.Equal(t, "en", settings.DefaultLocale)
	assert.Equal(t, int32(1000), settings.FkmToken)
}

func TestAdmissionSignsNonce(t *testing.T) {
	gw := newGateway(t)
	key := uint32(0xBEEF)
	gw.state.ApplyStatus(statusWithDevice(42, &key))

	_, resp := gw.dial(t, "id=42&ver=v2.0.0&hw=esp32&firmware=station&random=987654")

	want := SignNonce(key, 987654, 1000)
	assert.Equal(t, want, resp.Header.Get(RandomSignedHeader))
}

func TestAdmissionNoKeyNoHeader(t *testing.T) {
	gw := newGateway(t)
	gw.state.ApplyStatus(statusWithDevice(42, nil))

	_, resp := gw.dial(t, "id=42&ver=v2.0.0&random=987654")
	assert.Empty(t, resp.Header.Get(RandomSignedHeader))
}

func TestCardLookupWithDefaultGroups(t *testing.T) {
	gw := newGateway(t)
	registrant := int64(42)
	country := "PL"
	gw.backend.respond = func(req wire.RequestData) (wire.ResponseData, error) {
		info, ok := req.(wire.PersonInfo)
		if !ok {
			return wire.Empty{}, nil
		}
		assert.Equal(t, "3004425529", info.CardID)
		return wire.PersonInfoResp{
			ID:           info.CardID,
			RegistrantID: &registrant,
			Name:         "Filip Sciurka",
			CountryISO2:  &country,
			Gender:       "Male",
			CanCompete:   true,
		}, nil
	}

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	tag := uint64(9)
	sendPacket(t, conn, &packet.Packet{Tag: &tag, Data: packet.CardInfoRequest{CardID: 3004425529}})

	pkt := readPacket(t, conn)
	require.NotNil(t, pkt.Tag)
	assert.Equal(t, uint64(9), *pkt.Tag)

	card, ok := pkt.Data.(packet.CardInfoResponse)
	require.True(t, ok, "got %T", pkt.Data)
	assert.Equal(t, "Filip Sciurka (42)", card.Display)
	assert.Equal(t, "PL", card.CountryISO2)
	assert.True(t, card.CanCompete)

	require.Len(t, card.PossibleGroups, 3, "missing groups fall back to the default three")
	assert.Equal(t, "333-r1", card.PossibleGroups[0].GroupID)
	assert.Equal(t, "222-r1", card.PossibleGroups[1].GroupID)
	assert.Equal(t, "other", card.PossibleGroups[2].GroupID)
}

func TestCardLookupPeerError(t *testing.T) {
	gw := newGateway(t)
	gw.backend.respond = func(wire.RequestData) (wire.ResponseData, error) {
		return nil, &backend.PeerError{Message: "Competitor not found", ShouldResetTime: true}
	}

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	sendPacket(t, conn, &packet.Packet{Data: packet.CardInfoRequest{CardID: 1}})

	pkt := readPacket(t, conn)
	apiErr, ok := pkt.Data.(packet.ApiError)
	require.True(t, ok, "got %T", pkt.Data)
	assert.Equal(t, "Competitor not found", apiErr.Error)
	assert.True(t, apiErr.ShouldResetTime)
}

func TestAttendanceDevice(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	attendance := true
	sendPacket(t, conn, &packet.Packet{Data: packet.CardInfoRequest{CardID: 555, AttendanceDevice: &attendance}})

	pkt := readPacket(t, conn)
	_, ok := pkt.Data.(packet.AttendanceMarked)
	require.True(t, ok, "got %T", pkt.Data)

	calls := gw.backend.taggedCalls()
	require.Len(t, calls, 1)
	att, ok := calls[0].(wire.CreateAttendance)
	require.True(t, ok)
	assert.Equal(t, "555", att.CardID)
	assert.Equal(t, uint32(42), att.EspID)
}

func TestSolveConfirm(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	tag := uint64(3)
	sendPacket(t, conn, &packet.Packet{Tag: &tag, Data: packet.Solve{
		SolveTime:    12340,
		Penalty:      0,
		CompetitorID: 3004425529,
		JudgeID:      77,
		Timestamp:    1754040000,
		SessionID:    "sess-1",
	}})

	pkt := readPacket(t, conn)
	confirm, ok := pkt.Data.(packet.SolveConfirm)
	require.True(t, ok, "got %T", pkt.Data)
	assert.Equal(t, "sess-1", confirm.SessionID)
	assert.Equal(t, uint64(3004425529), confirm.CompetitorID)

	calls := gw.backend.taggedCalls()
	require.Len(t, calls, 1)
	attempt, ok := calls[0].(wire.EnterAttempt)
	require.True(t, ok)
	assert.Equal(t, uint64(1234), attempt.Value, "milliseconds become centiseconds")
	assert.Equal(t, uint64(12340), attempt.ValueMs)
	assert.Equal(t, "2025-08-01T09:20:00Z", attempt.SolvedAt)
	assert.False(t, attempt.IsDelegate)
	assert.Equal(t, "3004425529", attempt.CompetitorID)
}

func TestSolveDelegateFlow(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	sendPacket(t, conn, &packet.Packet{Data: packet.Solve{
		SolveTime: 12340,
		Delegate:  true,
		Timestamp: 1754040000,
		SessionID: "sess-2",
	}})

	// The attempt reaches the back-end with the delegate flag.
	require.Eventually(t, func() bool {
		return len(gw.backend.taggedCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	attempt := gw.backend.taggedCalls()[0].(wire.EnterAttempt)
	assert.True(t, attempt.IsDelegate)

	// No immediate reply; the asynchronous IncidentResolved answers it.
	handler := NewEventHandler(gw.state, nil)
	penalty := int64(2)
	value := uint64(49)
	handler.HandleEvent(wire.IncidentResolved{
		EspID:           42,
		ShouldScanCards: true,
		Attempt:         wire.IncidentAttempt{Penalty: &penalty, Value: &value},
	})

	pkt := readPacket(t, conn)
	delegate, ok := pkt.Data.(packet.DelegateResponse)
	require.True(t, ok, "got %T instead of DelegateResponse", pkt.Data)
	assert.True(t, delegate.ShouldScanCards)
	require.NotNil(t, delegate.SolveTime)
	assert.Equal(t, uint64(490), *delegate.SolveTime, "centiseconds back to milliseconds")
	require.NotNil(t, delegate.Penalty)
	assert.Equal(t, int64(2), *delegate.Penalty)
}

func TestBatteryForwardedOnlyForKnownDevices(t *testing.T) {
	gw := newGateway(t)
	gw.state.ApplyStatus(statusWithDevice(42, nil))

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)
	sendPacket(t, conn, &packet.Packet{Data: packet.Battery{Level: 86.5, Voltage: 3.9}})

	require.Eventually(t, func() bool {
		return len(gw.backend.taggedCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	battery := gw.backend.taggedCalls()[0].(wire.UpdateBatteryPercentage)
	assert.Equal(t, uint8(87), battery.BatteryPercentage)

	// An unknown device's battery stays local.
	conn2, _ := gw.dial(t, "id=999&ver=v2.0.0")
	admit(t, conn2)
	sendPacket(t, conn2, &packet.Packet{Data: packet.Battery{Level: 50}})

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, gw.backend.taggedCalls(), 1)
}

func TestAddForwardedOnlyForUnknownDevices(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=7&ver=v2.0.0&firmware=station")
	admit(t, conn)
	sendPacket(t, conn, &packet.Packet{Data: packet.Add{Firmware: "station"}})

	require.Eventually(t, func() bool {
		return len(gw.backend.taggedCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	add := gw.backend.taggedCalls()[0].(wire.RequestToConnectDevice)
	assert.Equal(t, uint32(7), add.EspID)
	assert.Equal(t, "station", add.Type)
}

func TestTargetedBroadcast(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	// A packet for another device never arrives here.
	gw.state.SendPacket(43, packet.Packet{Data: packet.CustomMessage{Line1: "not", Line2: "yours"}})
	gw.state.SendPacket(42, packet.Packet{Data: packet.CustomMessage{Line1: "hello", Line2: "42"}})

	pkt := readPacket(t, conn)
	msg, ok := pkt.Data.(packet.CustomMessage)
	require.True(t, ok, "got %T", pkt.Data)
	assert.Equal(t, "hello", msg.Line1)
}

func TestSettingsReEmittedOnStatusChange(t *testing.T) {
	gw := newGateway(t)
	gw.state.ApplyStatus(statusWithDevice(42, nil))

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	status := statusWithDevice(42, nil)
	status.FkmToken = 2222
	gw.state.ApplyStatus(status)

	pkt := readPacket(t, conn)
	settings, ok := pkt.Data.(packet.DeviceSettings)
	require.True(t, ok, "got %T", pkt.Data)
	assert.Equal(t, int32(2222), settings.FkmToken)
}

func TestHeartbeatFailureClosesSession(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0")
	admit(t, conn)

	// Stop reading: pings go unanswered, so the session must close after
	// a missed heartbeat interval.
	time.Sleep(400 * time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // closed as expected
		}
	}
}

func TestForceUpdateStreamsFirmware(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0&hw=esp32&firmware=station")
	admit(t, conn)

	image := make([]byte, ota.ChunkSize+100)
	for i := range image {
		image[i] = byte(i)
	}
	fw := firmware.New(image, "esp32", "station", firmware.ParseVersion("D1717000000"), 1717000000)
	gw.state.ForceUpdate("esp32", fw)

	// StartUpdate offer.
	pkt := readPacket(t, conn)
	start, ok := pkt.Data.(packet.StartUpdate)
	require.True(t, ok, "got %T", pkt.Data)
	assert.Equal(t, int64(len(image)), start.Size)
	assert.Equal(t, fw.Crc, start.Crc)

	// Accept, then ack each chunk.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))

	var chunks [][]byte
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break // session closed after the transfer
		}
		require.Equal(t, websocket.BinaryMessage, mt)
		chunks = append(chunks, data)
		if len(chunks) < 2 {
			require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
		}
	}

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], ota.ChunkSize)
	assert.Len(t, chunks[1], 100)
}

func TestAdmissionOTAHappyPath(t *testing.T) {
	gw := newGateway(t)

	image := make([]byte, 100)
	require.NoError(t, os.WriteFile(filepath.Join(gw.fwDir, "esp32_station_v2.1.0.bin"), image, 0o644))

	status := statusWithDevice(42, nil)
	status.ShouldUpdate = true
	gw.state.ApplyStatus(status)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0&hw=esp32&firmware=station")

	// The very first frame is the update offer, not EpochTime.
	pkt := readPacket(t, conn)
	start, ok := pkt.Data.(packet.StartUpdate)
	require.True(t, ok, "got %T", pkt.Data)
	assert.Equal(t, "v2.1.0", start.Version)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Len(t, data, 100)

	// Single chunk: the session drains and closes without further frames.
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestForceUpdateIgnoresMismatchedHardware(t *testing.T) {
	gw := newGateway(t)

	conn, _ := gw.dial(t, "id=42&ver=v2.0.0&hw=esp32&firmware=station")
	admit(t, conn)

	fw := firmware.New([]byte("image"), "esp8266", "station", firmware.ParseVersion("v9.9.9"), 0)
	gw.state.ForceUpdate("esp8266", fw)
	gw.state.SendPacket(42, packet.Packet{Data: packet.CustomMessage{Line1: "still", Line2: "alive"}})

	pkt := readPacket(t, conn)
	msg, ok := pkt.Data.(packet.CustomMessage)
	require.True(t, ok, "session must skip the mismatched update, got %T", pkt.Data)
	assert.Equal(t, "still", msg.Line1)
}
