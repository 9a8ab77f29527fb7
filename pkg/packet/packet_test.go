package packet

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fkm-protocol/connector-go/pkg/wire"
)

func u64p(v uint64) *uint64 { return &v }
func i64p(v int64) *int64   { return &v }
func tagp(v uint64) *uint64 { return &v }

func TestPacketRoundTrip(t *testing.T) {
	attendance := true

	tests := []struct {
		name string
		pkt  Packet
	}{
		{
			name: "start update",
			pkt: Packet{Data: StartUpdate{
				Version:   "v2.1.0",
				BuildTime: 1717000000,
				Size:      523456,
				Crc:       0xCAFEBABE,
				Firmware:  "station",
			}},
		},
		{
			name: "solve",
			pkt: Packet{Tag: tagp(12), Data: Solve{
				SolveTime:      12340,
				Penalty:        0,
				CompetitorID:   3004425529,
				JudgeID:        2159410429,
				Timestamp:      1754040000,
				SessionID:      "0f8b2e6e-4f14-4f5c-8cb0-9d1e1c8d9f30",
				Delegate:       true,
				InspectionTime: 11250,
				GroupID:        "333-r1",
			}},
		},
		{
			name: "card info request",
			pkt:  Packet{Tag: tagp(1), Data: CardInfoRequest{CardID: 3004425529, SignKey: 0}},
		},
		{
			name: "attendance card info request",
			pkt:  Packet{Data: CardInfoRequest{CardID: 5, AttendanceDevice: &attendance}},
		},
		{
			name: "card info response",
			pkt: Packet{Tag: tagp(1), Data: CardInfoResponse{
				CardID:      3004425529,
				Display:     "Filip Sciurka (42)",
				CountryISO2: "PL",
				CanCompete:  true,
				PossibleGroups: []wire.PossibleGroup{
					{GroupID: "333-r1", UseInspection: true, SecondaryText: "3x3x3"},
				},
			}},
		},
		{
			name: "attendance marked",
			pkt:  Packet{Data: AttendanceMarked{}},
		},
		{
			name: "delegate response",
			pkt:  Packet{Data: DelegateResponse{ShouldScanCards: true, SolveTime: u64p(490), Penalty: i64p(2)}},
		},
		{
			name: "device settings",
			pkt: Packet{Data: DeviceSettings{
				Added: true,
				Locales: []wire.TranslationLocale{
					{Locale: "pl", Translations: []wire.TranslationEntry{{Key: "scan_card", Translation: "Zeskanuj karte"}}},
				},
				DefaultLocale: "pl",
				FkmToken:      77,
				SecureRfid:    true,
			}},
		},
		{
			name: "epoch time",
			pkt:  Packet{Data: EpochTime{CurrentEpoch: 1754040000}},
		},
		{
			name: "logs",
			pkt: Packet{Data: Logs{Logs: []LogLine{
				{Millis: 1000, Msg: "boot ok"},
				{Millis: 980, Msg: "wifi connected"},
			}}},
		},
		{
			name: "battery",
			pkt:  Packet{Data: Battery{Level: 86.5, Voltage: 3.91}},
		},
		{
			name: "add",
			pkt:  Packet{Data: Add{Firmware: "station"}},
		},
		{
			name: "test packet stackmat time",
			pkt:  Packet{Data: TestPacket{Data: wire.StackmatTime(5012)}},
		},
		{
			name: "test ack",
			pkt: Packet{Tag: tagp(4), Data: TestAck{Snapshot: wire.Snapshot{
				Scene:         2,
				SolveTime:     u64p(5012),
				TimeConfirmed: true,
			}}},
		},
		{
			name: "custom message",
			pkt:  Packet{Data: CustomMessage{Line1: "HIL Error T:0", Line2: "S:1"}},
		},
		{
			name: "api error",
			pkt:  Packet{Tag: tagp(9), Data: ApiError{Error: "Competitor not found", ShouldResetTime: true}},
		},
		{
			name: "solve confirm",
			pkt:  Packet{Tag: tagp(12), Data: SolveConfirm{SessionID: "s", CompetitorID: 3004425529}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(&tt.pkt)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(&tt.pkt, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPacketEnvelopeShape(t *testing.T) {
	pkt := Packet{Tag: tagp(7), Data: EpochTime{CurrentEpoch: 100}}
	data, err := Encode(&pkt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var shell map[string]json.RawMessage
	if err := json.Unmarshal(data, &shell); err != nil {
		t.Fatalf("not an object: %v", err)
	}
	if string(shell["tag"]) != "7" {
		t.Errorf("tag = %s, want 7", shell["tag"])
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(shell["data"], &inner); err != nil {
		t.Fatalf("data not an object: %v", err)
	}
	if string(inner["type"]) != `"EpochTime"` {
		t.Errorf("type = %s, want EpochTime", inner["type"])
	}
	if string(inner["current_epoch"]) != "100" {
		t.Errorf("current_epoch = %s", inner["current_epoch"])
	}
}

func TestPacketUntaggedOmitsTag(t *testing.T) {
	data, err := Encode(&Packet{Data: AttendanceMarked{}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != `{"data":{"type":"AttendanceMarked"}}` {
		t.Errorf("encoded = %s", data)
	}
}

func TestPacketDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"data":{"type":"Bogus"}}`)); err == nil {
		t.Error("expected error for unknown packet type")
	}
}

func TestPacketLargeCardIDPrecision(t *testing.T) {
	// Card ids exceed float64's 53-bit integer range; the codec must not
	// round them.
	pkt := Packet{Data: CardInfoRequest{CardID: 9007199254740993}}
	data, err := Encode(&pkt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Data.(CardInfoRequest).CardID != 9007199254740993 {
		t.Errorf("card id = %d, want 9007199254740993", got.Data.(CardInfoRequest).CardID)
	}
}
