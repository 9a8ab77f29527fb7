package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fkm-protocol/connector-go/pkg/backend"
	"github.com/fkm-protocol/connector-go/pkg/packet"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// defaultPossibleGroups is the fallback group list used when the back-end
// omits a competitor's groups.
func defaultPossibleGroups() []wire.PossibleGroup {
	return []wire.PossibleGroup{
		{GroupID: "333-r1", UseInspection: true, SecondaryText: "3x3x3"},
		{GroupID: "222-r1", UseInspection: true, SecondaryText: "2x2x2"},
		{GroupID: "other", UseInspection: false, SecondaryText: "Other"},
	}
}

// handlePacket translates one inbound device packet into its control-plane
// exchange and reply, per the session's protocol table.
func (s *Session) handlePacket(ctx context.Context, pkt *packet.Packet) error {
	switch data := pkt.Data.(type) {
	case packet.CardInfoRequest:
		if data.AttendanceDevice != nil && *data.AttendanceDevice {
			return s.markAttendance(ctx, pkt.Tag, data)
		}
		return s.lookupCard(ctx, pkt.Tag, data)

	case packet.Solve:
		return s.enterAttempt(ctx, pkt.Tag, data)

	case packet.Logs:
		return s.storeLogs(data)

	case packet.Battery:
		// Only known devices report upstream; the back-end rejects the
		// rest anyway.
		if _, known := s.appState.Settings(s.info.EspID); !known {
			return nil
		}
		level := uint8(math.Round(data.Level))
		_, err := s.backend.SendTagged(ctx, wire.UpdateBatteryPercentage{
			EspID:             s.info.EspID,
			BatteryPercentage: level,
		})
		return err

	case packet.Add:
		if _, known := s.appState.Settings(s.info.EspID); known {
			return nil
		}
		_, err := s.backend.SendTagged(ctx, wire.RequestToConnectDevice{
			EspID: s.info.EspID,
			Type:  data.Firmware,
		})
		return err

	case packet.TestAck:
		_, err := s.backend.SendTagged(ctx, wire.TestAck{
			EspID:    s.info.EspID,
			Snapshot: data.Snapshot,
		})
		return err

	default:
		s.logger.Warn("unhandled packet", "kind", packet.Kind(pkt.Data))
		return nil
	}
}

func (s *Session) markAttendance(ctx context.Context, tag *uint64, req packet.CardInfoRequest) error {
	_, err := s.backend.SendTagged(ctx, wire.CreateAttendance{
		CardID: fmt.Sprintf("%d", req.CardID),
		EspID:  s.info.EspID,
	})
	if err != nil {
		return s.replyError(tag, err)
	}
	return s.sendInner(tag, packet.AttendanceMarked{})
}

func (s *Session) lookupCard(ctx context.Context, tag *uint64, req packet.CardInfoRequest) error {
	resp, err := s.backend.SendTagged(ctx, wire.PersonInfo{
		CardID: fmt.Sprintf("%d", req.CardID),
		EspID:  s.info.EspID,
	})
	if err != nil {
		return s.replyError(tag, err)
	}

	info, ok := resp.(wire.PersonInfoResp)
	if !ok {
		return s.sendInner(tag, packet.ApiError{Error: "Operation failed"})
	}

	registrant := int64(-1)
	if info.RegistrantID != nil {
		registrant = *info.RegistrantID
	}
	country := ""
	if info.CountryISO2 != nil {
		country = *info.CountryISO2
	}
	groups := info.PossibleGroups
	if len(groups) == 0 {
		groups = defaultPossibleGroups()
	}

	return s.sendInner(tag, packet.CardInfoResponse{
		CardID:         req.CardID,
		Display:        fmt.Sprintf("%s (%d)", info.Name, registrant),
		CountryISO2:    country,
		CanCompete:     info.CanCompete,
		PossibleGroups: groups,
	})
}

func (s *Session) enterAttempt(ctx context.Context, tag *uint64, solve packet.Solve) error {
	// Devices report milliseconds; the back-end takes centiseconds with
	// the original milliseconds preserved alongside.
	attempt := wire.EnterAttempt{
		Value:          solve.SolveTime / 10,
		ValueMs:        solve.SolveTime,
		Penalty:        solve.Penalty,
		SolvedAt:       time.Unix(int64(solve.Timestamp), 0).UTC().Format(time.RFC3339),
		EspID:          s.info.EspID,
		JudgeID:        fmt.Sprintf("%d", solve.JudgeID),
		CompetitorID:   fmt.Sprintf("%d", solve.CompetitorID),
		IsDelegate:     solve.Delegate,
		SessionID:      solve.SessionID,
		InspectionTime: solve.InspectionTime,
		GroupID:        solve.GroupID,
	}

	_, err := s.backend.SendTagged(ctx, attempt)

	if solve.Delegate {
		// No immediate reply: the back-end resolves the incident
		// asynchronously and the IncidentResolved event answers the
		// device as a DelegateResponse.
		if err != nil {
			s.logger.Error("delegate attempt submission failed", "error", err)
		}
		return nil
	}

	if err != nil {
		return s.replyError(tag, err)
	}
	return s.sendInner(tag, packet.SolveConfirm{
		SessionID:    solve.SessionID,
		CompetitorID: solve.CompetitorID,
	})
}

func (s *Session) storeLogs(logs packet.Logs) error {
	if s.devlog == nil {
		return nil
	}

	// Devices buffer newest-first; flatten back to chronological lines.
	lines := make([]string, 0, len(logs.Logs))
	for i := len(logs.Logs) - 1; i >= 0; i-- {
		lines = append(lines, strings.Split(logs.Logs[i].Msg, "\n")...)
	}
	return s.devlog.Append(s.info.EspID, lines)
}

// replyError maps a control-plane failure onto an ApiError packet. The
// back-end's own message travels to the device verbatim.
func (s *Session) replyError(tag *uint64, err error) error {
	apiErr := packet.ApiError{Error: "Operation failed"}

	var peerErr *backend.PeerError
	if errors.As(err, &peerErr) {
		apiErr.Error = peerErr.Message
		apiErr.ShouldResetTime = peerErr.ShouldResetTime
	}

	return s.sendInner(tag, apiErr)
}
