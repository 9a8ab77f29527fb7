package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fkm-protocol/connector-go/pkg/firmware"
	mclog "github.com/fkm-protocol/connector-go/pkg/log"
	"github.com/fkm-protocol/connector-go/pkg/ota"
	"github.com/fkm-protocol/connector-go/pkg/packet"
	"github.com/fkm-protocol/connector-go/pkg/state"
)

// DefaultHeartbeatInterval is the ping cadence; a session that misses one
// whole interval without any inbound frame is closed.
const DefaultHeartbeatInterval = 5 * time.Second

// Session is one device's WebSocket connection, from upgrade to close.
// All outbound frames are written by the session's own run loop, so they
// are strictly ordered.
type Session struct {
	conn     *websocket.Conn
	info     ConnectInfo
	connID   string
	appState *state.AppState
	backend  Backend
	registry *firmware.Registry
	streamer *ota.Streamer
	devlog   DeviceLogSink
	logger   *slog.Logger
	protocol mclog.Logger

	heartbeat time.Duration
	now       func() time.Time

	frames     chan ota.Frame
	done       chan struct{}
	hbReceived atomic.Bool
}

// SessionConfig carries the collaborators a session needs.
type SessionConfig struct {
	State    *state.AppState
	Backend  Backend
	Registry *firmware.Registry
	Streamer *ota.Streamer
	DevLog   DeviceLogSink
	Logger   *slog.Logger

	// Protocol receives protocol events; nil disables them.
	Protocol mclog.Logger

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// NewSession wraps an upgraded connection. Call Run to serve it.
func NewSession(conn *websocket.Conn, info ConnectInfo, cfg SessionConfig) *Session {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Streamer == nil {
		cfg.Streamer = ota.NewStreamer(ota.Config{}, cfg.Logger)
	}
	if cfg.Protocol == nil {
		cfg.Protocol = mclog.NoopLogger{}
	}

	s := &Session{
		conn:      conn,
		info:      info,
		connID:    uuid.NewString(),
		appState:  cfg.State,
		backend:   cfg.Backend,
		registry:  cfg.Registry,
		streamer:  cfg.Streamer,
		devlog:    cfg.DevLog,
		logger:    cfg.Logger.With("esp_id", info.EspID),
		protocol:  cfg.Protocol,
		heartbeat: cfg.HeartbeatInterval,
		now:       cfg.Now,
		frames:    make(chan ota.Frame, 16),
		done:      make(chan struct{}),
	}
	s.hbReceived.Store(true)
	return s
}

// Run serves the session until the device disconnects, the heartbeat
// fails, an OTA completes, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()
	defer close(s.done)

	s.logger.Info("device connected",
		"hardware", s.info.Hardware,
		"firmware", s.info.Firmware,
		"version", s.info.Version)
	s.logState("", "connected", "")
	defer func() {
		s.logState("connected", "closed", "")
		s.logger.Info("device disconnected")
	}()

	s.conn.SetPongHandler(func(string) error {
		s.hbReceived.Store(true)
		return nil
	})
	go s.readPump()

	// Subscribe before the settings frames go out: events published while
	// we admit the device are re-read from state when handled.
	sub := s.appState.Subscribe()
	defer sub.Close()

	if s.appState.ShouldUpdate() {
		updated, err := s.maybeUpdate()
		if err != nil || updated {
			return
		}
	}

	if err := s.sendInner(nil, packet.EpochTime{CurrentEpoch: uint64(s.now().Unix())}); err != nil {
		return
	}
	if err := s.sendSettings(); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if !s.hbReceived.Load() {
				s.logger.Error("closing connection due to missed heartbeat")
				s.logState("connected", "closed", "heartbeat miss")
				return
			}
			s.hbReceived.Store(false)
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case ev := <-sub.C:
			if done := s.handleBroadcast(ev); done {
				return
			}

		case f := <-s.frames:
			if f.Close {
				return
			}
			if f.Binary {
				// Stray OTA payload ack outside a transfer; drop it.
				continue
			}
			if err := s.handleFrame(ctx, f.Data); err != nil {
				s.logger.Error("frame handling failed", "error", err)
			}
		}
	}
}

// handleBroadcast reacts to one bus event; true means the session ends.
func (s *Session) handleBroadcast(ev state.BroadcastPacket) bool {
	switch b := ev.(type) {
	case state.Build:
		if !s.appState.ShouldUpdate() {
			return false
		}
		updated, err := s.maybeUpdate()
		return err != nil || updated

	case state.Resp:
		if b.EspID != s.info.EspID {
			return false
		}
		return s.send(&b.Packet) != nil

	case state.UpdateDeviceSettings:
		return s.sendSettings() != nil

	case state.ForceUpdate:
		if b.Hardware != s.info.Hardware || b.Firmware == nil || b.Firmware.Firmware != s.info.Firmware {
			return false
		}
		updated, err := s.streamer.Stream(s, b.Firmware)
		return err != nil || updated
	}

	return false
}

// maybeUpdate consults the registry and streams a candidate if one is
// strictly newer than the device's reported version.
func (s *Session) maybeUpdate() (bool, error) {
	fw, err := s.registry.ShouldUpdate(s.info.Hardware, s.info.Firmware, firmware.ParseVersion(s.info.Version))
	if err != nil {
		s.logger.Error("firmware registry scan failed", "error", err)
		return false, nil
	}
	if fw == nil {
		return false, nil
	}

	updated, err := s.streamer.Stream(s, fw)
	if err != nil {
		s.logger.Error("ota failed", "error", err)
		return false, err
	}
	s.logOTA(fw, updated)
	return updated, nil
}

// sendSettings re-emits the device's settings frame from current state.
func (s *Session) sendSettings() error {
	return s.sendInner(nil, s.appState.SettingsFrame(s.info.EspID))
}

// send writes one packet as a text frame.
func (s *Session) send(p *packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}

	s.logPacket(mclog.DirectionOut, p, len(data))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendInner wraps a payload with the given correlation tag and sends it.
func (s *Session) sendInner(tag *uint64, inner packet.Inner) error {
	return s.send(&packet.Packet{Tag: tag, Data: inner})
}

// readPump moves inbound frames onto the session's frame channel. Any
// frame counts as a heartbeat response. The pump exits on the first read
// error; a close frame is forwarded so the run loop (or an in-progress
// OTA) observes it.
func (s *Session) readPump() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.frames <- ota.Frame{Close: true}:
			case <-s.done:
			}
			return
		}

		s.hbReceived.Store(true)
		select {
		case s.frames <- ota.Frame{Binary: mt == websocket.BinaryMessage, Data: data}:
		case <-s.done:
			return
		}
	}
}

// WriteText implements ota.Conn.
func (s *Session) WriteText(data []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteBinary implements ota.Conn.
func (s *Session) WriteBinary(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// NextFrame implements ota.Conn. During an OTA the run loop is inside the
// streamer, so the frame channel is exclusively drained here.
func (s *Session) NextFrame(timeout time.Duration) (ota.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		return f, nil
	case <-timer.C:
		return ota.Frame{}, ota.ErrAckTimeout
	}
}

// handleFrame decodes one text frame and routes it through the
// control-plane translator.
func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	pkt, err := packet.Decode(data)
	if err != nil {
		return err
	}

	s.logPacket(mclog.DirectionIn, pkt, len(data))
	return s.handlePacket(ctx, pkt)
}

func (s *Session) logPacket(dir mclog.Direction, p *packet.Packet, size int) {
	s.protocol.Log(mclog.Event{
		Timestamp:    s.now(),
		ConnectionID: s.connID,
		Direction:    dir,
		Layer:        mclog.LayerSocket,
		EspID:        s.info.EspID,
		Packet:       &mclog.PacketEvent{Kind: packet.Kind(p.Data), Tag: p.Tag, Size: size},
	})
}

func (s *Session) logState(from, to, reason string) {
	s.protocol.Log(mclog.Event{
		Timestamp:    s.now(),
		ConnectionID: s.connID,
		Direction:    mclog.DirectionIn,
		Layer:        mclog.LayerSession,
		EspID:        s.info.EspID,
		StateChange:  &mclog.StateChangeEvent{OldState: from, NewState: to, Reason: reason},
	})
}

func (s *Session) logOTA(fw *firmware.Firmware, updated bool) {
	s.protocol.Log(mclog.Event{
		Timestamp:    s.now(),
		ConnectionID: s.connID,
		Direction:    mclog.DirectionOut,
		Layer:        mclog.LayerSession,
		EspID:        s.info.EspID,
		OTA: &mclog.OTAEvent{
			Version:    fw.Version.String(),
			Size:       int64(len(fw.Data)),
			ChunksSent: (len(fw.Data) + ota.ChunkSize - 1) / ota.ChunkSize,
			Updated:    updated,
		},
	})
}
