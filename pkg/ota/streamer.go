// Package ota streams firmware images to a connected device over its
// existing WebSocket. The transfer is announced with a StartUpdate packet,
// then sent as acknowledged binary chunks; the device validates the image
// CRC before swapping boot partitions, so an aborted transfer is safe.
package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fkm-protocol/connector-go/pkg/firmware"
	"github.com/fkm-protocol/connector-go/pkg/packet"
)

// Streaming constants.
const (
	// ChunkSize is the binary-frame payload size.
	ChunkSize = 4096

	// DefaultAckTimeout bounds the wait for each device acknowledgement.
	DefaultAckTimeout = 10 * time.Second

	// DefaultCommitDelay is the pause after the last chunk that lets the
	// device validate and commit before the socket drops.
	DefaultCommitDelay = 5 * time.Second
)

// ErrAckTimeout indicates the device stopped acknowledging. Fatal to the
// session: competition traffic is not resumed mid-update.
var ErrAckTimeout = errors.New("ota ack timeout")

// Frame is one inbound WebSocket frame as the streamer sees it.
type Frame struct {
	// Binary marks a binary frame; any other data frame is text.
	Binary bool

	// Close marks a close frame; it ends the attempt without error.
	Close bool

	Data []byte
}

// Conn is the slice of a device session the streamer drives.
type Conn interface {
	// WriteText sends one text frame.
	WriteText(data []byte) error

	// WriteBinary sends one binary frame.
	WriteBinary(data []byte) error

	// NextFrame returns the next inbound frame. It fails with
	// ErrAckTimeout when nothing arrives within the timeout.
	NextFrame(timeout time.Duration) (Frame, error)
}

// Config tunes a Streamer. The zero value uses the defaults above.
type Config struct {
	AckTimeout  time.Duration
	CommitDelay time.Duration

	// Sleep replaces time.Sleep in tests.
	Sleep func(time.Duration)
}

// Streamer performs OTA transfers inside active device sessions.
type Streamer struct {
	cfg    Config
	logger *slog.Logger
}

// NewStreamer creates a streamer.
func NewStreamer(cfg Config, logger *slog.Logger) *Streamer {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.CommitDelay == 0 {
		cfg.CommitDelay = DefaultCommitDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{cfg: cfg, logger: logger}
}

// Stream offers fw to the device and transfers it chunk by chunk.
//
// Returns (true, nil) when the full image was delivered: the device is
// expected to reboot and the caller tears the session down. Returns
// (false, nil) when the device bowed out with a close frame. Any other
// failure is fatal to the session and returned as an error.
func (s *Streamer) Stream(conn Conn, fw *firmware.Firmware) (bool, error) {
	start := packet.Packet{Data: packet.StartUpdate{
		Version:   fw.Version.String(),
		BuildTime: fw.BuildTime,
		Size:      int64(len(fw.Data)),
		Crc:       fw.Crc,
		Firmware:  fw.Firmware,
	}}
	data, err := packet.Encode(&start)
	if err != nil {
		return false, fmt.Errorf("encode StartUpdate: %w", err)
	}
	if err := conn.WriteText(data); err != nil {
		return false, err
	}

	// The device answers the offer with exactly one frame; a close frame
	// declines it.
	frame, err := conn.NextFrame(s.cfg.AckTimeout)
	if err != nil {
		return false, err
	}
	if frame.Close {
		return false, nil
	}

	s.logger.Info("ota transfer starting",
		"version", fw.Version.String(),
		"firmware", fw.Firmware,
		"size", len(fw.Data),
		"crc", fw.Crc)

	total := (len(fw.Data) + ChunkSize - 1) / ChunkSize
	for i := 0; i < total; i++ {
		end := (i + 1) * ChunkSize
		if end > len(fw.Data) {
			end = len(fw.Data)
		}

		if err := conn.WriteBinary(fw.Data[i*ChunkSize : end]); err != nil {
			return false, err
		}

		if i == total-1 {
			break
		}

		frame, err := conn.NextFrame(s.cfg.AckTimeout)
		if err != nil {
			return false, err
		}
		if frame.Close {
			s.logger.Warn("ota aborted by device", "chunks_sent", i+1, "chunks_total", total)
			return false, nil
		}
	}

	// Let the device validate the CRC and commit; it reboots on success
	// and the session dies with the socket.
	s.cfg.Sleep(s.cfg.CommitDelay)

	s.logger.Info("ota transfer complete", "version", fw.Version.String(), "chunks", total)
	return true, nil
}
