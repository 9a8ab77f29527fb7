package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol traffic in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
	}

	if event.EspID != 0 {
		attrs = append(attrs, slog.Uint64("esp_id", uint64(event.EspID)))
	}

	// Add type-specific attributes
	switch {
	case event.Packet != nil:
		attrs = append(attrs,
			slog.String("packet", event.Packet.Kind),
			slog.Int("size", event.Packet.Size),
		)
		if event.Packet.Tag != nil {
			attrs = append(attrs, slog.Uint64("tag", *event.Packet.Tag))
		}
	case event.Record != nil:
		attrs = append(attrs, slog.String("record", event.Record.Kind))
		if event.Record.Tag != nil {
			attrs = append(attrs, slog.Uint64("tag", uint64(*event.Record.Tag)))
		}
		if event.Record.Error {
			attrs = append(attrs, slog.Bool("error", true))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs, slog.String("error_msg", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	case event.OTA != nil:
		attrs = append(attrs,
			slog.String("version", event.OTA.Version),
			slog.Int64("size", event.OTA.Size),
			slog.Int("chunks", event.OTA.ChunksSent),
			slog.Bool("updated", event.OTA.Updated),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
