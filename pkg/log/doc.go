// Package log provides protocol-level event logging for the connector.
//
// Application logging uses log/slog directly; this package captures the
// structured protocol traffic itself — WebSocket packets, Unix records,
// session state changes — as compact CBOR events that offline tooling can
// replay. It also carries the per-device plain-text log sink fed by the
// devices' own Logs packets.
package log
