// Package wire defines the control-plane protocol spoken over the Unix
// socket between the connector and the competition back-end.
//
// Records are JSON objects of the shape {tag?, error?, type, data} framed
// by package transport. Request and response payloads are tagged unions:
// the "type" field selects the variant, the "data" field carries its
// payload. Both directions are modeled as Go interfaces with one struct
// per variant, encoded and decoded by exhaustive switches so a forgotten
// variant fails at compile time or decode time, never silently.
package wire
