package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Image descriptor layout. Build tooling embeds one descriptor block near
// the start of every image; the gateway locates it by magic within the
// first window of the payload.
const (
	descriptorMagic  = "\xebFWDESC1"
	descriptorWindow = 4096

	hardwareFieldLen = 16
	firmwareFieldLen = 16
	versionFieldLen  = 32

	descriptorLen = len(descriptorMagic) + hardwareFieldLen + firmwareFieldLen + versionFieldLen + 8
)

// ErrNoDescriptor indicates the payload carries no descriptor block.
var ErrNoDescriptor = errors.New("no firmware descriptor in image")

// Metadata is the descriptor embedded in a firmware image.
type Metadata struct {
	Hardware  string
	Firmware  string
	Version   string
	BuildTime uint64
}

// ParseMetadata extracts the embedded descriptor from an image payload.
func ParseMetadata(data []byte) (*Metadata, error) {
	window := data
	if len(window) > descriptorWindow+descriptorLen {
		window = window[:descriptorWindow+descriptorLen]
	}

	off := bytes.Index(window, []byte(descriptorMagic))
	if off < 0 {
		return nil, ErrNoDescriptor
	}
	if off+descriptorLen > len(data) {
		return nil, fmt.Errorf("firmware descriptor truncated at offset %d", off)
	}

	block := data[off+len(descriptorMagic):]
	m := &Metadata{
		Hardware: cutPadded(block[:hardwareFieldLen]),
		Firmware: cutPadded(block[hardwareFieldLen : hardwareFieldLen+firmwareFieldLen]),
		Version:  cutPadded(block[hardwareFieldLen+firmwareFieldLen : hardwareFieldLen+firmwareFieldLen+versionFieldLen]),
	}
	m.BuildTime = binary.BigEndian.Uint64(block[hardwareFieldLen+firmwareFieldLen+versionFieldLen:])

	if m.Hardware == "" || m.Firmware == "" || m.Version == "" {
		return nil, fmt.Errorf("firmware descriptor has empty fields")
	}
	return m, nil
}

// PrependDescriptor places a descriptor block in front of an image
// payload, keeping it inside the search window regardless of image size.
// Build tooling and tests use this to produce valid images.
func PrependDescriptor(data []byte, m Metadata) ([]byte, error) {
	if len(m.Hardware) > hardwareFieldLen || len(m.Firmware) > firmwareFieldLen || len(m.Version) > versionFieldLen {
		return nil, fmt.Errorf("descriptor field too long")
	}

	out := make([]byte, 0, len(data)+descriptorLen)
	out = append(out, descriptorMagic...)
	out = appendPadded(out, m.Hardware, hardwareFieldLen)
	out = appendPadded(out, m.Firmware, firmwareFieldLen)
	out = appendPadded(out, m.Version, versionFieldLen)
	out = binary.BigEndian.AppendUint64(out, m.BuildTime)
	out = append(out, data...)
	return out, nil
}

func cutPadded(field []byte) string {
	return string(bytes.TrimRight(field, "\x00"))
}

func appendPadded(out []byte, s string, n int) []byte {
	out = append(out, s...)
	for i := len(s); i < n; i++ {
		out = append(out, 0)
	}
	return out
}
