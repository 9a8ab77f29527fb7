package firmware

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// Firmware is a loaded firmware image ready to stream to a device.
type Firmware struct {
	Data      []byte
	Version   Version
	BuildTime uint64
	Firmware  string
	Hardware  string
	Crc       uint32
}

// New builds a Firmware from a payload and its identity, computing the
// payload CRC the device validates the transfer against.
func New(data []byte, hardware, firmwareKind string, version Version, buildTime uint64) *Firmware {
	return &Firmware{
		Data:      data,
		Version:   version,
		BuildTime: buildTime,
		Firmware:  firmwareKind,
		Hardware:  hardware,
		Crc:       crc32.ChecksumIEEE(data),
	}
}

// FromImage builds a Firmware from a raw image payload using its embedded
// descriptor. Used for images pushed over the control plane, where no
// trusted file name exists.
func FromImage(data []byte) (*Firmware, error) {
	meta, err := ParseMetadata(data)
	if err != nil {
		return nil, err
	}
	return New(data, meta.Hardware, meta.Firmware, ParseVersion(meta.Version), meta.BuildTime), nil
}

// ParseFileName splits a firmware file name of the form
// <hardware>_<firmware>_<version>.bin.
func ParseFileName(name string) (hardware, firmwareKind, version string, err error) {
	base, ok := strings.CutSuffix(name, ".bin")
	if !ok {
		return "", "", "", fmt.Errorf("not a firmware file name: %q", name)
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed firmware file name: %q", name)
	}
	return parts[0], parts[1], parts[2], nil
}
