package firmware

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Registry enumerates firmware images in a directory and selects update
// candidates. The directory is rescanned on every selection; images appear
// and disappear underneath the process (release downloads, pushed builds).
type Registry struct {
	dir     string
	devMode bool
	logger  *slog.Logger
}

// NewRegistry creates a registry over dir. In dev mode only dev-channel
// versions are candidates; in production only stable ones. Running in
// exactly one mode keeps a fleet from flapping between a dev build and a
// stable release.
func NewRegistry(dir string, devMode bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{dir: dir, devMode: devMode, logger: logger}
}

// ShouldUpdate scans the directory for the highest-version image matching
// the device's hardware and firmware tags, on the active channel, that is
// strictly newer than the device's current version. Returns nil when no
// such image exists. Unreadable or malformed entries are skipped.
func (r *Registry) ShouldUpdate(hardware, firmwareKind string, current Version) (*Firmware, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	best := current
	bestPath := ""
	bestVersion := ""
	var bestData []byte
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		hw, fw, ver, err := ParseFileName(entry.Name())
		if err != nil {
			continue
		}
		if hw != hardware || fw != firmwareKind {
			continue
		}

		v := ParseVersion(ver)
		if !r.channelAllows(v) {
			continue
		}
		if !v.IsNewer(best) {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping unreadable firmware image", "path", path, "error", err)
			continue
		}

		best = v
		bestPath = path
		bestVersion = ver
		bestData = data
	}

	if bestPath == "" {
		return nil, nil
	}

	data := bestData

	buildTime := uint64(0)
	if meta, err := ParseMetadata(data); err == nil {
		buildTime = meta.BuildTime
	}

	r.logger.Info("selected firmware candidate",
		"hardware", hardware,
		"firmware", firmwareKind,
		"version", bestVersion,
		"size", len(data))

	return New(data, hardware, firmwareKind, best, buildTime), nil
}

func (r *Registry) channelAllows(v Version) bool {
	if r.devMode {
		return v.Kind == KindDev
	}
	return v.Kind == KindStable
}
