// Package discovery advertises the connector's WebSocket endpoint over
// mDNS so freshly provisioned devices can find the gateway without
// configuration.
package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Service identity constants.
const (
	// ServiceType is the advertised mDNS service type.
	ServiceType = "_fkm-connector._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// InstanceName identifies this connector instance.
	InstanceName = "fkm-connector"

	// DefaultTTL is the DNS record TTL.
	DefaultTTL = 120 * time.Second
)

// Config configures the advertiser.
type Config struct {
	// Port is the WebSocket listen port. Required.
	Port int

	// Secure selects the wss:// URL scheme in the TXT record.
	Secure bool

	// TTL is the DNS record TTL (default: DefaultTTL).
	TTL time.Duration
}

// Advertiser announces the connector endpoint until Shutdown.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the service on all interfaces. The TXT record
// carries the WebSocket URL template devices dial, with the interface
// address left for the device to substitute.
func Advertise(cfg Config) (*Advertiser, error) {
	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}
	txt := []string{fmt.Sprintf("ws=%s://{IF_IP}:%d", scheme, cfg.Port)}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	server, err := zeroconf.Register(
		InstanceName,
		ServiceType,
		Domain,
		cfg.Port,
		txt,
		nil,
		zeroconf.TTL(uint32(ttl.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register connector service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement. Safe to call multiple times.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
