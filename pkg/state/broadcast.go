package state

import (
	"sync"

	"github.com/fkm-protocol/connector-go/pkg/firmware"
	"github.com/fkm-protocol/connector-go/pkg/packet"
)

// Broadcast buffer per subscriber. Delivery is lossy by design: a
// subscriber that falls this far behind misses events and re-syncs from
// state on the next one it does see.
const subscriberBuffer = 16

// BroadcastPacket is the union of events fanned out to device sessions.
type BroadcastPacket interface {
	broadcastPacket()
}

// Build signals that newer firmware may be available; idle sessions
// re-check the registry.
type Build struct{}

// Resp targets one packet at one device's session.
type Resp struct {
	EspID  uint32
	Packet packet.Packet
}

// UpdateDeviceSettings tells every session to re-send its settings frame.
type UpdateDeviceSettings struct{}

// ForceUpdate starts an OTA on every session matching the image's
// hardware and firmware tags, regardless of the update flag.
type ForceUpdate struct {
	Hardware string
	Firmware *firmware.Firmware
}

func (Build) broadcastPacket()                {}
func (Resp) broadcastPacket()                 {}
func (UpdateDeviceSettings) broadcastPacket() {}
func (ForceUpdate) broadcastPacket()          {}

// Bus is the process-wide broadcast channel. Every live subscriber
// receives every published event, except that slow subscribers drop
// events rather than block the publisher.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan BroadcastPacket
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan BroadcastPacket)}
}

// Subscribe registers a new subscriber. Callers must Close the
// subscription when done; an abandoned subscription only wastes its
// buffer, it never blocks publishers.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan BroadcastPacket, subscriberBuffer)
	b.subs[id] = ch

	return &Subscription{bus: b, id: id, C: ch}
}

// Publish delivers the event to every live subscriber without blocking.
func (b *Bus) Publish(pkt BroadcastPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- pkt:
		default:
			// Subscriber lagging; it re-syncs from state later.
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one subscriber's receive side of the bus.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once

	// C delivers broadcast events until Close.
	C <-chan BroadcastPacket
}

// Close drops the subscription. Events already buffered remain readable.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
	})
}
