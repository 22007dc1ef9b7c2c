// Package fanout delivers room change notifications to every subscribed
// session across all server processes. Events travel over NATS on one
// subject per room; each process holds at most one NATS subscription per
// room and dispatches inbound events synchronously to its local sessions,
// preserving per-room publish order.
package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the NATS subject prefix for room event subjects.
const SubjectPrefix = "room.events."

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// conn is the slice of *nats.Conn the broker uses; tests substitute a fake.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// subscriber is one local session's interest in a room.
type subscriber struct {
	sessionID string
	room      string
	deliver   func(data []byte)
}

// Broker is the realtime fan-out for one server process.
type Broker struct {
	nc conn

	mu       sync.Mutex
	roomSubs map[string]*nats.Subscription  // room -> NATS subscription
	sessions map[string]*subscriber         // session ID -> its subscription
	byRoom   map[string]map[string]*subscriber // room -> session ID -> subscriber
}

// Connect dials NATS with the given config and returns a ready Broker.
func Connect(config Config) (*Broker, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("fanout: nats disconnected: %v", err)
			} else {
				log.Printf("fanout: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("fanout: nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("fanout: nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("fanout: nats connect: %w", err)
	}
	log.Printf("fanout: connected to %s", nc.ConnectedUrl())

	return NewBroker(nc), nil
}

// NewBroker wraps an established NATS connection.
func NewBroker(nc conn) *Broker {
	return &Broker{
		nc:       nc,
		roomSubs: make(map[string]*nats.Subscription),
		sessions: make(map[string]*subscriber),
		byRoom:   make(map[string]map[string]*subscriber),
	}
}

// Publish sends an event to every session subscribed to the room, on this
// process and every other. Fire and forget: no acknowledgement, and no
// ordering guarantee relative to other rooms.
func (b *Broker) Publish(room string, event Event) error {
	event.Room = room
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("fanout: marshal event: %w", err)
	}
	if err := b.nc.Publish(SubjectPrefix+room, data); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", room, err)
	}
	return nil
}

// Subscribe registers a session's interest in a room. A session is
// subscribed to at most one room; subscribing while already subscribed
// implicitly leaves the previous room. The deliver callback receives the raw
// event bytes and runs on the NATS dispatch goroutine for the room, so
// events within a room arrive in publish order.
func (b *Broker) Subscribe(sessionID, room string, deliver func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.sessions[sessionID]; ok {
		b.removeLocked(prev)
	}

	if _, ok := b.roomSubs[room]; !ok {
		sub, err := b.nc.Subscribe(SubjectPrefix+room, func(msg *nats.Msg) {
			b.dispatch(room, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("fanout: subscribe %s: %w", room, err)
		}
		// Kept for the broker's lifetime, even after the last local session
		// leaves the room. Avoids a teardown/resubscribe race on re-entry.
		b.roomSubs[room] = sub
	}

	s := &subscriber{sessionID: sessionID, room: room, deliver: deliver}
	b.sessions[sessionID] = s
	if b.byRoom[room] == nil {
		b.byRoom[room] = make(map[string]*subscriber)
	}
	b.byRoom[room][sessionID] = s
	return nil
}

// Unsubscribe drops the session's room interest. Unsubscribing an unknown
// session is a no-op.
func (b *Broker) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sessions[sessionID]; ok {
		b.removeLocked(s)
	}
}

// Room returns the room the session is subscribed to, or "".
func (b *Broker) Room(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sessions[sessionID]; ok {
		return s.room
	}
	return ""
}

// Close drains the room subscriptions and the NATS connection.
func (b *Broker) Close() {
	b.mu.Lock()
	for room, sub := range b.roomSubs {
		if err := sub.Drain(); err != nil {
			log.Printf("fanout: drain %s: %v", room, err)
		}
	}
	b.roomSubs = make(map[string]*nats.Subscription)
	b.sessions = make(map[string]*subscriber)
	b.byRoom = make(map[string]map[string]*subscriber)
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		log.Printf("fanout: connection drain: %v", err)
	}
}

// dispatch delivers raw event bytes to every local session in the room. It
// runs synchronously on the room's NATS goroutine so per-room order holds.
func (b *Broker) dispatch(room string, data []byte) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.byRoom[room]))
	for _, s := range b.byRoom[room] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(data)
	}
}

func (b *Broker) removeLocked(s *subscriber) {
	delete(b.sessions, s.sessionID)
	if room, ok := b.byRoom[s.room]; ok {
		delete(room, s.sessionID)
	}
}
