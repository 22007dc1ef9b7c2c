package message

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel is the Postgres notification channel fired by the insert
// trigger on the messages table. The payload is "<room>|<epoch micros>".
const NotifyChannel = "room_messages"

// Feed delivers new-message notifications per room, backed by a single
// Postgres LISTEN connection shared by all rooms. Delivery is at-least-once:
// callbacks receive an update time and must re-query, never assume a diff.
type Feed struct {
	listener *pq.Listener

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(time.Time) // room -> sub id -> callback
	done   chan struct{}
}

// Subscription is a handle to one room callback registration.
type Subscription struct {
	feed *Feed
	room string
	id   int
	once sync.Once
}

// Unsubscribe releases the handle. Safe to call once per handle; later calls
// are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		if subs, ok := s.feed.subs[s.room]; ok {
			delete(subs, s.id)
		}
		s.feed.mu.Unlock()
	})
}

// NewFeed opens a LISTEN connection to Postgres and starts dispatching
// notifications. minInterval/maxInterval tune the listener's reconnect
// backoff.
func NewFeed(databaseURL string, minInterval, maxInterval time.Duration) (*Feed, error) {
	f := &Feed{
		subs: make(map[string]map[int]func(time.Time)),
		done: make(chan struct{}),
	}

	f.listener = pq.NewListener(databaseURL, minInterval, maxInterval, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Printf("message: feed disconnected: %v", err)
		case pq.ListenerEventReconnected:
			log.Printf("message: feed reconnected")
			// Notifications may have been lost while disconnected. Nudge
			// every subscriber so they re-query and converge.
			f.notifyAll(time.Now())
		}
	})

	if err := f.listener.Listen(NotifyChannel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("message: listen %s: %w", NotifyChannel, err)
	}

	go f.dispatchLoop()
	return f, nil
}

// SubscribeLatest registers a callback invoked with the update time whenever
// a message is appended to the room. The callback runs on the feed's
// dispatch goroutine and must not block.
func (f *Feed) SubscribeLatest(room string, fn func(updateTime time.Time)) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[room] == nil {
		f.subs[room] = make(map[int]func(time.Time))
	}
	f.nextID++
	id := f.nextID
	f.subs[room][id] = fn

	return &Subscription{feed: f, room: room, id: id}, nil
}

// Close stops dispatching and closes the LISTEN connection.
func (f *Feed) Close() error {
	close(f.done)
	return f.listener.Close()
}

// dispatchLoop consumes pq notifications and fans them out to the room's
// subscribers. A nil notification signals a connection loss; the reconnect
// handler takes care of re-notifying.
func (f *Feed) dispatchLoop() {
	for {
		select {
		case <-f.done:
			return
		case n := <-f.listener.Notify:
			if n == nil {
				continue
			}
			room, at, err := parseNotifyPayload(n.Extra)
			if err != nil {
				log.Printf("message: feed payload %q: %v", n.Extra, err)
				continue
			}
			f.notifyRoom(room, at)
		}
	}
}

func (f *Feed) notifyRoom(room string, at time.Time) {
	f.mu.Lock()
	fns := make([]func(time.Time), 0, len(f.subs[room]))
	for _, fn := range f.subs[room] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(at)
	}
}

func (f *Feed) notifyAll(at time.Time) {
	f.mu.Lock()
	var fns []func(time.Time)
	for _, subs := range f.subs {
		for _, fn := range subs {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(at)
	}
}

// parseNotifyPayload splits the trigger payload "<room>|<epoch micros>".
// Room names may themselves contain '|', so the split is on the last one.
func parseNotifyPayload(payload string) (string, time.Time, error) {
	i := strings.LastIndex(payload, "|")
	if i < 0 {
		return "", time.Time{}, fmt.Errorf("missing separator")
	}
	room := payload[:i]
	if room == "" {
		return "", time.Time{}, fmt.Errorf("empty room")
	}
	micros, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bad timestamp: %w", err)
	}
	return room, time.UnixMicro(micros).UTC(), nil
}
