// Package registry guarantees at most one store-level message feed and one
// presence feed subscription per room in this server process, shared by
// every session interested in the room. Store listeners are not free;
// without the registry each joining session would add another one.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/fanout"
	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
)

// Handle is a feed subscription that can be released.
type Handle interface {
	Unsubscribe()
}

// MessageSource provides per-room new-message notifications.
type MessageSource interface {
	SubscribeLatest(room string, fn func(updateTime time.Time)) (Handle, error)
}

// PresenceSource provides per-room join/leave notifications.
type PresenceSource interface {
	SubscribeChanges(room string, fn func(presence.Event)) (Handle, error)
}

// Publisher pushes change notifications into the realtime fan-out.
type Publisher interface {
	Publish(room string, event fanout.Event) error
}

// watch holds the two store-level subscriptions for one room.
type watch struct {
	messages Handle
	presence Handle
}

// Registry tracks which rooms this process is watching. Construct one at
// process start and inject it wherever EnsureWatching is needed.
type Registry struct {
	messages MessageSource
	presence PresenceSource
	broker   Publisher

	mu      sync.Mutex
	watches map[string]watch
}

// New creates an empty registry over the given feed sources and fan-out.
func New(messages MessageSource, presenceSrc PresenceSource, broker Publisher) *Registry {
	return &Registry{
		messages: messages,
		presence: presenceSrc,
		broker:   broker,
		watches:  make(map[string]watch),
	}
}

// EnsureWatching makes sure this process forwards the room's store change
// feeds into the fan-out. Idempotent and cheap once the watch exists, so it
// is safe to call on every incoming request for the room. On failure the
// partial watch is torn down and the error returned; the next interested
// request retries.
func (r *Registry) EnsureWatching(room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watches[room]; ok {
		return nil
	}

	msgSub, err := r.messages.SubscribeLatest(room, func(updateTime time.Time) {
		err := r.broker.Publish(room, fanout.Event{
			Type:       fanout.EventNewMessage,
			UpdateTime: updateTime,
		})
		if err != nil {
			log.Printf("registry: forward newMessage room=%s: %v", room, err)
		}
	})
	if err != nil {
		return fmt.Errorf("registry: watch messages %s: %w", room, err)
	}

	presSub, err := r.presence.SubscribeChanges(room, func(ev presence.Event) {
		err := r.broker.Publish(room, fanout.Event{
			Type:       fanout.EventPresenceChanged,
			UpdateTime: ev.At,
			User:       ev.User,
			Action:     ev.Action,
		})
		if err != nil {
			log.Printf("registry: forward presenceChanged room=%s: %v", room, err)
		}
	})
	if err != nil {
		msgSub.Unsubscribe()
		return fmt.Errorf("registry: watch presence %s: %w", room, err)
	}

	// Watches are deliberately never torn down on zero interest: a process
	// that has shown interest in a room keeps listening for its lifetime.
	// This trades a bounded per-process leak for eliminating the race
	// between the last session leaving and a new one joining.
	r.watches[room] = watch{messages: msgSub, presence: presSub}
	metrics.WatchedRooms.Set(float64(len(r.watches)))
	log.Printf("registry: watching room=%s (total=%d)", room, len(r.watches))
	return nil
}

// Watching reports whether the room currently has a watch in this process.
func (r *Registry) Watching(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watches[room]
	return ok
}

// Close releases all watches. Called only at process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room, w := range r.watches {
		w.messages.Unsubscribe()
		w.presence.Unsubscribe()
		delete(r.watches, room)
	}
}

// FeedSource adapts *message.Feed to the MessageSource interface.
type FeedSource struct {
	Feed *message.Feed
}

func (s FeedSource) SubscribeLatest(room string, fn func(updateTime time.Time)) (Handle, error) {
	sub, err := s.Feed.SubscribeLatest(room, fn)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// PresenceStoreSource adapts *presence.Store to the PresenceSource interface.
type PresenceStoreSource struct {
	Store *presence.Store

	// Ctx is the long-lived context for the store subscriptions, typically
	// the process context from main.
	Ctx context.Context
}

func (s PresenceStoreSource) SubscribeChanges(room string, fn func(presence.Event)) (Handle, error) {
	ctx := s.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := s.Store.SubscribeChanges(ctx, room, fn)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
