// Package presence tracks which users are currently connected to each room.
// Markers live in a Redis hash per room (field = user, value = connect time)
// so there is at most one live marker per (room, user); joins and leaves are
// published on a per-room pub/sub channel that serves as the change feed.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for per-room presence hashes.
	KeyPrefix = "presence:"

	// ChannelPrefix is the pub/sub channel prefix for per-room change events.
	ChannelPrefix = "presence.events."

	ActionJoined = "joined"
	ActionLeft   = "left"
)

// Event describes one observed presence change in a room.
type Event struct {
	Room   string    `json:"room"`
	User   string    `json:"user"`
	Action string    `json:"action"` // "joined" or "left"
	At     time.Time `json:"at"`
}

// Store manages presence markers in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Upsert sets or refreshes the user's marker in the room and publishes a
// joined event. Upserting an existing marker overwrites its connect time.
func (s *Store) Upsert(ctx context.Context, room, user string) error {
	now := time.Now().UTC()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, KeyPrefix+room, user, now.UnixMicro())
	pipe.Publish(ctx, ChannelPrefix+room, mustMarshal(Event{
		Room: room, User: user, Action: ActionJoined, At: now,
	}))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: upsert: %w", err)
	}
	return nil
}

// Refresh re-stamps the user's marker without publishing an event, keeping a
// live session ahead of the sweeper's staleness horizon. Refreshing a marker
// the sweeper already reaped silently restores it.
func (s *Store) Refresh(ctx context.Context, room, user string) error {
	err := s.client.HSet(ctx, KeyPrefix+room, user, time.Now().UTC().UnixMicro()).Err()
	if err != nil {
		return fmt.Errorf("presence: refresh: %w", err)
	}
	return nil
}

// Remove deletes the user's marker from the room. Removing an absent marker
// is a no-op and publishes nothing.
func (s *Store) Remove(ctx context.Context, room, user string) error {
	removed, err := s.client.HDel(ctx, KeyPrefix+room, user).Result()
	if err != nil {
		return fmt.Errorf("presence: remove: %w", err)
	}
	if removed == 0 {
		return nil
	}

	err = s.client.Publish(ctx, ChannelPrefix+room, mustMarshal(Event{
		Room: room, User: user, Action: ActionLeft, At: time.Now().UTC(),
	})).Err()
	if err != nil {
		return fmt.Errorf("presence: publish left: %w", err)
	}
	return nil
}

// List returns the users currently marked present in the room.
func (s *Store) List(ctx context.Context, room string) ([]string, error) {
	users, err := s.client.HKeys(ctx, KeyPrefix+room).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list: %w", err)
	}
	return users, nil
}

// Count returns the number of users currently present in the room.
func (s *Store) Count(ctx context.Context, room string) (int, error) {
	n, err := s.client.HLen(ctx, KeyPrefix+room).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: count: %w", err)
	}
	return int(n), nil
}

// Subscription is a handle to one room's change-feed subscription.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe stops delivery and closes the pub/sub connection. Safe to call
// once per handle; later calls are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

// SubscribeChanges invokes fn for each join/leave observed in the room after
// the subscription is established. Each published change arrives as its own
// event, so bursts of concurrent joins and leaves are reported per user
// rather than coalesced.
func (s *Store) SubscribeChanges(ctx context.Context, room string, fn func(Event)) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, ChannelPrefix+room)

	// Fail fast if the subscription could not be established.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("presence: subscribe %s: %w", room, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("presence: bad event payload on %s: %v", msg.Channel, err)
					continue
				}
				fn(ev)
			}
		}
	}()

	return sub, nil
}

// Sweep removes markers older than maxAge across all rooms, publishing left
// events for each removal. It backs the sweeper worker that reaps markers
// left behind by disconnects whose best-effort removal failed.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMicro()
	removed := 0

	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		room := key[len(KeyPrefix):]

		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			log.Printf("presence: sweep read %s: %v", key, err)
			continue
		}
		for user, raw := range fields {
			at, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || at >= cutoff {
				continue
			}
			if err := s.Remove(ctx, room, user); err != nil {
				log.Printf("presence: sweep remove %s/%s: %v", room, user, err)
				continue
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("presence: sweep scan: %w", err)
	}
	return removed, nil
}

func mustMarshal(ev Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		// Event has no unmarshalable fields; this cannot happen.
		panic(err)
	}
	return data
}
