package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for session record hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session records. Refreshed on
	// activity; an expired record means the connection is long gone.
	SessionTTL = 1 * time.Hour
)

// Record is a session's durable state, visible to every server process.
type Record struct {
	ID         string `redis:"id"`
	User       string `redis:"user"`
	Room       string `redis:"room"`
	Server     string `redis:"server"` // which chatserver instance owns it
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store keeps session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session record store. serverName identifies this
// chatserver instance in the records it writes.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create writes a fresh record for a session joined to room.
func (s *Store) Create(ctx context.Context, sessionID, user, room string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          sessionID,
		"user":        user,
		"room":        room,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("roster: create session: %w", err)
	}
	return nil
}

// Get retrieves a session record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	var record Record
	err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&record)
	if err != nil {
		return nil, fmt.Errorf("roster: get session: %w", err)
	}
	if record.ID == "" {
		return nil, nil
	}
	return &record, nil
}

// Touch refreshes the record's last-active time and TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("roster: touch session: %w", err)
	}
	return nil
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, SessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("roster: delete session: %w", err)
	}
	return nil
}
