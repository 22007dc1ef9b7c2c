// Package roster tracks which connected session belongs to which room and
// drives the side effects of joining and leaving: fan-out subscription,
// room watching, presence markers, and the session's Redis record.
package roster

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrNotAuthenticated is returned by Join when no user identity is supplied.
// The transport layer redirects such sessions away from the room.
var ErrNotAuthenticated = errors.New("roster: no user identity")

// Subscriptions is the slice of the fan-out broker the roster uses.
type Subscriptions interface {
	Subscribe(sessionID, room string, deliver func(data []byte)) error
	Unsubscribe(sessionID string)
}

// Watcher ensures this process forwards a room's store feeds to the fan-out.
type Watcher interface {
	EnsureWatching(room string) error
}

// PresenceStore is the slice of the presence store the roster uses.
type PresenceStore interface {
	Upsert(ctx context.Context, room, user string) error
	Refresh(ctx context.Context, room, user string) error
	Remove(ctx context.Context, room, user string) error
}

// membership is one session's current room association.
type membership struct {
	room string
	user string
}

// Roster is the per-process session/room membership manager.
type Roster struct {
	broker   Subscriptions
	registry Watcher
	presence PresenceStore
	sessions *Store // optional; nil disables Redis session records

	mu      sync.Mutex
	members map[string]membership // session ID -> membership
}

// New creates a roster. sessions may be nil when no record store is wired
// (tests, single-process setups).
func New(broker Subscriptions, registry Watcher, presence PresenceStore, sessions *Store) *Roster {
	return &Roster{
		broker:   broker,
		registry: registry,
		presence: presence,
		sessions: sessions,
		members:  make(map[string]membership),
	}
}

// Join transitions the session to Joined(room): subscribes it to the room's
// fan-out, makes sure the room is watched, writes the presence marker and
// the session record. A session joined to another room leaves it first;
// re-joining the same room just refreshes state.
func (r *Roster) Join(ctx context.Context, sessionID, room, user string, deliver func(data []byte)) error {
	if user == "" {
		return ErrNotAuthenticated
	}

	r.mu.Lock()
	prev, wasJoined := r.members[sessionID]
	r.members[sessionID] = membership{room: room, user: user}
	r.mu.Unlock()

	if wasJoined && prev.room != room {
		r.broker.Unsubscribe(sessionID)
		if err := r.presence.Remove(ctx, prev.room, prev.user); err != nil {
			log.Printf("roster: leave %s/%s: %v", prev.room, prev.user, err)
		}
	}

	if err := r.broker.Subscribe(sessionID, room, deliver); err != nil {
		r.forget(sessionID)
		return err
	}
	if err := r.registry.EnsureWatching(room); err != nil {
		r.broker.Unsubscribe(sessionID)
		r.forget(sessionID)
		return err
	}
	if err := r.presence.Upsert(ctx, room, user); err != nil {
		r.broker.Unsubscribe(sessionID)
		r.forget(sessionID)
		return err
	}

	if r.sessions != nil {
		if err := r.sessions.Create(ctx, sessionID, user, room); err != nil {
			log.Printf("roster: session record %s: %v", sessionID, err)
		}
	}
	return nil
}

// Touch refreshes the liveness state behind the session's membership: the
// presence marker's timestamp and the Redis session record. A marker whose
// session stays alive must never age past the sweeper's horizon. Touching an
// unknown session is a no-op.
func (r *Roster) Touch(ctx context.Context, sessionID string) {
	r.mu.Lock()
	m, ok := r.members[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.presence.Refresh(ctx, m.room, m.user); err != nil {
		log.Printf("roster: refresh presence %s/%s: %v", m.room, m.user, err)
	}
	if r.sessions != nil {
		if err := r.sessions.Touch(ctx, sessionID); err != nil {
			log.Printf("roster: touch session record %s: %v", sessionID, err)
		}
	}
}

// Disconnect tears down the session's membership. The fan-out unsubscribe
// happens before the presence removal so a presenceChanged notification
// cannot race a read that still shows the user present. Disconnecting an
// unknown session is a no-op.
func (r *Roster) Disconnect(ctx context.Context, sessionID string) {
	r.mu.Lock()
	m, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.broker.Unsubscribe(sessionID)

	// Best effort: a failed removal leaves a stale marker that the sweeper
	// reaps, or that the user's next upsert overwrites.
	if err := r.presence.Remove(ctx, m.room, m.user); err != nil {
		log.Printf("roster: remove presence %s/%s: %v", m.room, m.user, err)
	}

	if r.sessions != nil {
		if err := r.sessions.Delete(ctx, sessionID); err != nil {
			log.Printf("roster: delete session record %s: %v", sessionID, err)
		}
	}
}

// Membership returns the session's current room and user, or ok=false when
// the session is not joined anywhere.
func (r *Roster) Membership(sessionID string) (room, user string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[sessionID]
	return m.room, m.user, ok
}

func (r *Roster) forget(sessionID string) {
	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()
}
