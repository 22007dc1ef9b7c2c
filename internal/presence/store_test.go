package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a Redis client for testing. Tests are skipped when
// no local Redis is available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // test database
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

func cleanupRoom(t *testing.T, client *redis.Client, room string) {
	t.Helper()
	t.Cleanup(func() {
		client.Del(context.Background(), KeyPrefix+room)
	})
}

func TestUpsertAndList(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	room := "test-upsert-" + t.Name()
	cleanupRoom(t, client, room)

	if err := store.Upsert(ctx, room, "alice"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, room, "bob"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Same user again refreshes the marker, never duplicates it.
	if err := store.Upsert(ctx, room, "alice"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	users, err := store.List(ctx, room)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %v", users)
	}

	n, err := store.Count(ctx, room)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestRemove(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	room := "test-remove"
	cleanupRoom(t, client, room)

	if err := store.Upsert(ctx, room, "alice"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Remove(ctx, room, "alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	n, err := store.Count(ctx, room)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("Count = %d after remove, want 0", n)
	}

	// Removing an absent marker is a no-op.
	if err := store.Remove(ctx, room, "alice"); err != nil {
		t.Fatalf("Remove absent: %v", err)
	}
	if err := store.Remove(ctx, room, "never-joined"); err != nil {
		t.Fatalf("Remove unknown: %v", err)
	}
}

func TestSubscribeChanges(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	room := "test-events"
	cleanupRoom(t, client, room)

	events := make(chan Event, 10)
	sub, err := store.SubscribeChanges(ctx, room, func(ev Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}
	defer sub.Unsubscribe()

	if err := store.Upsert(ctx, room, "alice"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Remove(ctx, room, "alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	want := []struct{ user, action string }{
		{"alice", ActionJoined},
		{"alice", ActionLeft},
	}
	for _, w := range want {
		select {
		case ev := <-events:
			if ev.User != w.user || ev.Action != w.action || ev.Room != room {
				t.Errorf("got event %+v, want %s %s", ev, w.user, w.action)
			}
			if ev.At.IsZero() {
				t.Error("event missing timestamp")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s %s event", w.user, w.action)
		}
	}

	// Releasing the handle twice is safe.
	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestRemoveAbsentPublishesNothing(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	room := "test-no-event"
	cleanupRoom(t, client, room)

	events := make(chan Event, 1)
	sub, err := store.SubscribeChanges(ctx, room, func(ev Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}
	defer sub.Unsubscribe()

	if err := store.Remove(ctx, room, "ghost"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected event for absent marker: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSweep(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	room := "test-sweep"
	cleanupRoom(t, client, room)

	// A fresh marker and a stale one written directly with an old timestamp.
	if err := store.Upsert(ctx, room, "fresh"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	stale := time.Now().Add(-time.Hour).UnixMicro()
	if err := client.HSet(ctx, KeyPrefix+room, "stale", stale).Err(); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	removed, err := store.Sweep(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed < 1 {
		t.Errorf("Sweep removed %d markers, want at least 1", removed)
	}

	users, err := store.List(ctx, room)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 1 || users[0] != "fresh" {
		t.Errorf("expected only the fresh marker to survive, got %v", users)
	}
}

// A session connected longer than the sweeper's max age keeps its marker as
// long as it is refreshed; only markers nobody re-stamps get reaped.
func TestRefreshedMarkerSurvivesSweep(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	room := "test-refresh-sweep"
	cleanupRoom(t, client, room)

	if err := store.Upsert(ctx, room, "alice"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Age the marker past the horizon, as if it had sat untouched since join.
	old := time.Now().Add(-time.Hour).UnixMicro()
	if err := client.HSet(ctx, KeyPrefix+room, "alice", old).Err(); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	if err := store.Refresh(ctx, room, "alice"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, err := store.Sweep(ctx, 10*time.Minute); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	users, err := store.List(ctx, room)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("refreshed marker was reaped, got %v", users)
	}
}

func TestRefreshPublishesNothing(t *testing.T) {
	client := setupTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	room := "test-refresh-quiet"
	cleanupRoom(t, client, room)

	if err := store.Upsert(ctx, room, "alice"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	events := make(chan Event, 1)
	sub, err := store.SubscribeChanges(ctx, room, func(ev Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}
	defer sub.Unsubscribe()

	if err := store.Refresh(ctx, room, "alice"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	select {
	case ev := <-events:
		t.Errorf("refresh published an event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
