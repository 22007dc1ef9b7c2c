package window

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/message"
)

// fakeStore is an in-memory Querier with the same range semantics as the
// Postgres store: After inclusive, Before exclusive, ties broken by ID.
type fakeStore struct {
	msgs   []message.Message
	nextID int64
	fail   bool
}

func (f *fakeStore) append(room, text string) message.Message {
	f.nextID++
	m := message.Message{
		ID:     f.nextID,
		Room:   room,
		Author: "tester",
		Text:   text,
		SentAt: time.Now().UTC(),
	}
	f.msgs = append(f.msgs, m)
	return m
}

func (f *fakeStore) inRange(room string, after, before *time.Time) []message.Message {
	var out []message.Message
	for _, m := range f.msgs {
		if m.Room != room {
			continue
		}
		if after != nil && m.SentAt.Before(*after) {
			continue
		}
		if before != nil && !m.SentAt.Before(*before) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (f *fakeStore) QueryRange(_ context.Context, room string, opts message.RangeOptions) ([]message.Message, error) {
	if f.fail {
		return nil, errors.New("store down")
	}
	out := f.inRange(room, opts.After, opts.Before)

	if opts.LimitToLast > 0 && len(out) > opts.LimitToLast {
		out = out[len(out)-opts.LimitToLast:]
	}
	if !opts.Ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeStore) Count(_ context.Context, room string, after, before *time.Time) (int, error) {
	if f.fail {
		return 0, errors.New("store down")
	}
	return len(f.inRange(room, after, before)), nil
}

func TestInitialEmptyRoom(t *testing.T) {
	store := &fakeStore{}
	w := New(store, "lobby")

	page, err := w.Initial(context.Background())
	if err != nil {
		t.Fatalf("Initial() error: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(page.Messages))
	}
	if page.HasMore {
		t.Error("empty room should not offer load-more")
	}
	if w.Earliest() != nil {
		t.Error("earliest should stay unset for an empty room")
	}
	if w.Latest() == nil {
		t.Error("latest should be set after the initial render")
	}
}

// Scenario: a single message in the room yields exactly that message and no
// load-more affordance.
func TestInitialSingleMessage(t *testing.T) {
	store := &fakeStore{}
	store.append("lobby", "hi")
	w := New(store, "lobby")

	page, err := w.Initial(context.Background())
	if err != nil {
		t.Fatalf("Initial() error: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Text != "hi" {
		t.Fatalf("expected [hi], got %v", page.Messages)
	}
	if page.HasMore {
		t.Error("1 message <= page size, no load-more expected")
	}
}

// Scenario: 25 pre-existing messages. The initial render shows the last 20
// with a load-more affordance; one load-older yields the 5 earlier messages
// and the affordance disappears.
func TestInitialThenLoadOlder(t *testing.T) {
	store := &fakeStore{}
	for i := 1; i <= 25; i++ {
		store.append("r", fmt.Sprintf("msg-%d", i))
	}
	w := New(store, "r")
	ctx := context.Background()

	page, err := w.Initial(ctx)
	if err != nil {
		t.Fatalf("Initial() error: %v", err)
	}
	if len(page.Messages) != PageSize {
		t.Fatalf("expected %d messages, got %d", PageSize, len(page.Messages))
	}
	if page.Messages[0].Text != "msg-6" || page.Messages[19].Text != "msg-25" {
		t.Errorf("expected msg-6..msg-25, got %s..%s", page.Messages[0].Text, page.Messages[19].Text)
	}
	if !page.HasMore {
		t.Error("25 > page size, load-more expected")
	}

	older, err := w.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() error: %v", err)
	}
	if !older.Prepend {
		t.Error("load-older pages prepend")
	}
	if len(older.Messages) != 5 {
		t.Fatalf("expected 5 older messages, got %d", len(older.Messages))
	}
	if older.Messages[0].Text != "msg-1" || older.Messages[4].Text != "msg-5" {
		t.Errorf("expected msg-1..msg-5, got %s..%s", older.Messages[0].Text, older.Messages[4].Text)
	}
	if older.HasMore {
		t.Error("history exhausted, no further load-more expected")
	}
}

func TestLoadOlderAtStartOfHistory(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 3; i++ {
		store.append("r", "x")
	}
	w := New(store, "r")
	ctx := context.Background()

	if _, err := w.Initial(ctx); err != nil {
		t.Fatalf("Initial() error: %v", err)
	}
	before := *w.Earliest()

	page, err := w.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() error: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("expected empty batch, got %d messages", len(page.Messages))
	}
	if page.HasMore {
		t.Error("no affordance at start of history")
	}
	if !w.Earliest().Equal(before) {
		t.Error("empty batch must leave the cursor unchanged")
	}
}

func TestOnNewMessageFetchesOnlyDelta(t *testing.T) {
	store := &fakeStore{}
	store.append("r", "old-1")
	store.append("r", "old-2")
	w := New(store, "r")
	ctx := context.Background()

	first, err := w.Initial(ctx)
	if err != nil {
		t.Fatalf("Initial() error: %v", err)
	}

	time.Sleep(time.Millisecond)
	store.append("r", "new-1")
	store.append("r", "new-2")

	delta, err := w.OnNewMessage(ctx)
	if err != nil {
		t.Fatalf("OnNewMessage() error: %v", err)
	}
	if len(delta.Messages) != 2 {
		t.Fatalf("expected 2 new messages, got %d", len(delta.Messages))
	}
	if delta.Messages[0].Text != "new-1" || delta.Messages[1].Text != "new-2" {
		t.Errorf("unexpected delta: %v", delta.Messages)
	}

	seen := make(map[int64]bool)
	for _, m := range append(first.Messages, delta.Messages...) {
		if seen[m.ID] {
			t.Errorf("message %d delivered twice", m.ID)
		}
		seen[m.ID] = true
	}
}

// A delta page at the tail must not revoke the load-older affordance while
// older history is still unloaded, and must not restore it once history is
// exhausted.
func TestDeltaPageCarriesHasMore(t *testing.T) {
	store := &fakeStore{}
	for i := 1; i <= 25; i++ {
		store.append("r", fmt.Sprintf("msg-%d", i))
	}
	w := New(store, "r")
	ctx := context.Background()

	first, err := w.Initial(ctx)
	if err != nil {
		t.Fatalf("Initial() error: %v", err)
	}
	if !first.HasMore {
		t.Fatal("initial page should offer load-more")
	}

	time.Sleep(time.Millisecond)
	store.append("r", "live-1")
	delta, err := w.OnNewMessage(ctx)
	if err != nil {
		t.Fatalf("OnNewMessage() error: %v", err)
	}
	if len(delta.Messages) != 1 {
		t.Fatalf("expected 1 delta message, got %d", len(delta.Messages))
	}
	if !delta.HasMore {
		t.Error("delta page dropped the load-more affordance with 5 older messages unloaded")
	}

	older, err := w.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() error: %v", err)
	}
	if older.HasMore {
		t.Error("history exhausted, no affordance expected")
	}

	time.Sleep(time.Millisecond)
	store.append("r", "live-2")
	delta, err = w.OnNewMessage(ctx)
	if err != nil {
		t.Fatalf("OnNewMessage() error: %v", err)
	}
	if delta.HasMore {
		t.Error("delta page restored the affordance after history was exhausted")
	}
}

func TestOnNewMessageWithoutInitialActsAsInitial(t *testing.T) {
	store := &fakeStore{}
	store.append("r", "a")
	w := New(store, "r")

	page, err := w.OnNewMessage(context.Background())
	if err != nil {
		t.Fatalf("OnNewMessage() error: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected initial page, got %d messages", len(page.Messages))
	}
	if w.Latest() == nil {
		t.Error("cursor should be initialized")
	}
}

func TestStoreErrorLeavesCursorUnchanged(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 30; i++ {
		store.append("r", "x")
	}
	w := New(store, "r")
	ctx := context.Background()

	if _, err := w.Initial(ctx); err != nil {
		t.Fatalf("Initial() error: %v", err)
	}
	earliest, latest := *w.Earliest(), *w.Latest()

	store.fail = true
	if _, err := w.LoadOlder(ctx); err == nil {
		t.Fatal("expected error from failing store")
	}
	if _, err := w.OnNewMessage(ctx); err == nil {
		t.Fatal("expected error from failing store")
	}

	if !w.Earliest().Equal(earliest) || !w.Latest().Equal(latest) {
		t.Error("failed trigger must not move the cursor")
	}
}

// Interleaves appends with new-message and load-older triggers and checks
// the three invariants: ascending order, no duplicate IDs, and no gaps —
// the view is exactly the store's slice between the cursor bounds.
func TestInterleavedTriggersNoDupsNoGaps(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 50; i++ {
		store.append("r", fmt.Sprintf("pre-%d", i))
	}
	w := New(store, "r")
	ctx := context.Background()

	var view []message.Message
	merge := func(p Page) {
		if p.Prepend {
			view = append(append([]message.Message{}, p.Messages...), view...)
		} else {
			view = append(view, p.Messages...)
		}
	}

	page, err := w.Initial(ctx)
	if err != nil {
		t.Fatalf("Initial() error: %v", err)
	}
	merge(page)

	steps := []string{"append", "new", "older", "append", "append", "new", "older", "older", "new"}
	for i, step := range steps {
		switch step {
		case "append":
			time.Sleep(time.Millisecond)
			store.append("r", fmt.Sprintf("live-%d", i))
		case "new":
			p, err := w.OnNewMessage(ctx)
			if err != nil {
				t.Fatalf("step %d OnNewMessage: %v", i, err)
			}
			merge(p)
		case "older":
			p, err := w.LoadOlder(ctx)
			if err != nil {
				t.Fatalf("step %d LoadOlder: %v", i, err)
			}
			merge(p)
		}
	}

	// No duplicates.
	seen := make(map[int64]bool)
	for _, m := range view {
		if seen[m.ID] {
			t.Fatalf("message %d loaded twice", m.ID)
		}
		seen[m.ID] = true
	}

	// Ascending order.
	for i := 1; i < len(view); i++ {
		if view[i].SentAt.Before(view[i-1].SentAt) {
			t.Fatalf("view out of order at index %d", i)
		}
	}

	// No gaps: every stored message within [earliest, latest) is in view.
	expected := store.inRange("r", w.Earliest(), w.Latest())
	for _, m := range expected {
		if !seen[m.ID] {
			t.Errorf("message %d within cursor bounds but missing from view", m.ID)
		}
	}
}
