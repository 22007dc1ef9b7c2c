// Package window implements per-session pagination over a room's message
// log. Each viewing session owns one Window holding an {earliest, latest}
// cursor; the three triggers (initial render, new-message notification,
// load-older request) each issue exactly the query needed to extend the
// loaded slice without gaps or duplicates.
package window

import (
	"context"
	"time"

	"github.com/parley/chat-app/internal/message"
)

// PageSize is the number of messages loaded per page.
const PageSize = 20

// Querier is the slice of the message store the window needs.
type Querier interface {
	QueryRange(ctx context.Context, room string, opts message.RangeOptions) ([]message.Message, error)
	Count(ctx context.Context, room string, after, before *time.Time) (int, error)
}

// Page is the result of one trigger: the delta of messages to merge into the
// session's view. Prepend indicates the messages go at the head of the view
// (load-older) rather than the tail.
type Page struct {
	Messages []message.Message
	Prepend  bool
	HasMore  bool // older history remains below the loaded span
}

// Window is one session's pagination cursor over a room. Created at session
// start, discarded at session end; not safe for concurrent use (each session
// handles its triggers serially).
type Window struct {
	store    Querier
	room     string
	pageSize int

	earliest *time.Time // sent time of the oldest loaded message
	latest   *time.Time // issue time of the most recent new-message query
	hasMore  bool       // history remains below earliest
}

// New creates an empty window for a session viewing room.
func New(store Querier, room string) *Window {
	return &Window{store: store, room: room, pageSize: PageSize}
}

// Initial loads the last page of the room's history. The cursor is set from
// the result: earliest = send time of the first returned message, latest =
// the time the query was issued. HasMore is true when the room holds more
// than a page.
func (w *Window) Initial(ctx context.Context) (Page, error) {
	now := time.Now().UTC()

	msgs, err := w.store.QueryRange(ctx, w.room, message.RangeOptions{
		Ascending:   true,
		LimitToLast: w.pageSize,
	})
	if err != nil {
		return Page{}, err
	}
	total, err := w.store.Count(ctx, w.room, nil, nil)
	if err != nil {
		return Page{}, err
	}

	if len(msgs) > 0 {
		first := msgs[0].SentAt
		w.earliest = &first
	}
	w.latest = &now
	w.hasMore = total > w.pageSize

	return Page{Messages: msgs, HasMore: w.hasMore}, nil
}

// OnNewMessage fetches everything sent since the last query and advances the
// cursor to the new query-issue time. Advancement never uses a timestamp
// observed inside the result set, so a message appended mid-query shows up
// in the next trigger instead of being skipped or duplicated. Called without
// a prior Initial it behaves as the initial render.
func (w *Window) OnNewMessage(ctx context.Context) (Page, error) {
	if w.latest == nil {
		return w.Initial(ctx)
	}

	now := time.Now().UTC()

	msgs, err := w.store.QueryRange(ctx, w.room, message.RangeOptions{
		After:     w.latest,
		Ascending: true,
	})
	if err != nil {
		return Page{}, err
	}

	if len(msgs) > 0 && w.earliest == nil {
		first := msgs[0].SentAt
		w.earliest = &first
	}
	w.latest = &now

	// A delta at the tail says nothing about older history; carry the
	// has-more state forward so the client keeps its affordance.
	return Page{Messages: msgs, HasMore: w.hasMore}, nil
}

// LoadOlder fetches the page immediately preceding the current earliest
// message and moves earliest back to the head of the new batch. An empty
// batch (already at the start of history) leaves the cursor unchanged.
func (w *Window) LoadOlder(ctx context.Context) (Page, error) {
	if w.earliest == nil {
		return Page{Prepend: true}, nil
	}

	msgs, err := w.store.QueryRange(ctx, w.room, message.RangeOptions{
		Before:      w.earliest,
		Ascending:   true,
		LimitToLast: w.pageSize,
	})
	if err != nil {
		return Page{}, err
	}
	if len(msgs) == 0 {
		w.hasMore = false
		return Page{Prepend: true}, nil
	}

	// Count before touching the cursor so a transient store failure leaves
	// the window exactly as it was.
	first := msgs[0].SentAt
	older, err := w.store.Count(ctx, w.room, nil, &first)
	if err != nil {
		return Page{}, err
	}
	w.earliest = &first
	w.hasMore = older > 0

	return Page{Messages: msgs, Prepend: true, HasMore: w.hasMore}, nil
}

// Earliest returns the cursor's earliest bound, or nil before any load.
func (w *Window) Earliest() *time.Time { return w.earliest }

// Latest returns the cursor's latest bound, or nil before any load.
func (w *Window) Latest() *time.Time { return w.latest }
