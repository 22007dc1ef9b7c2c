// Package message provides the PostgreSQL-backed message log for Parley
// rooms. Messages are append-only, ordered by send time, and queryable by
// timestamp range. A LISTEN/NOTIFY feed (see feed.go) notifies watchers when
// a room receives new messages.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyText is returned by Append when the message text is empty.
// Callers treat it as a validation failure, not a store failure.
var ErrEmptyText = errors.New("message: text is empty")

// Message is one immutable entry in a room's log. The ID is assigned by
// Postgres and is monotonic within a room; SentAt is store-assigned.
type Message struct {
	ID     int64     `json:"id"`
	Room   string    `json:"room"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// RangeOptions selects a slice of a room's log.
//
// After/Before bound sent_at (After is inclusive, Before exclusive, matching
// the pagination cursor semantics). Limit caps the result from the front of
// the requested order; LimitToLast returns the last n rows of the ascending
// result, i.e. the n messages immediately preceding Before. At most one of
// Limit/LimitToLast may be set.
type RangeOptions struct {
	After       *time.Time
	Before      *time.Time
	Ascending   bool
	Limit       int
	LimitToLast int
}

// Store manages the message log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append validates and inserts a message. The send time is assigned by the
// database so that ordering is consistent across server processes. The
// insert fires a trigger that notifies the room's change feed.
func (s *Store) Append(ctx context.Context, room, author, text string) (*Message, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	const query = `
		INSERT INTO messages (room, author, text, sent_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, sent_at`

	m := &Message{Room: room, Author: author, Text: text}
	err := s.db.QueryRowContext(ctx, query, room, author, text).Scan(&m.ID, &m.SentAt)
	if err != nil {
		return nil, fmt.Errorf("message: append: %w", err)
	}
	return m, nil
}

// QueryRange returns messages in the requested range and order. Ties on
// sent_at are broken by id so the order is total.
func (s *Store) QueryRange(ctx context.Context, room string, opts RangeOptions) ([]Message, error) {
	query, args := buildRangeQuery(room, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message: query range: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Room, &m.Author, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: query range: %w", err)
	}

	// LimitToLast fetches DESC LIMIT n; flip back to the requested order.
	if opts.LimitToLast > 0 && opts.Ascending {
		reverse(messages)
	}
	return messages, nil
}

// Count returns the number of messages in the room within the given bounds.
// Either bound may be nil.
func (s *Store) Count(ctx context.Context, room string, after, before *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE room = $1`
	args := []interface{}{room}

	if after != nil {
		args = append(args, *after)
		query += fmt.Sprintf(" AND sent_at >= $%d", len(args))
	}
	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND sent_at < $%d", len(args))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("message: count: %w", err)
	}
	return count, nil
}

// buildRangeQuery assembles the SQL and arguments for QueryRange. Split out
// so the SQL shape can be tested without a database.
func buildRangeQuery(room string, opts RangeOptions) (string, []interface{}) {
	query := `SELECT id, room, author, text, sent_at FROM messages WHERE room = $1`
	args := []interface{}{room}

	if opts.After != nil {
		args = append(args, *opts.After)
		query += fmt.Sprintf(" AND sent_at >= $%d", len(args))
	}
	if opts.Before != nil {
		args = append(args, *opts.Before)
		query += fmt.Sprintf(" AND sent_at < $%d", len(args))
	}

	switch {
	case opts.LimitToLast > 0:
		// The last n rows of the ascending order are the first n of the
		// descending order; QueryRange reverses them afterwards.
		args = append(args, opts.LimitToLast)
		query += fmt.Sprintf(" ORDER BY sent_at DESC, id DESC LIMIT $%d", len(args))
	case opts.Ascending:
		query += " ORDER BY sent_at ASC, id ASC"
		if opts.Limit > 0 {
			args = append(args, opts.Limit)
			query += fmt.Sprintf(" LIMIT $%d", len(args))
		}
	default:
		query += " ORDER BY sent_at DESC, id DESC"
		if opts.Limit > 0 {
			args = append(args, opts.Limit)
			query += fmt.Sprintf(" LIMIT $%d", len(args))
		}
	}

	return query, args
}

func reverse(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
