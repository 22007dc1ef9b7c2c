package fanout

import "time"

// Event types carried on room subjects. The union has exactly two variants;
// receivers treat either as a hint to re-query their window, never as the
// authoritative payload.
const (
	EventNewMessage      = "newMessage"
	EventPresenceChanged = "presenceChanged"
)

// Event is the notification published to room.events.<room> subjects.
// UpdateTime is the store-observed change time. User and Action are set only
// for presenceChanged events.
type Event struct {
	Type       string    `json:"type"`
	Room       string    `json:"room"`
	UpdateTime time.Time `json:"update_time"`
	User       string    `json:"user,omitempty"`
	Action     string    `json:"action,omitempty"` // "joined" or "left"
}
