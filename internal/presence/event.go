package presence

import (
	"errors"
	"fmt"
	"time"
)

type Op string

const (
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Event is a presence change as carried by the event channel.
type Event struct {
	Op       Op        `json:"op"`
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName,omitempty"`
	At       time.Time `json:"at"`
}

var ErrMalformedEvent = errors.New("malformed presence event")

func (e Event) Validate() error {
	if e.Op != OpInsert && e.Op != OpDelete {
		return fmt.Errorf("%w: unknown op %q", ErrMalformedEvent, e.Op)
	}
	if e.RoomID == "" || e.UserID == "" {
		return fmt.Errorf("%w: missing room or user id", ErrMalformedEvent)
	}
	return nil
}

// ChannelError reports a failed lease operation. It is logged, never returned
// to message flows.
type ChannelError struct {
	Op     string
	RoomID string
	UserID string
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("presence channel %s for %s in %s: %v", e.Op, e.UserID, e.RoomID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
