package chat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBody        = errors.New("message body is empty")
	ErrRoomNotOpen      = errors.New("room is not open")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrMissingFile      = errors.New("file url is required")
	ErrMalformedMessage = errors.New("malformed message event")
)

// LoadError reports a failed fetch of a room or thread. Local state is left
// as it was.
type LoadError struct {
	RoomID   string
	ParentID string
	Err      error
}

func (e *LoadError) Error() string {
	if e.ParentID != "" {
		return fmt.Sprintf("load thread %s: %v", e.ParentID, e.Err)
	}
	return fmt.Sprintf("load room %s: %v", e.RoomID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SendError reports a failed durable append. The optimistic message is kept
// and marked unsent.
type SendError struct {
	RoomID    string
	PendingID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message to %s: %v", e.RoomID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// EditError reports a failed durable edit. The previous body is kept.
type EditError struct {
	MessageID string
	Err       error
}

func (e *EditError) Error() string {
	return fmt.Sprintf("edit message %s: %v", e.MessageID, e.Err)
}

func (e *EditError) Unwrap() error { return e.Err }
