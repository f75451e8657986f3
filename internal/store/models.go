package store

import (
	"time"

	"crewchat/core/internal/refparse"
)

// Kind is the content type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindAudio, KindFile:
		return true
	}
	return false
}

// Metadata is stored as JSON alongside each message.
type Metadata struct {
	References []refparse.Reference `json:"references,omitempty"`
	FileURL    string               `json:"fileUrl,omitempty"`
	FileName   string               `json:"fileName,omitempty"`
	// ParentID is set on thread replies only.
	ParentID string `json:"parentId,omitempty"`
}

type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	Kind       Kind      `json:"kind"`
	Metadata   Metadata  `json:"metadata"`
	Edited     bool      `json:"edited"`
	Flagged    bool      `json:"flagged"`
	FlagReason string    `json:"flagReason,omitempty"`
	ReplyCount int       `json:"replyCount,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ParentID returns the thread parent of m, or "" for root messages.
func (m Message) ParentID() string {
	return m.Metadata.ParentID
}

// IsReply reports whether m belongs to a thread rather than the room log.
func (m Message) IsReply() bool {
	return m.Metadata.ParentID != ""
}

// MessageUpdate lists the mutable fields of a message. Nil fields are left
// unchanged.
type MessageUpdate struct {
	Body       *string
	Flagged    *bool
	FlagReason *string
}

type ReadState struct {
	RoomID     string
	UserID     string
	LastReadAt time.Time
}
