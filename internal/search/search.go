package search

import (
	"time"

	"crewchat/core/internal/refparse"
	"crewchat/core/internal/store"
)

// Result is a single message hit returned to the caller.
type Result struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	ParentID   string    `json:"parentId,omitempty"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text           string
	RoomID         string // empty = all rooms
	SenderID       string
	IncludeFlagged bool
	Limit          int
	Offset         int
}

// Response is the envelope returned by Service.Search.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Indexer accepts persisted messages for indexing.
type Indexer interface {
	IndexMessage(msg store.Message)
}

// MessageRecord is the data we index for a message. Body holds the plain
// text with reference markup replaced by display text.
type MessageRecord struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	ParentID   string `json:"parentId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
	Kind       string `json:"kind"`
	FileName   string `json:"fileName"`
	Flagged    bool   `json:"flagged"`
	CreatedAt  int64  `json:"createdAt"`
}

// RecordFromMessage builds the index record for msg.
func RecordFromMessage(msg store.Message) MessageRecord {
	return MessageRecord{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		ParentID:   msg.ParentID(),
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Body:       refparse.Plain(msg.Body),
		Kind:       string(msg.Kind),
		FileName:   msg.Metadata.FileName,
		Flagged:    msg.Flagged,
		CreatedAt:  msg.CreatedAt.UnixMilli(),
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
