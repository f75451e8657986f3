package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"crewchat/core/internal/store"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "unread",
		Short: "Show how many messages in a room you have not read",
		Long:  "Count root messages from other senders posted since you last opened the room.",
		Args:  cobra.NoArgs,
		Run:   runUnread,
	})
}

type readStates interface {
	GetReadState(ctx context.Context, roomID, userID string) (store.ReadState, error)
	UnreadCount(ctx context.Context, roomID, userID string) (int, error)
}

type unreadSummary struct {
	RoomID     string     `json:"roomId"`
	Unread     int        `json:"unread"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

func unreadFor(ctx context.Context, states readStates, roomID, userID string) (unreadSummary, error) {
	state, err := states.GetReadState(ctx, roomID, userID)
	if err != nil {
		return unreadSummary{}, err
	}
	count, err := states.UnreadCount(ctx, roomID, userID)
	if err != nil {
		return unreadSummary{}, err
	}
	summary := unreadSummary{RoomID: roomID, Unread: count}
	if !state.LastReadAt.IsZero() {
		at := state.LastReadAt.UTC()
		summary.LastReadAt = &at
	}
	return summary, nil
}

func runUnread(cmd *cobra.Command, args []string) {
	roomID := requireRoom()
	s, err := openStack(cmd.Context())
	if err != nil {
		exitErr("connect", err)
	}
	defer s.Close()

	summary, err := unreadFor(cmd.Context(), s.store, roomID, localUser(s.cfg).ID)
	if err != nil {
		exitErr("unread", err)
	}
	printJSON(summary)
}
