package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"crewchat/core/internal/chat"
)

func init() {
	edit := &cobra.Command{
		Use:   "edit [id] [body]",
		Short: "Replace the body of a message",
		Args:  cobra.MinimumNArgs(2),
		Run:   runEdit,
	}
	edit.Flags().String("parent", "", "The message is a reply in this thread")

	flag := &cobra.Command{
		Use:   "flag [id] [reason]",
		Short: "Flag a message for review",
		Args:  cobra.MinimumNArgs(1),
		Run:   runFlag,
	}
	flag.Flags().String("parent", "", "The message is a reply in this thread")

	RootCmd.AddCommand(edit)
	RootCmd.AddCommand(flag)
}

func runEdit(cmd *cobra.Command, args []string) {
	roomID := requireRoom()
	parentID, _ := cmd.Flags().GetString("parent")
	body := strings.Join(args[1:], " ")

	openForMessage(cmd.Context(), roomID, parentID, func(session *chat.Session) {
		updated, err := session.EditMessage(cmd.Context(), args[0], body)
		if err != nil {
			exitErr("edit", err)
		}
		printJSON(updated.Message)
	})
}

func runFlag(cmd *cobra.Command, args []string) {
	roomID := requireRoom()
	parentID, _ := cmd.Flags().GetString("parent")
	reason := strings.Join(args[1:], " ")

	openForMessage(cmd.Context(), roomID, parentID, func(session *chat.Session) {
		if err := session.FlagMessage(cmd.Context(), args[0], reason); err != nil {
			exitErr("flag", err)
		}
		fmt.Printf("flagged %s\n", args[0])
	})
}

// openForMessage opens the room holding a message, and its thread for
// replies, then runs fn. Closing the session waits for the background flag
// write.
func openForMessage(ctx context.Context, roomID, parentID string, fn func(*chat.Session)) {
	s, err := openStack(ctx)
	if err != nil {
		exitErr("connect", err)
	}
	defer s.Close()

	session := s.newSession()
	defer session.Close(context.Background())
	if err := session.OpenRoom(ctx, roomID); err != nil {
		exitErr("open room", err)
	}
	if parentID != "" {
		if err := session.OpenThread(ctx, parentID); err != nil {
			exitErr("open thread", err)
		}
	}
	fn(session)
}
