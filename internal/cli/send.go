package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"crewchat/core/internal/attachment"
	"crewchat/core/internal/chat"
	"crewchat/core/internal/store"
)

const confirmTimeout = 5 * time.Second

func init() {
	send := &cobra.Command{
		Use:   "send [body]",
		Short: "Send a text message",
		Long:  "Send a text message. References use @[Display](kind:id) markup.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSend,
	}
	send.Flags().String("parent", "", "Reply in the thread of this message")

	sendFile := &cobra.Command{
		Use:   "send-file [path]",
		Short: "Upload a file or audio clip and send it",
		Args:  cobra.ExactArgs(1),
		Run:   runSendFile,
	}
	sendFile.Flags().String("parent", "", "Reply in the thread of this message")

	RootCmd.AddCommand(send)
	RootCmd.AddCommand(sendFile)
}

func runSend(cmd *cobra.Command, args []string) {
	roomID := requireRoom()
	parentID, _ := cmd.Flags().GetString("parent")
	body := strings.Join(args, " ")

	withSession(cmd.Context(), roomID, parentID, func(s *stack, session *chat.Session) (chat.Message, error) {
		return session.SendText(cmd.Context(), roomID, body, parentID)
	})
}

func runSendFile(cmd *cobra.Command, args []string) {
	roomID := requireRoom()
	parentID, _ := cmd.Flags().GetString("parent")
	path := args[0]

	withSession(cmd.Context(), roomID, parentID, func(s *stack, session *chat.Session) (chat.Message, error) {
		uploaded, err := upload(cmd.Context(), s, roomID, path)
		if err != nil {
			return chat.Message{}, err
		}
		if uploaded.Kind == store.KindAudio {
			return session.SendAudio(cmd.Context(), roomID, uploaded.Ref, uploaded.FileName, parentID)
		}
		return session.SendFile(cmd.Context(), roomID, uploaded.Ref, uploaded.FileName, parentID)
	})
}

func upload(ctx context.Context, s *stack, roomID, path string) (attachment.Attachment, error) {
	files, err := s.attachments()
	if err != nil {
		return attachment.Attachment{}, err
	}
	if files == nil {
		return attachment.Attachment{}, fmt.Errorf("uploads are disabled: MINIO_ENDPOINT is not set")
	}
	if err := files.EnsureBucket(ctx); err != nil {
		return attachment.Attachment{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return attachment.Attachment{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return attachment.Attachment{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return files.Upload(ctx, roomID, path, f, info.Size())
}

// withSession opens roomID (and the thread of parentID when set), runs fn
// and prints the sent message once its persisted copy arrived.
func withSession(ctx context.Context, roomID, parentID string, fn func(*stack, *chat.Session) (chat.Message, error)) {
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

	sent, err := fn(s, session)
	if err != nil {
		exitErr("send", err)
	}
	printJSON(awaitConfirmed(ctx, session, sent).Message)
}

// awaitConfirmed waits until the pending entry sent was replaced by its
// persisted counterpart and returns that counterpart. After confirmTimeout
// the pending entry is returned as is.
func awaitConfirmed(ctx context.Context, session *chat.Session, sent chat.Message) chat.Message {
	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	for {
		if msg, ok := confirmedCopy(session, sent); ok {
			return msg
		}
		select {
		case <-ctx.Done():
			return sent
		case <-timer.C:
			return sent
		case <-session.Changes():
		}
	}
}

func confirmedCopy(session *chat.Session, sent chat.Message) (chat.Message, bool) {
	entries := session.Messages()
	if sent.IsReply() {
		entries = session.ThreadReplies()
	}
	for _, msg := range entries {
		if msg.ID == sent.ID {
			return chat.Message{}, false
		}
	}
	// The pending entry is gone: its counterpart is the newest own message
	// with the same body.
	for i := len(entries) - 1; i >= 0; i-- {
		msg := entries[i]
		if msg.State == chat.StateConfirmed && msg.SenderID == sent.SenderID && msg.Body == sent.Body {
			return msg, true
		}
	}
	return chat.Message{}, false
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(out))
}
