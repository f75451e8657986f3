package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"crewchat/core/internal/chat"
	"crewchat/core/internal/presence"
	"crewchat/core/internal/refparse"
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	senderStyle  = lipgloss.NewStyle().Bold(true)
	pendingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	alertStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f87171"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ade80")).Bold(true)
)

// linkFunc maps a stored file reference to a link. nil prints it as stored.
type linkFunc func(ref string) string

func renderMessage(w io.Writer, msg chat.Message, link linkFunc) {
	var b strings.Builder
	b.WriteString(dimStyle.Render(msg.CreatedAt.Local().Format("15:04:05") + "  " + msg.ID))
	b.WriteString("  " + senderStyle.Render(msg.SenderName) + ": ")
	b.WriteString(refparse.Plain(msg.Body))
	if ref := msg.Metadata.FileURL; ref != "" {
		if link != nil {
			ref = link(ref)
		}
		fmt.Fprintf(&b, " <%s>", ref)
	}
	if msg.Edited {
		b.WriteString(" (edited)")
	}
	if msg.ReplyCount > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d replies)", msg.ReplyCount)))
	}
	if msg.Flagged {
		b.WriteString(alertStyle.Render(" [flagged]"))
	}
	if msg.State != chat.StateConfirmed {
		b.WriteString(pendingStyle.Render(" {" + msg.State.String() + "}"))
	}
	fmt.Fprintln(w, b.String())
}

func renderTyping(w io.Writer, typing []presence.Record) {
	if len(typing) == 0 {
		return
	}
	names := make([]string, 0, len(typing))
	for _, r := range typing {
		names = append(names, r.UserName)
	}
	verb := "is"
	if len(names) > 1 {
		verb = "are"
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("… %s %s typing", strings.Join(names, ", "), verb)))
}

// renderSession prints the room log, the open thread and who is typing.
func renderSession(w io.Writer, session *chat.Session, link linkFunc) {
	fmt.Fprintln(w, headerStyle.Render("── #"+session.Room()+" ──"))
	for _, msg := range session.Messages() {
		renderMessage(w, msg, link)
	}
	if parent := session.ActiveThread(); parent != "" {
		fmt.Fprintln(w, headerStyle.Render("── thread "+parent+" ──"))
		for _, msg := range session.ThreadReplies() {
			fmt.Fprint(w, "  ")
			renderMessage(w, msg, link)
		}
	}
	renderTyping(w, session.TypingUsers())
}
