package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crewchat/core/internal/chat"
	"crewchat/core/internal/metrics"
)

func init() {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a room and chat from stdin",
		Long: `Open a room, print its log on every change and send each stdin line.
An empty line only announces that you are typing.

Lines starting with a slash are commands:
  /thread <id>         open the thread of a message
  /close               close the open thread
  /edit <id> <body>    edit a message
  /flag <id> [reason]  flag a message`,
		Run: runTail,
	}
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (default: $CREWCHAT_METRICS_ADDR)")

	RootCmd.AddCommand(cmd)
}

func runTail(cmd *cobra.Command, args []string) {
	roomID := requireRoom()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx)
	if err != nil {
		exitErr("connect", err)
	}
	defer s.Close()

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = s.cfg.MetricsAddr
	}
	if addr != "" {
		srv := serveMetrics(addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	user := localUser(s.cfg)
	if unread, err := s.store.UnreadCount(ctx, roomID, user.ID); err != nil {
		log.Printf("cli: %v", err)
	} else if unread > 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("%d unread in #%s", unread, roomID)))
	}

	session := s.newSession()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		session.Close(closeCtx)
	}()
	if err := session.OpenRoom(ctx, roomID); err != nil {
		exitErr("open room", err)
	}

	link := s.fileLinks(ctx)
	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Changes():
			renderSession(os.Stdout, session, link)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := handleLine(ctx, session, roomID, line); err != nil && !notified(err) {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
	}
}

// notified reports whether the session notifier already printed err.
func notified(err error) bool {
	var sendErr *chat.SendError
	var editErr *chat.EditError
	return errors.As(err, &sendErr) || errors.As(err, &editErr)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics: %v", err)
		}
	}()
	return srv
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleLine(ctx context.Context, session *chat.Session, roomID, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return session.NotifyTyping(ctx)
	}
	if !strings.HasPrefix(line, "/") {
		_ = session.NotifyTyping(ctx)
		_, err := session.SendText(ctx, roomID, line, session.ActiveThread())
		return err
	}

	verb, rest, _ := strings.Cut(line[1:], " ")
	id, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	switch verb {
	case "thread":
		return session.OpenThread(ctx, id)
	case "close":
		if parent := session.ActiveThread(); parent != "" {
			session.CloseThread(parent)
		}
		return nil
	case "edit":
		_, err := session.EditMessage(ctx, id, text)
		return err
	case "flag":
		return session.FlagMessage(ctx, id, strings.TrimSpace(text))
	default:
		return fmt.Errorf("unknown command /%s", verb)
	}
}
