// Package cli implements the crewchat commands.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"crewchat/core/internal/attachment"
	"crewchat/core/internal/chat"
	"crewchat/core/internal/config"
	"crewchat/core/internal/presence"
	"crewchat/core/internal/realtime"
	"crewchat/core/internal/relay"
	"crewchat/core/internal/search"
	"crewchat/core/internal/store"
)

var (
	roomFlag     string
	userIDFlag   string
	userNameFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "crewchat",
	Short: "Realtime chat rooms for field crews",
	Long:  "Send, follow and search chat rooms backed by PostgreSQL and Redis.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&roomFlag, "room", "r", "", "Room id")
	RootCmd.PersistentFlags().StringVar(&userIDFlag, "user-id", "", "Local user id (default: $CREWCHAT_USER_ID)")
	RootCmd.PersistentFlags().StringVar(&userNameFlag, "user-name", "", "Local display name (default: $CREWCHAT_USER_NAME)")
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

func requireRoom() string {
	if strings.TrimSpace(roomFlag) == "" {
		exitErr("room", fmt.Errorf("--room is required"))
	}
	return roomFlag
}

func localUser(cfg config.Config) chat.User {
	user := chat.User{ID: userIDFlag, Name: userNameFlag}
	if user.ID == "" {
		user.ID = cfg.UserID
	}
	if user.Name == "" {
		user.Name = cfg.UserName
	}
	if user.ID == "" {
		exitErr("user", fmt.Errorf("--user-id or CREWCHAT_USER_ID is required"))
	}
	if user.Name == "" {
		user.Name = user.ID
	}
	return user
}

// stack holds the backends a command talks to.
type stack struct {
	cfg    config.Config
	db     *sql.DB
	redis  *redis.Client
	broker *realtime.Broker
	store  *store.PostgresStore
	meili  *search.Meili
	search *search.Service
	relay  *relay.Service
}

func openStack(ctx context.Context) (*stack, error) {
	cfg := config.Load()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		db.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := &stack{
		cfg:    cfg,
		db:     db,
		redis:  client,
		broker: realtime.NewBroker(client),
		store:  store.NewPostgresStore(db),
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		s.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	s.search = search.NewService(s.meili, search.NewPgFTS(db))
	s.relay = relay.NewService(s.store, s.broker, s.search)
	return s, nil
}

func (s *stack) Close() {
	s.search.Close()
	if s.meili != nil {
		s.meili.Close()
	}
	s.redis.Close()
	s.db.Close()
}

// attachments returns the object store, or nil when MinIO is not configured.
func (s *stack) attachments() (*attachment.Store, error) {
	if strings.TrimSpace(s.cfg.MinIOEndpoint) == "" {
		return nil, nil
	}
	return attachment.New(attachment.Config{
		Endpoint:  s.cfg.MinIOEndpoint,
		AccessKey: s.cfg.MinIOAccessKey,
		SecretKey: s.cfg.MinIOSecretKey,
		Bucket:    s.cfg.MinIOBucket,
		Region:    s.cfg.MinIORegion,
		UseSSL:    s.cfg.MinIOUseSSL,
	})
}

// fileLinks resolves stored attachment references to links a reader can open.
func (s *stack) fileLinks(ctx context.Context) linkFunc {
	files, err := s.attachments()
	if err != nil {
		log.Printf("cli: attachment links disabled: %v", err)
		return nil
	}
	if files == nil {
		return nil
	}
	return func(ref string) string {
		u, err := files.DownloadURL(ctx, ref)
		if err != nil {
			log.Printf("cli: %v", err)
			return ref
		}
		return u
	}
}

// newSession builds a chat session for the local user. Durable-write
// failures are printed to stderr.
func (s *stack) newSession() *chat.Session {
	user := localUser(s.cfg)
	lease := presence.NewRedisLease(s.redis, s.broker, 2*s.cfg.TypingTimeout)
	ledger := presence.NewLedger(lease, user.ID, s.cfg.TypingTimeout)
	return chat.NewSession(user, s.relay, s.broker, ledger,
		chat.WithReconcileWindow(s.cfg.ReconcileWindow),
		chat.WithNotifier(chat.NotifierFunc(func(err error) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		})),
	)
}
