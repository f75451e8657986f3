package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const messageColumns = `id, room_id, sender_id, sender_name, body, kind, metadata_json::text, is_edited, is_flagged, flag_reason, reply_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		item     Message
		kind     string
		metadata string
	)
	if err := row.Scan(
		&item.ID,
		&item.RoomID,
		&item.SenderID,
		&item.SenderName,
		&item.Body,
		&kind,
		&metadata,
		&item.Edited,
		&item.Flagged,
		&item.FlagReason,
		&item.ReplyCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Message{}, err
	}
	item.Kind = Kind(kind)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode metadata for %s: %w", item.ID, err)
		}
	}
	return item, nil
}

// AppendMessage inserts a message and, for replies, bumps the parent's
// reply_count in the same transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, roomID, senderID, senderName, body string, kind Kind, metadata Metadata) (Message, error) {
	if !kind.Valid() {
		return Message{}, fmt.Errorf("append message: unknown kind %q", kind)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return Message{}, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if metadata.ParentID != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET reply_count = reply_count + 1
			WHERE id=$1 AND room_id=$2 AND parent_id IS NULL
		`, metadata.ParentID, roomID)
		if err != nil {
			return Message{}, fmt.Errorf("bump reply count: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Message{}, fmt.Errorf("bump reply count rows: %w", err)
		}
		if affected == 0 {
			return Message{}, fmt.Errorf("append reply to %s: parent %w", metadata.ParentID, ErrNotFound)
		}
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (room_id, sender_id, sender_name, body, kind, metadata_json, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, NULLIF($7, ''))
		RETURNING `+messageColumns,
		roomID, senderID, senderName, body, string(kind), string(metadataJSON), metadata.ParentID)
	item, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}
	return item, nil
}

// UpdateMessage applies the non-nil fields of update and returns the
// canonical row. A body change marks the message edited.
func (s *PostgresStore) UpdateMessage(ctx context.Context, messageID string, update MessageUpdate) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET body = COALESCE($2, body),
			is_edited = is_edited OR ($2::text IS NOT NULL AND $2::text <> body),
			is_flagged = COALESCE($3, is_flagged),
			flag_reason = COALESCE($4, flag_reason),
			updated_at = clock_timestamp()
		WHERE id=$1
		RETURNING `+messageColumns,
		messageID, nullableString(update.Body), nullableBool(update.Flagged), nullableString(update.FlagReason))
	item, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("update message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	item, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("get message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return item, nil
}

// QueryRootMessages lists the top-level messages of a room, oldest first.
func (s *PostgresStore) QueryRootMessages(ctx context.Context, roomID string) ([]Message, error) {
	return s.listMessages(ctx, "root messages", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id=$1 AND parent_id IS NULL
		ORDER BY created_at ASC, id ASC
	`, roomID)
}

// QueryReplies lists the replies to a root message, oldest first.
func (s *PostgresStore) QueryReplies(ctx context.Context, parentID string) ([]Message, error) {
	return s.listMessages(ctx, "replies", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE parent_id=$1
		ORDER BY created_at ASC, id ASC
	`, parentID)
}

func (s *PostgresStore) listMessages(ctx context.Context, what, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_states (room_id, user_id, last_read_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (room_id, user_id) DO UPDATE SET last_read_at=EXCLUDED.last_read_at
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReadState(ctx context.Context, roomID, userID string) (ReadState, error) {
	state := ReadState{RoomID: roomID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_at FROM read_states WHERE room_id=$1 AND user_id=$2
	`, roomID, userID).Scan(&state.LastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return ReadState{}, fmt.Errorf("read state: %w", err)
	}
	return state, nil
}

// UnreadCount counts root messages from other senders created after the
// user's last mark-read. A user who never marked the room read sees every
// message as unread.
func (s *PostgresStore) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		LEFT JOIN read_states rs ON rs.room_id = m.room_id AND rs.user_id = $2
		WHERE m.room_id=$1
		  AND m.parent_id IS NULL
		  AND m.sender_id <> $2
		  AND (rs.last_read_at IS NULL OR m.created_at > rs.last_read_at)
	`, roomID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}
