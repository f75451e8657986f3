package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"crewchat/core/internal/refparse"
)

// PgFTS searches messages with PostgreSQL full-text search. It is the
// fallback when Meilisearch is not configured or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search ranks matching messages with ts_rank and builds snippets with
// ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	where := []string{"fts @@ " + tsQuery}
	args := []any{q.Text}
	if q.RoomID != "" {
		args = append(args, q.RoomID)
		where = append(where, fmt.Sprintf("room_id = $%d", len(args)))
	}
	if q.SenderID != "" {
		args = append(args, q.SenderID)
		where = append(where, fmt.Sprintf("sender_id = $%d", len(args)))
	}
	if !q.IncludeFlagged {
		where = append(where, "NOT is_flagged")
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	countSQL := "SELECT count(*) FROM messages WHERE " + whereSQL
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT id, room_id, coalesce(parent_id, ''), sender_id, sender_name,
			ts_headline('english', body, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			created_at
		FROM messages
		WHERE %s
		ORDER BY ts_rank(fts, %s) DESC, created_at DESC
		LIMIT %d OFFSET %d`,
		tsQuery, whereSQL, tsQuery, defaultLimit(q.Limit), offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.RoomID, &r.ParentID, &r.SenderID, &r.SenderName, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Snippet = refparse.Plain(r.Snippet)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every message for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, room_id, coalesce(parent_id, ''), sender_id, sender_name, body, kind,
			coalesce(metadata_json->>'fileName', ''), is_flagged, created_at
		FROM messages
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var (
			r         MessageRecord
			createdAt time.Time
		)
		if err := rows.Scan(&r.ID, &r.RoomID, &r.ParentID, &r.SenderID, &r.SenderName, &r.Body, &r.Kind, &r.FileName, &r.Flagged, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.Body = refparse.Plain(r.Body)
		r.CreatedAt = createdAt.UnixMilli()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
