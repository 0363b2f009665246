package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"chatrouter/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultLimit = 50

// SQLiteStore implements domain.Store on a single SQLite file.
// The timeline insert and its conversation upsert share one transaction,
// so after a crash both are present or neither is.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	closed atomic.Bool
}

// Open creates the parent directory if needed, opens the database in WAL
// mode, verifies the backing encoding is UTF-8 and runs idempotent schema
// creation.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	var encoding string
	if err := db.QueryRow(`PRAGMA encoding`).Scan(&encoding); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot read database encoding: %w", err)
	}
	if !strings.EqualFold(encoding, "UTF-8") {
		db.Close()
		return nil, fmt.Errorf("database encoding is %s, want UTF-8", encoding)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS timeline (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		direction           TEXT NOT NULL,
		platform            TEXT NOT NULL,
		platform_message_id TEXT NOT NULL,
		platform_chat_id    TEXT NOT NULL,
		platform_chat_type  TEXT,
		sender_name         TEXT NOT NULL,
		sender_id           TEXT NOT NULL,
		text                TEXT,
		timestamp           INTEGER NOT NULL,
		platform_meta       TEXT,
		created_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_conv ON timeline(platform, platform_chat_id, id);

	CREATE TABLE IF NOT EXISTS conversations (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		platform            TEXT NOT NULL,
		platform_chat_id    TEXT NOT NULL,
		platform_chat_type  TEXT,
		label               TEXT NOT NULL,
		first_seen_at       TEXT NOT NULL,
		last_message_at     TEXT NOT NULL,
		message_count       INTEGER NOT NULL DEFAULT 0,
		UNIQUE(platform, platform_chat_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ingest assigns the next id, stamps createdAt and upserts the
// conversation row in the same transaction. The caller may not supply id
// or createdAt; both are overwritten here.
func (s *SQLiteStore) Ingest(ctx context.Context, entry domain.TimelineEntry, label string) (domain.TimelineEntry, error) {
	if s.closed.Load() {
		return domain.TimelineEntry{}, domain.ErrClosed
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	entry.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO timeline (direction, platform, platform_message_id, platform_chat_id,
		                       platform_chat_type, sender_name, sender_id, text, timestamp,
		                       platform_meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Direction, entry.Platform, entry.PlatformMessageID, entry.PlatformChatID,
		entry.PlatformChatType, entry.SenderName, entry.SenderID, entry.Text, entry.Timestamp,
		entry.PlatformMeta, entry.CreatedAt,
	)
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("insert timeline row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("read timeline id: %w", err)
	}
	entry.ID = id

	// On conflict the chat type is only replaced when the new value is
	// non-null; label and last_message_at always follow the latest entry.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (platform, platform_chat_id, platform_chat_type, label,
		                            first_seen_at, last_message_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(platform, platform_chat_id) DO UPDATE SET
		   message_count      = message_count + 1,
		   last_message_at    = excluded.last_message_at,
		   label              = excluded.label,
		   platform_chat_type = COALESCE(excluded.platform_chat_type, conversations.platform_chat_type)`,
		entry.Platform, entry.PlatformChatID, entry.PlatformChatType, label, now, now,
	)
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("upsert conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("commit ingest tx: %w", err)
	}
	return entry, nil
}

const timelineColumns = `id, direction, platform, platform_message_id, platform_chat_id,
	platform_chat_type, sender_name, sender_id, text, timestamp, platform_meta, created_at`

// GetTimeline returns one conversation's entries, newest first, with
// exclusive id cursors.
func (s *SQLiteStore) GetTimeline(ctx context.Context, platform domain.Platform, chatID string, q domain.Query) ([]domain.TimelineEntry, error) {
	if s.closed.Load() {
		return nil, domain.ErrClosed
	}
	where := []string{"platform = ?", "platform_chat_id = ?"}
	args := []any{platform, chatID}
	where, args = appendCursors(where, args, q)

	return s.queryTimeline(ctx, where, args, limitOf(q))
}

// GetUnifiedTimeline returns entries across all conversations, newest first.
func (s *SQLiteStore) GetUnifiedTimeline(ctx context.Context, q domain.Query) ([]domain.TimelineEntry, error) {
	if s.closed.Load() {
		return nil, domain.ErrClosed
	}
	where, args := appendCursors(nil, nil, q)
	return s.queryTimeline(ctx, where, args, limitOf(q))
}

func appendCursors(where []string, args []any, q domain.Query) ([]string, []any) {
	if q.After != nil {
		where = append(where, "id > ?")
		args = append(args, *q.After)
	}
	if q.Before != nil {
		where = append(where, "id < ?")
		args = append(args, *q.Before)
	}
	return where, args
}

func limitOf(q domain.Query) int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

func (s *SQLiteStore) queryTimeline(ctx context.Context, where []string, args []any, limit int) ([]domain.TimelineEntry, error) {
	query := "SELECT " + timelineColumns + " FROM timeline"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	entries := []domain.TimelineEntry{}
	for rows.Next() {
		var e domain.TimelineEntry
		var chatType, text, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Direction, &e.Platform, &e.PlatformMessageID,
			&e.PlatformChatID, &chatType, &e.SenderName, &e.SenderID,
			&text, &e.Timestamp, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		e.PlatformChatType = nullable(chatType)
		e.Text = nullable(text)
		e.PlatformMeta = nullable(meta)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListConversations returns conversations ordered by last activity,
// optionally filtered to one platform.
func (s *SQLiteStore) ListConversations(ctx context.Context, platform domain.Platform, limit int) ([]domain.Conversation, error) {
	if s.closed.Load() {
		return nil, domain.ErrClosed
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT id, platform, platform_chat_id, platform_chat_type, label,
	                 first_seen_at, last_message_at, message_count
	          FROM conversations`
	args := []any{}
	if platform != "" {
		query += " WHERE platform = ?"
		args = append(args, platform)
	}
	query += " ORDER BY last_message_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	convs := []domain.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns domain.ErrNotFound for an unknown pair.
func (s *SQLiteStore) GetConversation(ctx context.Context, platform domain.Platform, chatID string) (*domain.Conversation, error) {
	if s.closed.Load() {
		return nil, domain.ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, platform_chat_id, platform_chat_type, label,
		        first_seen_at, last_message_at, message_count
		 FROM conversations WHERE platform = ? AND platform_chat_id = ?`,
		platform, chatID,
	)
	c, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConversation(scan func(...any) error) (domain.Conversation, error) {
	var c domain.Conversation
	var chatType sql.NullString
	err := scan(&c.ID, &c.Platform, &c.PlatformChatID, &chatType, &c.Label,
		&c.FirstSeenAt, &c.LastMessageAt, &c.MessageCount)
	if err != nil {
		return c, err
	}
	c.PlatformChatType = nullable(chatType)
	return c, nil
}

// Stats counts timeline and conversation rows.
func (s *SQLiteStore) Stats(ctx context.Context) (domain.Stats, error) {
	if s.closed.Load() {
		return domain.Stats{}, domain.ErrClosed
	}
	var st domain.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timeline`).Scan(&st.MessageCount); err != nil {
		return st, fmt.Errorf("count timeline: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&st.ConversationCount); err != nil {
		return st, fmt.Errorf("count conversations: %w", err)
	}
	return st, nil
}

// Close releases the database. Further operations return domain.ErrClosed.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
