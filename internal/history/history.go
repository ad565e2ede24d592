// Package history persists per-channel conversation history in SQLite so
// the assistant keeps context across restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultKeepPerChannel = 200

// Message is one stored conversation line.
type Message struct {
	ID         string
	ChannelID  string
	MessageID  string // platform message id, for edit/delete reconciliation
	Role       string // "user" or "assistant"
	AuthorName string
	Content    string
	CreatedAt  time.Time
}

// Store is a SQLite-backed conversation history.
type Store struct {
	db   *sql.DB
	keep int
}

// Open opens (creating if needed) the history database at path.
// keepPerChannel bounds how many rows are retained per channel.
func Open(path string, keepPerChannel int) (*Store, error) {
	if keepPerChannel <= 0 {
		keepPerChannel = defaultKeepPerChannel
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	// Single writer keeps the pure-Go driver clear of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			channel_id  TEXT NOT NULL,
			message_id  TEXT NOT NULL DEFAULT '',
			role        TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, rowid);
		CREATE INDEX IF NOT EXISTS idx_messages_platform ON messages(channel_id, message_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Store{db: db, keep: keepPerChannel}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores one message and prunes the channel to the retention bound.
func (s *Store) Append(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, message_id, role, author_name, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.MessageID, msg.Role, msg.AuthorName, msg.Content, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE channel_id = ? AND rowid NOT IN (
			SELECT rowid FROM messages WHERE channel_id = ? ORDER BY rowid DESC LIMIT ?
		)`,
		msg.ChannelID, msg.ChannelID, s.keep,
	); err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}

// Recent returns up to n messages for the channel in chronological order.
func (s *Store) Recent(ctx context.Context, channelID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, message_id, role, author_name, content, created_at
		 FROM messages WHERE channel_id = ? ORDER BY rowid DESC LIMIT ?`,
		channelID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.MessageID, &m.Role, &m.AuthorName, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpdateContent reconciles an edited platform message with its stored row.
// Unknown messages are a no-op.
func (s *Store) UpdateContent(ctx context.Context, channelID, messageID, content string) error {
	if messageID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ? WHERE channel_id = ? AND message_id = ?`,
		content, channelID, messageID,
	); err != nil {
		return fmt.Errorf("history: update: %w", err)
	}
	return nil
}

// Remove drops a deleted platform message from history. Unknown messages
// are a no-op.
func (s *Store) Remove(ctx context.Context, channelID, messageID string) error {
	if messageID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE channel_id = ? AND message_id = ?`,
		channelID, messageID,
	); err != nil {
		return fmt.Errorf("history: delete: %w", err)
	}
	return nil
}
