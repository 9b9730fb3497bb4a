// Package store provides the central SQLite database for Sandclaw.
// A single sandclaw.db file holds the provisioned conversation table
// (chats) and the scheduled task table. The whatsmeow session tables
// may share the same file (prefixed whatsmeow_).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Provisioned conversations. group_folder is the sandbox mutex key.
CREATE TABLE IF NOT EXISTS chats (
    jid            TEXT PRIMARY KEY,
    name           TEXT DEFAULT '',
    group_folder   TEXT NOT NULL,
    last_active_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_chats_group ON chats(group_folder);

-- Scheduled tasks evaluated by the scheduler poll loop.
CREATE TABLE IF NOT EXISTS scheduled_tasks (
    id             TEXT PRIMARY KEY,
    group_folder   TEXT NOT NULL,
    chat_jid       TEXT NOT NULL,
    prompt         TEXT NOT NULL,
    schedule_type  TEXT NOT NULL,
    schedule_value TEXT NOT NULL,
    context_mode   TEXT NOT NULL DEFAULT 'group',
    next_run       TEXT,
    status         TEXT NOT NULL DEFAULT 'active',
    created_at     TEXT NOT NULL,
    model          TEXT DEFAULT '',
    budget_usd     REAL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_next ON scheduled_tasks(status, next_run);
`

// Chat is one provisioned conversation.
type Chat struct {
	JID          string
	Name         string
	GroupFolder  string
	LastActiveAt time.Time
}

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the central sandclaw.db at the given path,
// enabling WAL mode and creating all tables.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "./data/sandclaw.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the raw handle for components sharing the database
// (scheduler task storage, whatsmeow session container).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Chat returns the provisioned conversation for a JID, or false when
// the conversation is not provisioned.
func (s *Store) Chat(jid string) (*Chat, bool, error) {
	var (
		c          Chat
		lastActive sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT jid, name, group_folder, last_active_at FROM chats WHERE jid = ?`, jid,
	).Scan(&c.JID, &c.Name, &c.GroupFolder, &lastActive)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup chat %q: %w", jid, err)
	}
	if lastActive.Valid {
		c.LastActiveAt, _ = time.Parse(time.RFC3339, lastActive.String)
	}
	return &c, true, nil
}

// UpsertChat provisions a conversation (insert) or replaces its row.
func (s *Store) UpsertChat(c *Chat) error {
	var lastActive sql.NullString
	if !c.LastActiveAt.IsZero() {
		lastActive = sql.NullString{String: c.LastActiveAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO chats (jid, name, group_folder, last_active_at) VALUES (?, ?, ?, ?)`,
		c.JID, c.Name, c.GroupFolder, lastActive,
	)
	if err != nil {
		return fmt.Errorf("upsert chat %q: %w", c.JID, err)
	}
	return nil
}

// TouchChat updates a chat's display label and last-activity timestamp.
// Missing rows are left alone: provisioning is an operator action, not
// a side effect of inbound traffic.
func (s *Store) TouchChat(jid, name string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE chats SET name = CASE WHEN ? != '' THEN ? ELSE name END, last_active_at = ? WHERE jid = ?`,
		name, name, at.UTC().Format(time.RFC3339), jid,
	)
	if err != nil {
		return fmt.Errorf("touch chat %q: %w", jid, err)
	}
	return nil
}

// Chats lists all provisioned conversations.
func (s *Store) Chats() ([]*Chat, error) {
	rows, err := s.db.Query(`SELECT jid, name, group_folder, last_active_at FROM chats ORDER BY jid`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*Chat
	for rows.Next() {
		var (
			c          Chat
			lastActive sql.NullString
		)
		if err := rows.Scan(&c.JID, &c.Name, &c.GroupFolder, &lastActive); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if lastActive.Valid {
			c.LastActiveAt, _ = time.Parse(time.RFC3339, lastActive.String)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
