// Package sqlite is a SQLite-backed reference implementation of the
// archive collaborator, suitable for single-instance deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foundrly/agentstream/internal/archive"
	"github.com/foundrly/agentstream/internal/domain"
)

// Store archives finalized messages in a SQLite database.
type Store struct {
	db *sql.DB
}

var _ archive.Archiver = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS archived_messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			archived_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archived_messages_thread
			ON archived_messages(thread_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// SaveMessage upserts one finalized message. Re-archiving the same id (e.g.
// after an error-terminated retry) replaces the previous row.
func (s *Store) SaveMessage(ctx context.Context, msg *domain.Message) error {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO archived_messages
			(id, thread_id, role, content, tool_calls, metadata, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content,
		string(toolCalls), string(metadata), msg.Timestamp, time.Now())
	if err != nil {
		return fmt.Errorf("failed to archive message: %w", err)
	}
	return nil
}

// MessagesByThread returns archived messages for a thread in creation order.
func (s *Store) MessagesByThread(ctx context.Context, threadID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, tool_calls, metadata, created_at
		FROM archived_messages WHERE thread_id = ? ORDER BY created_at`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role, toolCalls, metadata string
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &role, &msg.Content,
			&toolCalls, &metadata, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
