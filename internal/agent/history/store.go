package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversation messages in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			tool_call   TEXT,
			tool_result TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			pinned      INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL,
			seq         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendMessage persists one message at the end of a session's log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to compute message sequence: %w", err)
	}
	return s.insert(ctx, s.db, sessionID, msg, seq)
}

// ReplaceMessages rewrites a session's entire log in one transaction. Used
// after compaction and rollback.
func (s *SQLiteStore) ReplaceMessages(ctx context.Context, sessionID string, msgs []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	for i, msg := range msgs {
		if err := s.insert(ctx, tx, sessionID, msg, i); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session rewrite: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insert(ctx context.Context, ex execer, sessionID string, msg Message, seq int) error {
	var toolCall, toolResult sql.NullString
	if msg.ToolCall != nil {
		data, err := json.Marshal(msg.ToolCall)
		if err != nil {
			return fmt.Errorf("failed to marshal tool call: %w", err)
		}
		toolCall = sql.NullString{String: string(data), Valid: true}
	}
	if msg.ToolResult != nil {
		data, err := json.Marshal(msg.ToolResult)
		if err != nil {
			return fmt.Errorf("failed to marshal tool result: %w", err)
		}
		toolResult = sql.NullString{String: string(data), Valid: true}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_call, tool_result, token_count, pinned, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, toolCall, toolResult,
		msg.TokenCount, boolToInt(msg.Pinned), msg.CreatedAt.Format(time.RFC3339Nano), seq,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// Messages loads a session's log in order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_call, tool_result, token_count, pinned, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			msg                  Message
			role                 string
			toolCall, toolResult sql.NullString
			pinned               int
			createdAt            string
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCall, &toolResult,
			&msg.TokenCount, &pinned, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		msg.Pinned = pinned != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			msg.CreatedAt = t
		}
		if toolCall.Valid {
			var tc ToolCall
			if err := json.Unmarshal([]byte(toolCall.String), &tc); err == nil {
				msg.ToolCall = &tc
			}
		}
		if toolResult.Valid {
			var tr ToolResult
			if err := json.Unmarshal([]byte(toolResult.String), &tr); err == nil {
				msg.ToolResult = &tr
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
