package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quiethour/quill/internal/llm"
)

// ChatMessage is one persisted conversation entry. Tool calls and results are
// stored alongside text so an interrupted turn can be reconstructed verbatim.
type ChatMessage struct {
	ID         int64
	UserID     string
	Role       llm.Role
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	CreatedAt  time.Time
}

func (m ChatMessage) AsLLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// AppendMessage persists a single conversation entry. History is append-only.
func (s *Store) AppendMessage(ctx context.Context, userID string, msg llm.Message) error {
	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{Valid: true, String: string(data)}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (user_id, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
	`, userID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// History returns the most recent limit messages for a user in chronological
// order, and whether older entries were truncated away.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]ChatMessage, bool, error) {
	if limit <= 0 || limit > 1000 {
		limit = 40
	}
	// One extra row tells us whether truncation occurred.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, content, COALESCE(tool_calls, ''), COALESCE(tool_call_id, ''), created_at
		FROM messages
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, userID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var (
			msg       ChatMessage
			role      string
			toolCalls string
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = llm.Role(role)
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, false, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("message rows: %w", err)
	}

	truncated := len(out) > limit
	if truncated {
		out = out[:limit]
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, truncated, nil
}

// LastUserMessageAt returns when the user last wrote, or zero if never.
func (s *Store) LastUserMessageAt(ctx context.Context, userID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM messages WHERE user_id = ? AND role = 'user';
	`, userID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("last user message: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}
