package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory is one long-term fact about a user, written by the agent itself via
// tools or by the post-turn extraction pass.
type Memory struct {
	ID        string
	UserID    string
	Content   string
	Category  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

var ErrMemoryNotFound = errors.New("memory not found")

func (s *Store) StoreMemory(ctx context.Context, userID, content, category string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("memory content required")
	}
	if category == "" {
		category = "general"
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, content, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, userID, content, category)
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateMemory(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, content, id)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update memory rows: %w", err)
	}
	if n == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete memory rows: %w", err)
	}
	if n == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

func (s *Store) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, category, created_at, updated_at
		FROM memories
		WHERE user_id = ?
		ORDER BY created_at ASC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Category, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	var m Memory
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, category, created_at, updated_at
		FROM memories WHERE id = ?;
	`, id).Scan(&m.ID, &m.UserID, &m.Content, &m.Category, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return &m, nil
}

// RetrieveMemories ranks a user's memories against a query by word overlap
// and returns the top limit matches. Scoring is intentionally cheap: memories
// are small and the caller only needs rough relevance to build a prompt.
func (s *Store) RetrieveMemories(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	all, err := s.ListMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		if len(all) > limit {
			all = all[len(all)-limit:]
		}
		return all, nil
	}

	type scored struct {
		mem   Memory
		score int
	}
	var matches []scored
	for _, m := range all {
		words := tokenize(m.Content)
		score := 0
		for w := range queryWords {
			if _, ok := words[w]; ok {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{mem: m, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]Memory, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.mem)
	}
	return out, nil
}

func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) < 3 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
