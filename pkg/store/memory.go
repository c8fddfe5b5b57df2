package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/models"
)

// CreateUserMemory persists a memory note. Content longer than the
// configured maximum fails with ErrContentTooLong.
func (s *sqliteStore) CreateUserMemory(ctx context.Context, title, content string, tags []string, source string, meta map[string]any) (*models.UserMemory, error) {
	if len([]rune(content)) > s.maxMemoryChars {
		return nil, ErrContentTooLong
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if tags == nil {
		tags = []string{}
	}
	m := &models.UserMemory{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Tags:      tags,
		Source:    source,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_memories (id, title, content, tags, pinned, source, meta, created_at, is_deleted)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, 0)`,
		m.ID, m.Title, m.Content, marshalJSON(m.Tags), m.Source, marshalJSON(m.Meta), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user memory: %w", err)
	}
	return m, nil
}

const memoryColumns = `id, title, content, tags, pinned, source, meta, created_at, is_deleted`

// ListUserMemories returns the newest non-deleted memories.
func (s *sqliteStore) ListUserMemories(ctx context.Context, limit int) ([]*models.UserMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM user_memories
		 WHERE is_deleted = 0 ORDER BY pinned DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list user memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// SearchUserMemories filters by a case-insensitive substring over title,
// content and tags.
func (s *sqliteStore) SearchUserMemories(ctx context.Context, query string, limit int) ([]*models.UserMemory, error) {
	if query == "" {
		return s.ListUserMemories(ctx, limit)
	}
	if limit <= 0 {
		limit = 50
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM user_memories
		 WHERE is_deleted = 0 AND (title LIKE ? COLLATE NOCASE OR content LIKE ? COLLATE NOCASE OR tags LIKE ? COLLATE NOCASE)
		 ORDER BY pinned DESC, created_at DESC LIMIT ?`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search user memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// DeleteUserMemory soft-deletes; the row stays for audit but never lists.
func (s *sqliteStore) DeleteUserMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_memories SET is_deleted = 1 WHERE id = ? AND is_deleted = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user memory: %w", err)
	}
	return requireRow(res)
}

func collectMemories(rows *sql.Rows) ([]*models.UserMemory, error) {
	var out []*models.UserMemory
	for rows.Next() {
		var m models.UserMemory
		var tags, meta string
		if err := rows.Scan(&m.ID, &m.Title, &m.Content, &tags, &m.Pinned,
			&m.Source, &meta, &m.CreatedAt, &m.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan user memory: %w", err)
		}
		m.Tags = unmarshalStrings(tags)
		m.Meta = unmarshalMap(meta)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetSessionToken returns the persisted token hash and salt.
func (s *sqliteStore) GetSessionToken(ctx context.Context) (string, string, error) {
	var hash, salt string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, salt FROM session_token WHERE id = 1`).Scan(&hash, &salt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to get session token: %w", err)
	}
	return hash, salt, nil
}

// SetSessionToken upserts the single token row.
func (s *sqliteStore) SetSessionToken(ctx context.Context, hash, salt string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_token (id, token_hash, salt) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET token_hash = excluded.token_hash, salt = excluded.salt`,
		hash, salt)
	if err != nil {
		return fmt.Errorf("failed to set session token: %w", err)
	}
	return nil
}
