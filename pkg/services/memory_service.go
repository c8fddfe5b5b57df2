package services

import (
	"context"
	"errors"
	"strings"

	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

// memoryListLimit bounds the memory list/search responses.
const memoryListLimit = 100

// MemoryService owns the user memory CRUD surface.
type MemoryService struct {
	store store.Store
}

// NewMemoryService builds the service.
func NewMemoryService(st store.Store) *MemoryService {
	return &MemoryService{store: st}
}

// Create persists one user-authored memory note.
func (s *MemoryService) Create(ctx context.Context, req *models.CreateUserMemoryRequest) (*models.UserMemory, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, NewValidationError("content", "required")
	}
	source := req.Source
	if source == "" {
		source = "user"
	}
	mem, err := s.store.CreateUserMemory(ctx, req.Title, req.Content, req.Tags, source, req.Meta)
	if err != nil {
		if errors.Is(err, store.ErrContentTooLong) {
			return nil, NewValidationError("content", "слишком длинный текст")
		}
		return nil, err
	}
	return mem, nil
}

// List returns the stored memories, filtered by a case-insensitive
// substring query when given.
func (s *MemoryService) List(ctx context.Context, query string) ([]*models.UserMemory, error) {
	if strings.TrimSpace(query) != "" {
		return s.store.SearchUserMemories(ctx, query, memoryListLimit)
	}
	return s.store.ListUserMemories(ctx, memoryListLimit)
}

// Delete soft-deletes one memory.
func (s *MemoryService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteUserMemory(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
