package memory

import (
	"context"
	"sort"
	"sync"

	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/storage"
)

// TargetStore is an in-memory implementation of storage.TargetRegistry.
// It is filled from the YAML target catalog.
type TargetStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Target // keyed by target ID
}

// NewTargetStore creates a new in-memory target store.
func NewTargetStore() *TargetStore {
	return &TargetStore{
		data: make(map[string]*domain.Target),
	}
}

// Insert adds a new target. Returns ErrDuplicateKey if the ID exists.
func (s *TargetStore) Insert(_ context.Context, t *domain.Target) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.ID]; exists {
		return storage.ErrDuplicateKey
	}

	targetCopy := copyTarget(t)
	s.data[t.ID] = targetCopy
	return nil
}

// GetByID retrieves a target by selector. Returns ErrNotFound if not exists.
func (s *TargetStore) GetByID(_ context.Context, id string) (*domain.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyTarget(t), nil
}

// List returns all targets ordered by ID.
func (s *TargetStore) List(_ context.Context) ([]*domain.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Target, 0, len(s.data))
	for _, t := range s.data {
		result = append(result, copyTarget(t))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

func copyTarget(t *domain.Target) *domain.Target {
	c := *t
	if t.ExtraFields != nil {
		c.ExtraFields = append([]string(nil), t.ExtraFields...)
	}
	return &c
}

var _ storage.TargetRegistry = (*TargetStore)(nil)
