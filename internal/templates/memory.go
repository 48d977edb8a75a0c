package templates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantsim/marketsim/internal/domain"
)

// MemoryStore is an in-memory Store used in tests and ephemeral setups.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*domain.Template
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]*domain.Template)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, tpl *domain.Template) error {
	if err := Validate(tpl); err != nil {
		return err
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}

	clone := *tpl
	s.mu.Lock()
	s.templates[tpl.ID] = &clone
	s.mu.Unlock()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, domain.NewError(domain.CodeTemplateNotFound, "template %s not found", id)
	}
	clone := *tpl
	return &clone, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		clone := *tpl
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return domain.NewError(domain.CodeTemplateNotFound, "template %s not found", id)
	}
	delete(s.templates, id)
	return nil
}
