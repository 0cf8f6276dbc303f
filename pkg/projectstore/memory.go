// Package projectstore provides packaging.ProjectStore implementations.
package projectstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// MemoryStore keeps projects in memory. Stored and returned values are
// copies, so callers cannot alias the store's state.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]packaging.Project
}

func NewMemoryStore(projects ...packaging.Project) *MemoryStore {
	s := &MemoryStore{projects: make(map[string]packaging.Project)}
	for _, p := range projects {
		s.Put(p)
	}
	return s
}

// Put stores a copy of p, replacing any project with the same id.
func (s *MemoryStore) Put(p packaging.Project) {
	s.mu.Lock()
	s.projects[p.ID] = p.Clone()
	s.mu.Unlock()
}

// Delete removes a project.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.projects, id)
	s.mu.Unlock()
}

// Load implements packaging.ProjectStore.
func (s *MemoryStore) Load(ctx context.Context, id string) (packaging.Project, error) {
	if err := ctx.Err(); err != nil {
		return packaging.Project{}, err
	}
	s.mu.RLock()
	p, ok := s.projects[id]
	s.mu.RUnlock()
	if !ok {
		return packaging.Project{}, fmt.Errorf("%w: %s", packaging.ErrProjectNotFound, id)
	}
	return p.Clone(), nil
}

// List implements packaging.ProjectLister, ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]packaging.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]packaging.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
