package source

import (
	"context"
	"sync"

	"github.com/roach88/crmsync/internal/record"
)

// Static serves in-memory rows per entity. Tests and the scenario harness
// swap the rows between runs with Set.
type Static struct {
	mu   sync.RWMutex
	rows map[string][]record.Row
}

// NewStatic returns a Static holding rows.
func NewStatic(rows map[string][]record.Row) *Static {
	s := &Static{rows: make(map[string][]record.Row, len(rows))}
	for entity, r := range rows {
		s.Set(entity, r)
	}
	return s
}

// Set replaces the rows of entity.
func (s *Static) Set(entity string, rows []record.Row) {
	cp := make([]record.Row, len(rows))
	for i, r := range rows {
		cp[i] = r.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[entity] = cp
}

// Extract implements Source. An unknown entity has no rows.
func (s *Static) Extract(_ context.Context, entity string, _ Spec) ([]record.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.rows[entity]
	out := make([]record.Row, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out, nil
}
