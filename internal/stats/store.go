package stats

import (
	"sync"

	"github.com/ramiqadoumi/crosslink/internal/domain"
)

// Store holds the latest record per role. A Put replaces the previous
// record for that role outright.
type Store struct {
	mu      sync.RWMutex
	records map[domain.Role]*domain.MachineStats
}

func NewStore() *Store {
	return &Store{records: make(map[domain.Role]*domain.MachineStats)}
}

func (s *Store) Put(role domain.Role, rec *domain.MachineStats) {
	c := rec.Clone()
	s.mu.Lock()
	s.records[role] = c
	s.mu.Unlock()
}

func (s *Store) Get(role domain.Role) (*domain.MachineStats, bool) {
	s.mu.RLock()
	rec, ok := s.records[role]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *Store) Has(role domain.Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[role]
	return ok
}

// GetAll returns every known role. Roles that never reported map to nil.
func (s *Store) GetAll() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(domain.Snapshot, len(domain.Roles()))
	for _, role := range domain.Roles() {
		if rec, ok := s.records[role]; ok {
			snap[role] = rec.Clone()
		} else {
			snap[role] = nil
		}
	}
	return snap
}
