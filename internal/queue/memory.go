package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/crosslink/internal/domain"
)

type memoryEntry struct {
	task *domain.Task
	seq  uint64
}

// MemoryStore keeps tasks in process memory. Everything is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*memoryEntry
	seq   uint64
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return &domain.DuplicateTaskError{TaskID: task.ID}
	}
	s.seq++
	s.tasks[task.ID] = &memoryEntry{task: task.Clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return e.task.Clone(), nil
}

func (s *MemoryStore) ListPending(_ context.Context, machine domain.Role) ([]*domain.Task, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0)
	for _, e := range s.tasks {
		if e.task.ToMachine == machine && e.task.Status == domain.StatusPending {
			entries = append(entries, e)
		}
	}
	tasks := s.sorted(entries, false)
	s.mu.RUnlock()
	return tasks, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result, errMsg *string, completedAt time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if e.task.Status.IsTerminal() {
		return nil, &domain.TaskAlreadyCompletedError{TaskID: id}
	}

	if completedAt.Before(e.task.CreatedAt) {
		completedAt = e.task.CreatedAt
	}
	updated := e.task.Clone()
	updated.Status = domain.StatusCompleted
	updated.Result = cloneString(result)
	updated.Error = cloneString(errMsg)
	updated.CompletedAt = &completedAt
	e.task = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]*domain.Task, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	tasks := s.sorted(entries, true)
	s.mu.RUnlock()
	return tasks, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// sorted orders entries by creation time, breaking ties by insertion order,
// and returns cloned tasks. Caller holds at least a read lock.
func (s *MemoryStore) sorted(entries []*memoryEntry, newestFirst bool) []*domain.Task {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			if newestFirst {
				return a.task.CreatedAt.After(b.task.CreatedAt)
			}
			return a.task.CreatedAt.Before(b.task.CreatedAt)
		}
		if newestFirst {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
	tasks := make([]*domain.Task, len(entries))
	for i, e := range entries {
		tasks[i] = e.task.Clone()
	}
	return tasks
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
