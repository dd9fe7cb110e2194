package queue

import (
	"context"
	"time"

	"github.com/ramiqadoumi/crosslink/internal/domain"
)

// Store is the single source of truth for tasks in one deployment. A
// deployment picks exactly one implementation; two stores never share state.
//
// Implementations return *domain.TaskNotFoundError for unknown IDs,
// *domain.DuplicateTaskError when Create collides with an existing ID and
// *domain.TaskAlreadyCompletedError when Complete targets a task that is no
// longer pending. Returned tasks are copies owned by the caller.
type Store interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	// ListPending returns pending tasks addressed to machine, oldest first.
	ListPending(ctx context.Context, machine domain.Role) ([]*domain.Task, error)
	// Complete moves a pending task to completed exactly once. completedAt is
	// clamped so it never precedes the task's creation time.
	Complete(ctx context.Context, id string, result, errMsg *string, completedAt time.Time) (*domain.Task, error)
	// ListAll returns every task, newest first.
	ListAll(ctx context.Context) ([]*domain.Task, error)
	Ping(ctx context.Context) error
	Close() error
}
