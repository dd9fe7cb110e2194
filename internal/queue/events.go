package queue

import (
	"context"
	"time"

	"github.com/ramiqadoumi/crosslink/internal/domain"
)

// EventType names a task lifecycle transition.
type EventType string

const (
	EventSubmitted EventType = "task.submitted"
	EventCompleted EventType = "task.completed"
)

// Event is emitted after a task changes state.
type Event struct {
	Type EventType    `json:"type"`
	Task *domain.Task `json:"task"`
	At   time.Time    `json:"at"`
}

// EventSink receives lifecycle events. Publish failures never affect the
// operation that produced the event.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Limiter throttles submissions per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}
