package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TaskAlreadyCompletedError is returned when complete is called on a task
// that has already left the pending state.
type TaskAlreadyCompletedError struct {
	TaskID string
}

func (e *TaskAlreadyCompletedError) Error() string {
	return fmt.Sprintf("task %s already completed", e.TaskID)
}

// DuplicateTaskError is returned by a store when an insert collides with an
// existing task ID.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task id %s already exists", e.TaskID)
}

// ValidationError reports a malformed or missing submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitExceededError is returned when a machine submits faster than its limit.
type RateLimitExceededError struct {
	Machine Role
	Limit   int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for machine %q: limit is %d", e.Machine, e.Limit)
}
