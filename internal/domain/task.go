package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Role names one of the machines taking part in the relay.
type Role string

const (
	RoleLinux   Role = "linux"
	RoleWindows Role = "windows"
)

// Roles returns every known role in a stable order.
func Roles() []Role {
	return []Role{RoleLinux, RoleWindows}
}

// ParseRole converts s into a known Role.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles() {
		if string(r) == s {
			return r, nil
		}
	}
	return "", &ValidationError{Field: "machine", Reason: fmt.Sprintf("unknown machine role %q", s)}
}

// Task is a unit of work handed from one machine's agent to the other.
type Task struct {
	ID          string          `json:"id"`
	Prompt      string          `json:"prompt"`
	FromMachine Role            `json:"from_machine"`
	ToMachine   Role            `json:"to_machine"`
	Context     json.RawMessage `json:"context"`
	Status      Status          `json:"status"`
	Result      *string         `json:"result"`
	Error       *string         `json:"error"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// Clone returns a deep copy so callers never alias store-owned memory.
func (t *Task) Clone() *Task {
	c := *t
	if t.Context != nil {
		c.Context = append(json.RawMessage(nil), t.Context...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// TaskSummary is the operator view over every task in a store.
type TaskSummary struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Completed int     `json:"completed"`
	Tasks     []*Task `json:"tasks"`
}

// Summarize counts tasks by status. The slice is used as given.
func Summarize(tasks []*Task) TaskSummary {
	s := TaskSummary{Total: len(tasks), Tasks: tasks}
	if s.Tasks == nil {
		s.Tasks = []*Task{}
	}
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusCompleted:
			s.Completed++
		}
	}
	return s
}

// EncodeContext renders a task context for storage as text. A nil context
// encodes to nil.
func EncodeContext(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	return &s
}

// DecodeContext reverses EncodeContext. Text that is not valid JSON is
// returned as a JSON string holding the raw text.
func DecodeContext(text *string) json.RawMessage {
	if text == nil || *text == "" {
		return nil
	}
	if json.Valid([]byte(*text)) {
		return json.RawMessage(*text)
	}
	quoted, _ := json.Marshal(*text)
	return quoted
}
