// Package task persists task records: one directory per task holding the
// record, the project workspace and task logs.
package task

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/scaffoldd/internal/storage"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = storage.ErrNotFound

// PersistenceError reports a failed durable operation.
type PersistenceError = storage.PersistenceError

// Task is the durable identity and bookkeeping record of a task.
type Task struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Description      string                  `json:"description"`
	ProjectType      string                  `json:"projectType"`
	UserID           string                  `json:"userId"`
	Status           Status                  `json:"status"`
	CreatedAt        time.Time               `json:"createdAt"`
	LastAccessed     time.Time               `json:"lastAccessed"`
	ServerURL        string                  `json:"serverUrl,omitempty"`
	TestResults      []validation.StepResult `json:"testResults"`
	WorkingDirectory string                  `json:"workingDirectory"`
}

// Clone returns a deep copy safe to hand to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.TestResults != nil {
		c.TestResults = make([]validation.StepResult, len(t.TestResults))
		copy(c.TestResults, t.TestResults)
	}
	return &c
}

// CreateMeta carries the creation attributes beyond name and description.
type CreateMeta struct {
	ProjectType string
	UserID      string
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status Status
	UserID string
}

func (f ListFilter) match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	return true
}

// Store is durable CRUD for task records.
type Store interface {
	Create(ctx context.Context, name, description string, meta CreateMeta) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, filter ListFilter) ([]*Task, error)
	UpdateStatus(ctx context.Context, id string, status Status) (bool, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) (bool, error)
}
