package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/storage"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

const recordFile = "task.json"

// FileStore keeps each task under <root>/<id>/ and caches every record in
// memory. The cache is loaded from disk when the store opens.
type FileStore struct {
	mu     sync.RWMutex
	root   string
	cache  map[string]*Task
	logger *zap.Logger
	now    func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a store rooted at root. Records
// that fail to decode are logged and skipped.
func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Path: root, Err: err}
	}
	s := &FileStore{
		root:   root,
		cache:  make(map[string]*Task),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return &PersistenceError{Op: "read dir", Path: s.root, Err: err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var t Task
		path := filepath.Join(s.root, e.Name(), recordFile)
		if err := storage.ReadJSON(path, &t); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("skipping unreadable task record", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		s.cache[t.ID] = &t
	}
	s.logger.Debug("task store loaded", zap.String("root", s.root), zap.Int("tasks", len(s.cache)))
	return nil
}

// Dir returns the directory holding task id.
func (s *FileStore) Dir(id string) string { return filepath.Join(s.root, id) }

// WorkspaceDir returns the project working directory for task id.
func (s *FileStore) WorkspaceDir(id string) string { return filepath.Join(s.root, id, "workspace") }

// LogsDir returns the log directory for task id.
func (s *FileStore) LogsDir(id string) string { return filepath.Join(s.root, id, "logs") }

// Create allocates an id, lays out the task directory and persists the record.
func (s *FileStore) Create(ctx context.Context, name, description string, meta CreateMeta) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	t := &Task{
		ID:           uuid.New().String(),
		Name:         name,
		Description:  description,
		ProjectType:  meta.ProjectType,
		UserID:       meta.UserID,
		Status:       StatusActive,
		CreatedAt:    now,
		LastAccessed: now,
		TestResults:  []validation.StepResult{},
	}
	t.WorkingDirectory = s.WorkspaceDir(t.ID)

	for _, dir := range []string{t.WorkingDirectory, s.LogsDir(t.ID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(s.Dir(t.ID))
			return nil, &PersistenceError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(t); err != nil {
		_ = os.RemoveAll(s.Dir(t.ID))
		return nil, err
	}
	s.cache[t.ID] = t
	s.logger.Info("task created", zap.String("task.id", t.ID), zap.String("name", name))
	return t.Clone(), nil
}

// Get returns a copy of the record.
func (s *FileStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cache[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns matching records ordered by creation time.
func (s *FileStore) List(_ context.Context, filter ListFilter) ([]*Task, error) {
	s.mu.RLock()
	out := make([]*Task, 0, len(s.cache))
	for _, t := range s.cache {
		if filter.match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateStatus sets the status. An unchanged status is a successful no-op
// apart from touching LastAccessed.
func (s *FileStore) UpdateStatus(_ context.Context, id string, status Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cache[id]
	if !ok {
		return false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	next := t.Clone()
	next.Status = status
	next.LastAccessed = s.now()
	if err := s.persist(next); err != nil {
		return false, err
	}
	s.cache[id] = next
	return true, nil
}

// Update persists the mutable fields of t (status, server URL, results).
func (s *FileStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cache[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}

	next := cur.Clone()
	if t.Status.Valid() {
		next.Status = t.Status
	}
	next.ServerURL = t.ServerURL
	next.TestResults = t.Clone().TestResults
	next.LastAccessed = s.now()
	if err := s.persist(next); err != nil {
		return err
	}
	s.cache[t.ID] = next
	return nil
}

// Delete removes the task directory and cache entry. Deleting an absent task
// reports false without error.
func (s *FileStore) Delete(_ context.Context, id string) (bool, error) {
	if id == "" || filepath.Base(id) != id {
		return false, fmt.Errorf("invalid task id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, cached := s.cache[id]
	delete(s.cache, id)

	dir := s.Dir(id)
	_, statErr := os.Stat(dir)
	if err := os.RemoveAll(dir); err != nil {
		return false, &PersistenceError{Op: "remove", Path: dir, Err: err}
	}
	return cached || statErr == nil, nil
}

func (s *FileStore) persist(t *Task) error {
	return storage.WriteJSON(filepath.Join(s.Dir(t.ID), recordFile), t)
}
