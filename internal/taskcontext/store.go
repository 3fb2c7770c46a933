package taskcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/storage"
)

// ErrNotFound is returned when no context exists for a task.
var ErrNotFound = storage.ErrNotFound

// PersistenceError reports a failed durable operation.
type PersistenceError = storage.PersistenceError

// DefaultMaxBackups is the backup retention used when none is configured.
const DefaultMaxBackups = 5

const backupStamp = "20060102T150405.000000000"

// isoTimestamp matches the strings rehydrated into time.Time inside
// free-form maps.
var isoTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// Scrubber redacts sensitive text before it is written.
type Scrubber interface {
	Redact(content string) string
}

// Store is durable CRUD for task contexts.
type Store interface {
	Save(ctx context.Context, taskID string, c *Context) error
	Load(ctx context.Context, taskID string) (*Context, error)
	Update(ctx context.Context, taskID string, c *Context) error
	Delete(ctx context.Context, taskID string) error
	Backups(ctx context.Context, taskID string) ([]string, error)
}

// FileStore writes <root>/<taskID>.json and keeps rotated copies under
// <root>/backups/<taskID>/.
type FileStore struct {
	mu         sync.Mutex
	root       string
	maxBackups int
	scrubber   Scrubber
	logger     *zap.Logger
	now        func() time.Time
}

var _ Store = (*FileStore)(nil)

// Option configures a FileStore.
type Option func(*FileStore)

// WithMaxBackups sets how many backups are kept per task.
func WithMaxBackups(n int) Option {
	return func(s *FileStore) {
		if n >= 0 {
			s.maxBackups = n
		}
	}
}

// WithScrubber redacts conversation content on save.
func WithScrubber(sc Scrubber) Option { return func(s *FileStore) { s.scrubber = sc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *FileStore) { s.logger = l } }

// NewFileStore opens a store rooted at root.
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		root:       root,
		maxBackups: DefaultMaxBackups,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Join(root, "backups"), 0o700); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Path: root, Err: err}
	}
	return s, nil
}

func (s *FileStore) primaryPath(taskID string) string {
	return filepath.Join(s.root, taskID+".json")
}

func (s *FileStore) backupDir(taskID string) string {
	return filepath.Join(s.root, "backups", taskID)
}

func validID(taskID string) error {
	if taskID == "" || filepath.Base(taskID) != taskID || strings.HasPrefix(taskID, ".") {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	return nil
}

// Save backs up the current document, prunes old backups, then atomically
// replaces the document with c.
func (s *FileStore) Save(ctx context.Context, taskID string, c *Context) error {
	if err := validID(taskID); err != nil {
		return err
	}
	if c == nil {
		return errors.New("nil context")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := c
	if s.scrubber != nil {
		doc = c.Clone()
		for i := range doc.ConversationHistory {
			doc.ConversationHistory[i].Content = s.scrubber.Redact(doc.ConversationHistory[i].Content)
		}
		doc.InitialPrompt = s.scrubber.Redact(doc.InitialPrompt)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "marshal", Path: s.primaryPath(taskID), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backup(taskID); err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(s.primaryPath(taskID), data, 0o600); err != nil {
		return err
	}
	return nil
}

// Update is Save.
func (s *FileStore) Update(ctx context.Context, taskID string, c *Context) error {
	return s.Save(ctx, taskID, c)
}

// backup copies the current primary, if any, and prunes to maxBackups.
// Caller holds s.mu.
func (s *FileStore) backup(taskID string) error {
	primary := s.primaryPath(taskID)
	current, err := os.ReadFile(primary)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &PersistenceError{Op: "read", Path: primary, Err: err}
	}

	dir := s.backupDir(taskID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}

	stamp := s.now().UTC().Format(backupStamp)
	var path string
	for seq := 0; ; seq++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%06d.json", stamp, seq))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
	}
	if err := storage.WriteFileAtomic(path, current, 0o600); err != nil {
		return err
	}
	return s.prune(taskID)
}

func (s *FileStore) prune(taskID string) error {
	names, err := s.backupNames(taskID)
	if err != nil {
		return err
	}
	if len(names) <= s.maxBackups {
		return nil
	}
	// names are sorted oldest first
	for _, name := range names[:len(names)-s.maxBackups] {
		path := filepath.Join(s.backupDir(taskID), name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &PersistenceError{Op: "prune", Path: path, Err: err}
		}
	}
	return nil
}

func (s *FileStore) backupNames(taskID string) ([]string, error) {
	dir := s.backupDir(taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "read dir", Path: dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Backups lists backup paths newest first.
func (s *FileStore) Backups(_ context.Context, taskID string) ([]string, error) {
	if err := validID(taskID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.backupNames(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, name := range names {
		out[len(names)-1-i] = filepath.Join(s.backupDir(taskID), name)
	}
	return out, nil
}

// Load reads the context for taskID. A corrupt or unreadable document falls
// back to the newest backup that decodes.
func (s *FileStore) Load(ctx context.Context, taskID string) (*Context, error) {
	if err := validID(taskID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	primary := s.primaryPath(taskID)
	c, primaryErr := decodeFile(primary)
	if primaryErr == nil {
		return c, nil
	}

	names, err := s.backupNames(taskID)
	if err != nil {
		return nil, err
	}
	if errors.Is(primaryErr, ErrNotFound) && len(names) == 0 {
		return nil, fmt.Errorf("context %s: %w", taskID, ErrNotFound)
	}

	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(s.backupDir(taskID), names[i])
		c, err := decodeFile(path)
		if err != nil {
			s.logger.Warn("skipping unusable context backup", zap.String("path", path), zap.Error(err))
			continue
		}
		s.logger.Warn("recovered task context from backup",
			zap.String("task.id", taskID),
			zap.String("backup", path),
			zap.NamedError("primary_error", primaryErr))
		return c, nil
	}

	return nil, &PersistenceError{
		Op:   "load",
		Path: primary,
		Err:  fmt.Errorf("document and all %d backups unreadable: %w", len(names), primaryErr),
	}
}

// Delete removes the document and every backup.
func (s *FileStore) Delete(_ context.Context, taskID string) error {
	if err := validID(taskID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	primary := s.primaryPath(taskID)
	if err := os.Remove(primary); err != nil && !os.IsNotExist(err) {
		return &PersistenceError{Op: "remove", Path: primary, Err: err}
	}
	dir := s.backupDir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		return &PersistenceError{Op: "remove", Path: dir, Err: err}
	}
	return nil
}

func decodeFile(path string) (*Context, error) {
	var c Context
	if err := storage.ReadJSON(path, &c); err != nil {
		return nil, err
	}
	if c.TaskID == "" {
		return nil, &PersistenceError{Op: "decode", Path: path, Err: errors.New("missing taskId")}
	}
	rehydrate(&c)
	return &c, nil
}

// rehydrate converts ISO-8601 strings in free-form maps back into time.Time.
// Typed fields already decode as time.Time.
func rehydrate(c *Context) {
	c.Intent.Metadata = rehydrateMap(c.Intent.Metadata)
	for i := range c.TestResults {
		c.TestResults[i].Data = rehydrateMap(c.TestResults[i].Data)
	}
}

func rehydrateMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = rehydrateValue(v)
	}
	return m
}

func rehydrateValue(v any) any {
	switch val := v.(type) {
	case string:
		if isoTimestamp.MatchString(val) {
			if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
				return t
			}
		}
		return val
	case map[string]any:
		return rehydrateMap(val)
	case []any:
		for i := range val {
			val[i] = rehydrateValue(val[i])
		}
		return val
	default:
		return v
	}
}
