// Package taskcontext holds the mutable working state of a task and persists
// it with backup-before-write.
package taskcontext

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

// TestStatus is the validation state of a task's project.
type TestStatus string

const (
	TestPending TestStatus = "pending"
	TestRunning TestStatus = "running"
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ModificationType is the kind of change requested against a project.
type ModificationType string

const (
	AddFeature     ModificationType = "add_feature"
	FixBug         ModificationType = "fix_bug"
	ModifyExisting ModificationType = "modify_existing"
	RemoveFeature  ModificationType = "remove_feature"
)

// Valid reports whether t is part of the modification taxonomy.
func (t ModificationType) Valid() bool {
	switch t {
	case AddFeature, FixBug, ModifyExisting, RemoveFeature:
		return true
	}
	return false
}

// Priority of a modification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// ModificationStatus tracks a modification through execution.
type ModificationStatus string

const (
	ModPending    ModificationStatus = "pending"
	ModInProgress ModificationStatus = "in_progress"
	ModCompleted  ModificationStatus = "completed"
	ModFailed     ModificationStatus = "failed"
)

// ModificationRequest is a user-initiated change to an existing project.
type ModificationRequest struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"projectId"`
	Type        ModificationType   `json:"type"`
	Description string             `json:"description"`
	Priority    Priority           `json:"priority"`
	Status      ModificationStatus `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// NewModification returns a pending request with a fresh id.
func NewModification(projectID string, typ ModificationType, description string, priority Priority, now time.Time) ModificationRequest {
	if !priority.Valid() {
		priority = PriorityMedium
	}
	return ModificationRequest{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Type:        typ,
		Description: description,
		Priority:    priority,
		Status:      ModPending,
		CreatedAt:   now,
	}
}

// DownloadFormat is a packaging format.
type DownloadFormat string

const (
	FormatZip    DownloadFormat = "zip"
	FormatTar    DownloadFormat = "tar"
	FormatGit    DownloadFormat = "git"
	FormatFolder DownloadFormat = "folder"
)

// Valid reports whether f is a supported format.
func (f DownloadFormat) Valid() bool {
	switch f {
	case FormatZip, FormatTar, FormatGit, FormatFolder:
		return true
	}
	return false
}

// DownloadStatus tracks packaging.
type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadPreparing DownloadStatus = "preparing"
	DownloadReady     DownloadStatus = "ready"
	DownloadExpired   DownloadStatus = "expired"
)

// DownloadTTL is how long a download request stays valid.
const DownloadTTL = 24 * time.Hour

// DownloadRequest is a request to package the project.
type DownloadRequest struct {
	ID                 string         `json:"id"`
	ProjectID          string         `json:"projectId"`
	Format             DownloadFormat `json:"format"`
	IncludeNodeModules bool           `json:"includeNodeModules"`
	Status             DownloadStatus `json:"status"`
	DownloadURL        string         `json:"downloadUrl,omitempty"`
	Path               string         `json:"path,omitempty"`
	ExpiresAt          time.Time      `json:"expiresAt"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// NewDownload returns a pending request expiring ttl after now.
func NewDownload(projectID string, format DownloadFormat, includeNodeModules bool, now time.Time, ttl time.Duration) DownloadRequest {
	if ttl <= 0 {
		ttl = DownloadTTL
	}
	return DownloadRequest{
		ID:                 uuid.New().String(),
		ProjectID:          projectID,
		Format:             format,
		IncludeNodeModules: includeNodeModules,
		Status:             DownloadPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}
}

// EffectiveStatus reports expired once ExpiresAt has passed, whatever the
// stored status.
func (d DownloadRequest) EffectiveStatus(now time.Time) DownloadStatus {
	if !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt) {
		return DownloadExpired
	}
	return d.Status
}

// Options are the task creation options.
type Options struct {
	AutoStartServer   bool  `json:"autoStartServer"`
	AutoRunTests      bool  `json:"autoRunTests"`
	GenerateReport    bool  `json:"generateReport"`
	KeepAlive         bool  `json:"keepAlive"`
	MaxExecutionMS    int64 `json:"maxExecutionTime"` // milliseconds
	RetryOnFailure    bool  `json:"retryOnFailure"`
	MaxRetries        int   `json:"maxRetries"`
	CleanupOnComplete bool  `json:"cleanupOnComplete"`
}

// DefaultOptions returns the documented option defaults.
func DefaultOptions() Options {
	return Options{
		AutoStartServer: true,
		AutoRunTests:    true,
		GenerateReport:  true,
		MaxExecutionMS:  (30 * time.Minute).Milliseconds(),
		RetryOnFailure:  true,
		MaxRetries:      3,
	}
}

// MaxExecutionTime returns the pipeline deadline.
func (o Options) MaxExecutionTime() time.Duration {
	return time.Duration(o.MaxExecutionMS) * time.Millisecond
}

// StepRetries returns the per-step attempt budget these options imply.
func (o Options) StepRetries(fallback int) int {
	if !o.RetryOnFailure {
		return 1
	}
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return fallback
}

// Progress is the last emitted execution checkpoint.
type Progress struct {
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Context is the full mutable state of one task.
type Context struct {
	TaskID              string                  `json:"taskId"`
	UserID              string                  `json:"userId"`
	ProjectType         string                  `json:"projectType"`
	WorkingDirectory    string                  `json:"workingDirectory"`
	InitialPrompt       string                  `json:"initialPrompt,omitempty"`
	ConversationHistory []Message               `json:"conversationHistory"`
	CurrentFeatures     []string                `json:"currentFeatures"`
	Modifications       []ModificationRequest   `json:"modifications"`
	Downloads           []DownloadRequest       `json:"downloads,omitempty"`
	TestStatus          TestStatus              `json:"testStatus"`
	Intent              intelligence.Intent     `json:"intent"`
	Solution            *intelligence.Solution  `json:"solution,omitempty"`
	ServerURL           string                  `json:"serverUrl,omitempty"`
	TestResults         []validation.StepResult `json:"testResults"`
	Options             Options                 `json:"options"`
	Progress            Progress                `json:"progress"`
	ReportPath          string                  `json:"reportPath,omitempty"`
	CreatedAt           time.Time               `json:"createdAt"`
	LastAccessed        time.Time               `json:"lastAccessed"`
}

// New returns an empty context for a task.
func New(taskID, userID, projectType, workDir string, now time.Time) *Context {
	return &Context{
		TaskID:              taskID,
		UserID:              userID,
		ProjectType:         projectType,
		WorkingDirectory:    workDir,
		ConversationHistory: []Message{},
		CurrentFeatures:     []string{},
		Modifications:       []ModificationRequest{},
		TestStatus:          TestPending,
		TestResults:         []validation.StepResult{},
		Options:             DefaultOptions(),
		CreatedAt:           now,
		LastAccessed:        now,
	}
}

// AppendMessage records a conversation message.
func (c *Context) AppendMessage(role Role, content string, now time.Time) Message {
	m := Message{ID: uuid.New().String(), Role: role, Content: content, Timestamp: now}
	c.ConversationHistory = append(c.ConversationHistory, m)
	c.LastAccessed = now
	return m
}

// AddFeatures adds features not already present.
func (c *Context) AddFeatures(features ...string) {
	for _, f := range features {
		if f != "" && !slices.Contains(c.CurrentFeatures, f) {
			c.CurrentFeatures = append(c.CurrentFeatures, f)
		}
	}
}

// RemoveFeature drops a feature if present.
func (c *Context) RemoveFeature(feature string) {
	c.CurrentFeatures = slices.DeleteFunc(c.CurrentFeatures, func(f string) bool { return f == feature })
}

// Modification returns the modification with id.
func (c *Context) Modification(id string) *ModificationRequest {
	for i := range c.Modifications {
		if c.Modifications[i].ID == id {
			return &c.Modifications[i]
		}
	}
	return nil
}

// Download returns the download request with id.
func (c *Context) Download(id string) *DownloadRequest {
	for i := range c.Downloads {
		if c.Downloads[i].ID == id {
			return &c.Downloads[i]
		}
	}
	return nil
}

// Clone returns a copy whose slices and maps are not shared with c.
// Values inside free-form maps are copied shallowly.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.ConversationHistory = slices.Clone(c.ConversationHistory)
	out.CurrentFeatures = slices.Clone(c.CurrentFeatures)
	out.Modifications = slices.Clone(c.Modifications)
	out.Downloads = slices.Clone(c.Downloads)
	out.Intent.Features = slices.Clone(c.Intent.Features)
	out.Intent.Metadata = cloneMap(c.Intent.Metadata)
	out.TestResults = make([]validation.StepResult, len(c.TestResults))
	for i, r := range c.TestResults {
		r.Data = cloneMap(r.Data)
		out.TestResults[i] = r
	}
	if c.Solution != nil {
		s := *c.Solution
		s.Dependencies = cloneStrings(s.Dependencies)
		s.DevDependencies = cloneStrings(s.DevDependencies)
		s.Scripts = cloneStrings(s.Scripts)
		s.Structure = slices.Clone(s.Structure)
		out.Solution = &s
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DerivedProgress maps a test status to a completion percentage.
func DerivedProgress(s TestStatus) int {
	switch s {
	case TestRunning:
		return 50
	case TestFailed:
		return 75
	case TestPassed:
		return 100
	}
	return 25
}
