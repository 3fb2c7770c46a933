package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/interaction"
	"github.com/fyrsmithlabs/scaffoldd/internal/logging"
	"github.com/fyrsmithlabs/scaffoldd/internal/report"
	"github.com/fyrsmithlabs/scaffoldd/internal/storage"
	"github.com/fyrsmithlabs/scaffoldd/internal/task"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/tools"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/scaffoldd/internal/orchestrator"

// Validator runs validation plans. *validation.Engine satisfies it.
type Validator interface {
	Run(ctx context.Context, plan validation.Plan) *validation.Report
}

// Deps are the collaborators of an Orchestrator. Tasks, Contexts, Validator
// and Tools are required.
type Deps struct {
	Tasks        task.Store
	Contexts     taskcontext.Store
	Validator    Validator
	Tools        tools.Executor
	Reports      report.Renderer
	Intelligence intelligence.Service
	Messenger    intelligence.Messenger

	// Bus is created by New when nil and then closed by Close.
	Bus *events.Bus
}

// Config tunes orchestration.
type Config struct {
	Validation validation.Options

	// MaxExecutionTime applies when a task's own option is zero.
	MaxExecutionTime time.Duration

	DownloadTTL       time.Duration
	DownloadURLPrefix string
	DownloadsDir      string
	ReportsDir        string

	// ApplyModifications executes a modification right after it is
	// recorded.
	ApplyModifications bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Validation:         validation.DefaultOptions(),
		MaxExecutionTime:   30 * time.Minute,
		DownloadTTL:        taskcontext.DownloadTTL,
		DownloadURLPrefix:  "/api/v1/tasks",
		ApplyModifications: true,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// entry is the in-memory state of one task. mu serializes every access to
// ctx and the execution fields.
type entry struct {
	mu        sync.Mutex
	ctx       *taskcontext.Context // nil when evicted; reloaded on demand
	executing bool
	cancel    context.CancelFunc
	processes []validation.Process
	deleted   bool
}

func (e *entry) stopProcesses() {
	for _, p := range e.processes {
		_ = p.Stop()
	}
	e.processes = nil
}

// Orchestrator is the task state machine.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	router  *interaction.Router
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
	ownsBus bool

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("orchestrator: task store is required")
	case deps.Contexts == nil:
		return nil, errors.New("orchestrator: context store is required")
	case deps.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case deps.Tools == nil:
		return nil, errors.New("orchestrator: tool executor is required")
	}
	def := DefaultConfig()
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = def.MaxExecutionTime
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = def.DownloadTTL
	}
	if cfg.DownloadURLPrefix == "" {
		cfg.DownloadURLPrefix = def.DownloadURLPrefix
	}

	o := &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.deps.Bus == nil {
		o.deps.Bus = events.NewBus(256, o.logger)
		o.ownsBus = true
	}
	o.router = interaction.NewRouter(deps.Messenger, o.logger)
	return o, nil
}

// Events returns the bus lifecycle events are published on.
func (o *Orchestrator) Events() *events.Bus { return o.deps.Bus }

func (o *Orchestrator) emit(typ events.Type, taskID string, payload map[string]any) {
	o.deps.Bus.Publish(events.Event{Type: typ, TaskID: taskID, Timestamp: o.now(), Payload: payload})
}

// guard converts a panic in a public method into an internal-error result.
func (o *Orchestrator) guard(res *Result, op string) {
	if r := recover(); r != nil {
		o.logger.Error("orchestrator operation panicked",
			zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
		*res = Result{Error: fmt.Sprintf("internal error during %s: %v", op, r), Code: CodeInternal}
	}
}

func (o *Orchestrator) entryFor(id string) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		e = &entry{}
		o.entries[id] = e
	}
	return e
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.entries, id)
	o.mu.Unlock()
}

// acquire locks the entry of id and makes sure its context is loaded. The
// caller must unlock e.mu.
func (o *Orchestrator) acquire(ctx context.Context, id string) (*entry, *task.Task, error) {
	if _, err := o.getTask(ctx, id); err != nil {
		return nil, nil, err
	}
	e := o.entryFor(id)
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, nil, &NotFoundError{ID: id}
	}
	// Re-read under the lock: status only changes while it is held.
	t, err := o.getTask(ctx, id)
	if err != nil {
		e.mu.Unlock()
		var nf *NotFoundError
		if errors.As(err, &nf) {
			o.forget(id)
		}
		return nil, nil, err
	}
	if e.ctx == nil {
		c, err := o.loadContext(ctx, t)
		if err != nil {
			e.mu.Unlock()
			return nil, nil, err
		}
		e.ctx = c
	}
	return e, t, nil
}

// locked runs fn under e.mu unless the task was deleted meanwhile.
// log returns the logger carrying ctx's correlation fields.
func (o *Orchestrator) log(ctx context.Context) *zap.Logger {
	return logging.For(ctx, o.logger)
}

func (o *Orchestrator) locked(id string, e *entry, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return &NotFoundError{ID: id}
	}
	if e.ctx == nil {
		return &NotFoundError{ID: id}
	}
	return fn()
}

func (o *Orchestrator) getTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := o.deps.Tasks.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	return t, err
}

func (o *Orchestrator) loadContext(ctx context.Context, t *task.Task) (*taskcontext.Context, error) {
	c, err := o.deps.Contexts.Load(ctx, t.ID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, taskcontext.ErrNotFound) {
		return nil, err
	}
	o.logger.Warn("task has no context, starting a fresh one", zap.String("task.id", t.ID))
	c = taskcontext.New(t.ID, t.UserID, t.ProjectType, t.WorkingDirectory, o.now())
	c.TestResults = append(c.TestResults, t.TestResults...)
	c.ServerURL = t.ServerURL
	if err := o.deps.Contexts.Save(ctx, t.ID, c); err != nil {
		return nil, err
	}
	return c, nil
}

// save persists e.ctx. Cancellation of ctx does not prevent the write.
func (o *Orchestrator) save(ctx context.Context, id string, e *entry) error {
	e.ctx.LastAccessed = o.now()
	return o.deps.Contexts.Save(context.WithoutCancel(ctx), id, e.ctx)
}

func (o *Orchestrator) setStatus(ctx context.Context, id string, status task.Status) (bool, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return false, err
	}
	changed := t.Status != status
	if _, err := o.deps.Tasks.UpdateStatus(context.WithoutCancel(ctx), id, status); err != nil {
		return false, err
	}
	if changed {
		o.refreshActive(ctx)
	}
	return changed, nil
}

func (o *Orchestrator) refreshActive(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	active, err := o.deps.Tasks.List(context.WithoutCancel(ctx), task.ListFilter{Status: task.StatusActive})
	if err == nil {
		o.metrics.setActive(len(active))
	}
}

// setProgress records a checkpoint and publishes it. Caller holds e.mu.
func (o *Orchestrator) setProgress(id string, e *entry, percent int, msg string) {
	e.ctx.Progress = taskcontext.Progress{Percent: percent, Message: msg, UpdatedAt: o.now()}
	o.emit(events.TaskProgress, id, map[string]any{"percent": percent, "message": msg})
}

func (o *Orchestrator) view(t *task.Task, e *entry) TaskStatus {
	c := e.ctx
	return TaskStatus{
		ID:              t.ID,
		Name:            t.Name,
		ProjectType:     t.ProjectType,
		UserID:          t.UserID,
		Status:          DerivedStatus(t.Status, c.TestStatus),
		StoredStatus:    t.Status,
		TestStatus:      c.TestStatus,
		Progress:        Progress(t.Status, c.TestStatus),
		ProgressMessage: c.Progress.Message,
		Executing:       e.executing,
		ServerURL:       firstNonEmpty(c.ServerURL, t.ServerURL),
		CreatedAt:       t.CreatedAt,
		LastAccessed:    t.LastAccessed,
	}
}

// CreatePersistentTask creates a task and its context in the active state.
func (o *Orchestrator) CreatePersistentTask(ctx context.Context, req CreateRequest) (res Result) {
	defer o.guard(&res, "create")

	req.Name = strings.TrimSpace(req.Name)
	req.ProjectType = strings.ToLower(strings.TrimSpace(req.ProjectType))
	if req.Name == "" {
		return fail(invalidf("name is required"))
	}
	if req.ProjectType == "" {
		return fail(invalidf("projectType is required"))
	}
	opts := req.Options.apply(taskcontext.DefaultOptions())
	if opts.MaxExecutionMS < 0 || opts.MaxRetries < 0 {
		return fail(invalidf("maxExecutionTime and maxRetries must not be negative"))
	}

	t, err := o.deps.Tasks.Create(ctx, req.Name, req.Description, task.CreateMeta{
		ProjectType: req.ProjectType,
		UserID:      req.UserID,
	})
	if err != nil {
		return fail(err)
	}

	now := o.now()
	c := taskcontext.New(t.ID, t.UserID, t.ProjectType, t.WorkingDirectory, now)
	c.InitialPrompt = req.InitialPrompt
	c.Options = opts
	if req.InitialPrompt != "" {
		c.AppendMessage(taskcontext.RoleUser, req.InitialPrompt, now)
	}
	if err := o.deps.Contexts.Save(ctx, t.ID, c); err != nil {
		if _, derr := o.deps.Tasks.Delete(context.WithoutCancel(ctx), t.ID); derr != nil {
			o.logger.Error("rollback of task creation failed", zap.String("task.id", t.ID), zap.Error(derr))
		}
		return fail(err)
	}

	e := o.entryFor(t.ID)
	e.mu.Lock()
	e.ctx = c
	v := o.view(t, e)
	e.mu.Unlock()

	o.metrics.taskCreated()
	o.refreshActive(ctx)
	o.emit(events.TaskCreated, t.ID, map[string]any{
		"name":        t.Name,
		"projectType": t.ProjectType,
		"userId":      t.UserID,
	})
	o.logger.Info("persistent task created",
		zap.String("task.id", t.ID), zap.String("project_type", t.ProjectType))
	return ok(&v)
}

// PauseTask moves a non-terminal task to paused. Pausing a paused task
// succeeds without change.
func (o *Orchestrator) PauseTask(ctx context.Context, id string) (res Result) {
	defer o.guard(&res, "pause")

	e, t, err := o.acquire(ctx, id)
	if err != nil {
		return fail(err)
	}
	defer e.mu.Unlock()

	if t.Status.Terminal() {
		return fail(&StateError{ID: id, From: t.Status, Op: "pause"})
	}
	if e.executing {
		return fail(&StateError{ID: id, From: t.Status, Op: "pause", Reason: "execution in progress"})
	}
	changed, err := o.setStatus(ctx, id, task.StatusPaused)
	if err != nil {
		return fail(err)
	}
	if changed {
		o.emit(events.TaskPaused, id, nil)
	}
	t.Status = task.StatusPaused
	v := o.view(t, e)
	return ok(&v)
}

// ResumeTask moves a paused task back to active. Resuming an active task
// succeeds without change.
func (o *Orchestrator) ResumeTask(ctx context.Context, id string) (res Result) {
	defer o.guard(&res, "resume")

	e, t, err := o.acquire(ctx, id)
	if err != nil {
		return fail(err)
	}
	defer e.mu.Unlock()

	switch t.Status {
	case task.StatusActive:
	case task.StatusPaused:
		if _, err := o.setStatus(ctx, id, task.StatusActive); err != nil {
			return fail(err)
		}
		o.emit(events.TaskResumed, id, nil)
		t.Status = task.StatusActive
	default:
		return fail(&StateError{ID: id, From: t.Status, Op: "resume"})
	}
	v := o.view(t, e)
	return ok(&v)
}

// CompleteTask forces the completed status and re-renders the report from
// the current context without validating.
func (o *Orchestrator) CompleteTask(ctx context.Context, id string) (res Result) {
	defer o.guard(&res, "complete")

	e, t, err := o.acquire(ctx, id)
	if err != nil {
		return fail(err)
	}
	defer e.mu.Unlock()

	if e.executing {
		return fail(&StateError{ID: id, From: t.Status, Op: "complete", Reason: "execution in progress"})
	}

	if o.deps.Reports != nil {
		validated := e.ctx.TestStatus == taskcontext.TestPassed || e.ctx.TestStatus == taskcontext.TestFailed
		data := o.reportData(t, e.ctx, task.StatusCompleted, validated, nil)
		path, err := o.deps.Reports.Render(ctx, data)
		if err != nil {
			return fail(&PipelineError{Stage: "report", Err: err})
		}
		e.ctx.ReportPath = path
		o.emit(events.ReportGenerated, id, map[string]any{"path": path})
	}
	e.ctx.Progress = taskcontext.Progress{Percent: 100, Message: "Completed manually", UpdatedAt: o.now()}
	if err := o.save(ctx, id, e); err != nil {
		return fail(err)
	}
	if _, err := o.setStatus(ctx, id, task.StatusCompleted); err != nil {
		return fail(err)
	}
	o.emit(events.TaskCompleted, id, map[string]any{"forced": true, "reportPath": e.ctx.ReportPath})

	t.Status = task.StatusCompleted
	v := o.view(t, e)
	return ok(&v)
}

// DeleteTask removes a task, its context, backups, downloads and reports.
// A running execution is cancelled.
func (o *Orchestrator) DeleteTask(ctx context.Context, id string) (res Result) {
	defer o.guard(&res, "delete")

	if err := o.delete(ctx, id); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"taskId": id, "deleted": true})
}

func (o *Orchestrator) delete(ctx context.Context, id string) error {
	if _, err := o.getTask(ctx, id); err != nil {
		return err
	}
	e := o.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return &NotFoundError{ID: id}
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.stopProcesses()

	if err := o.deps.Contexts.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := o.deps.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	if o.cfg.DownloadsDir != "" {
		if err := os.RemoveAll(filepath.Join(o.cfg.DownloadsDir, filepath.Base(id))); err != nil {
			o.logger.Warn("failed to remove downloads", zap.String("task.id", id), zap.Error(err))
		}
	}
	if o.cfg.ReportsDir != "" {
		if err := report.Remove(o.cfg.ReportsDir, id); err != nil {
			o.logger.Warn("failed to remove reports", zap.String("task.id", id), zap.Error(err))
		}
	}

	e.deleted = true
	e.ctx = nil
	o.forget(id)
	o.refreshActive(ctx)
	o.emit(events.TaskDeleted, id, nil)
	o.logger.Info("task deleted", zap.String("task.id", id))
	return nil
}

// GetTaskStatus returns the status view of a task.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, id string) (res Result) {
	defer o.guard(&res, "status")

	e, t, err := o.acquire(ctx, id)
	if err != nil {
		return fail(err)
	}
	defer e.mu.Unlock()
	v := o.view(t, e)
	return ok(&v)
}

// GetTaskSummary returns the status view plus the task's history.
func (o *Orchestrator) GetTaskSummary(ctx context.Context, id string) (res Result) {
	defer o.guard(&res, "summary")

	e, t, err := o.acquire(ctx, id)
	if err != nil {
		return fail(err)
	}
	defer e.mu.Unlock()

	c := e.ctx.Clone()
	now := o.now()
	for i := range c.Downloads {
		c.Downloads[i].Status = c.Downloads[i].EffectiveStatus(now)
	}
	s := TaskSummary{
		TaskStatus:       o.view(t, e),
		Description:      t.Description,
		WorkingDirectory: c.WorkingDirectory,
		Intent:           c.Intent,
		Features:         c.CurrentFeatures,
		Modifications:    c.Modifications,
		Downloads:        c.Downloads,
		TestResults:      c.TestResults,
		ReportPath:       c.ReportPath,
		MessageCount:     len(c.ConversationHistory),
	}
	if c.Solution != nil {
		s.Framework = c.Solution.Framework
	}
	const recent = 10
	s.RecentMessages = c.ConversationHistory
	if len(s.RecentMessages) > recent {
		s.RecentMessages = s.RecentMessages[len(s.RecentMessages)-recent:]
	}
	return ok(&s)
}

// ListTasks returns status views of every task, optionally for one user.
func (o *Orchestrator) ListTasks(ctx context.Context, userID string) (res Result) {
	defer o.guard(&res, "list")

	views, err := o.views(ctx, task.ListFilter{UserID: userID})
	if err != nil {
		return fail(err)
	}
	return ok(views)
}

func (o *Orchestrator) views(ctx context.Context, filter task.ListFilter) ([]TaskStatus, error) {
	tasks, err := o.deps.Tasks.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		e, current, err := o.acquire(ctx, t.ID)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		out = append(out, o.view(current, e))
		e.mu.Unlock()
	}
	return out, nil
}

// GetTaskStatistics aggregates every task.
func (o *Orchestrator) GetTaskStatistics(ctx context.Context) (res Result) {
	defer o.guard(&res, "statistics")

	tasks, err := o.deps.Tasks.List(ctx, task.ListFilter{})
	if err != nil {
		return fail(err)
	}
	stats := Statistics{ByStatus: map[string]int{}, ByProjectType: map[string]int{}}
	progress := 0
	for _, t := range tasks {
		e, current, err := o.acquire(ctx, t.ID)
		if err != nil {
			continue
		}
		v := o.view(current, e)
		stats.Total++
		stats.ByStatus[string(v.Status)]++
		stats.ByProjectType[v.ProjectType]++
		progress += v.Progress
		if e.executing {
			stats.Executing++
		}
		switch e.ctx.TestStatus {
		case taskcontext.TestPassed:
			stats.TestsPassed++
		case taskcontext.TestFailed:
			stats.TestsFailed++
		}
		for _, m := range e.ctx.Modifications {
			stats.Modifications++
			if m.Status == taskcontext.ModPending {
				stats.PendingModifications++
			}
		}
		e.mu.Unlock()
	}
	if stats.Total > 0 {
		stats.AverageProgress = float64(progress) / float64(stats.Total)
	}
	return ok(&stats)
}

// CleanupCompletedTasks deletes every completed task.
func (o *Orchestrator) CleanupCompletedTasks(ctx context.Context) (res Result) {
	defer o.guard(&res, "cleanup")

	done, err := o.deps.Tasks.List(ctx, task.ListFilter{Status: task.StatusCompleted})
	if err != nil {
		return fail(err)
	}
	cleaned := 0
	var errs []error
	for _, t := range done {
		if err := o.delete(ctx, t.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		cleaned++
	}
	if len(errs) > 0 {
		o.logger.Warn("cleanup skipped some tasks", zap.Int("failed", len(errs)), zap.Error(errors.Join(errs...)))
	}
	o.logger.Info("completed tasks cleaned up", zap.Int("count", cleaned))
	return ok(map[string]any{"cleanedCount": cleaned})
}

// Recover loads every persisted task into memory. A task whose context
// shows a run in progress was interrupted by a restart; it is marked error.
func (o *Orchestrator) Recover(ctx context.Context) (res Result) {
	defer o.guard(&res, "recover")

	tasks, err := o.deps.Tasks.List(ctx, task.ListFilter{})
	if err != nil {
		return fail(err)
	}
	recovered, interrupted, failed := 0, 0, 0
	for _, t := range tasks {
		e, current, err := o.acquire(ctx, t.ID)
		if err != nil {
			failed++
			o.logger.Error("failed to recover task", zap.String("task.id", t.ID), zap.Error(err))
			continue
		}
		if e.ctx.TestStatus == taskcontext.TestRunning && !e.executing {
			interrupted++
			e.ctx.TestStatus = taskcontext.TestFailed
			e.ctx.AppendMessage(taskcontext.RoleSystem, "Execution was interrupted by a restart.", o.now())
			if err := o.save(ctx, t.ID, e); err != nil {
				o.logger.Error("failed to save interrupted task context", zap.String("task.id", t.ID), zap.Error(err))
			} else if current.Status == task.StatusActive {
				if _, err := o.setStatus(ctx, t.ID, task.StatusError); err != nil {
					o.logger.Error("failed to mark interrupted task as error", zap.String("task.id", t.ID), zap.Error(err))
				}
			}
		}
		recovered++
		e.mu.Unlock()
	}
	o.refreshActive(ctx)
	o.logger.Info("tasks recovered",
		zap.Int("recovered", recovered), zap.Int("interrupted", interrupted), zap.Int("failed", failed))
	return ok(map[string]any{"recovered": recovered, "interrupted": interrupted, "failed": failed})
}

// ExpireDownloads marks overdue download requests expired and removes
// their artifacts.
func (o *Orchestrator) ExpireDownloads(ctx context.Context) (res Result) {
	defer o.guard(&res, "expire downloads")

	tasks, err := o.deps.Tasks.List(ctx, task.ListFilter{})
	if err != nil {
		return fail(err)
	}
	now := o.now()
	expired := 0
	for _, t := range tasks {
		e, _, err := o.acquire(ctx, t.ID)
		if err != nil {
			continue
		}
		changed := false
		for i := range e.ctx.Downloads {
			d := &e.ctx.Downloads[i]
			if d.Status == taskcontext.DownloadExpired || d.EffectiveStatus(now) != taskcontext.DownloadExpired {
				continue
			}
			if d.Path != "" {
				if err := os.RemoveAll(d.Path); err != nil {
					o.logger.Warn("failed to remove expired download", zap.String("path", d.Path), zap.Error(err))
				}
			}
			d.Status = taskcontext.DownloadExpired
			d.DownloadURL = ""
			d.Path = ""
			changed = true
			expired++
		}
		if changed {
			if err := o.save(ctx, t.ID, e); err != nil {
				o.logger.Error("failed to persist expired downloads", zap.String("task.id", t.ID), zap.Error(err))
			}
		}
		e.mu.Unlock()
	}
	return ok(map[string]any{"expiredCount": expired})
}

// GetDownload returns one download request with its effective status.
func (o *Orchestrator) GetDownload(ctx context.Context, taskID, downloadID string) (res Result) {
	defer o.guard(&res, "download")

	e, _, err := o.acquire(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	defer e.mu.Unlock()

	d := e.ctx.Download(downloadID)
	if d == nil {
		return fail(fmt.Errorf("download %s of task %s: %w", downloadID, taskID, storage.ErrNotFound))
	}
	out := *d
	out.Status = out.EffectiveStatus(o.now())
	return ok(&out)
}

// Close cancels running executions, stops kept-alive servers and closes the
// bus if New created it.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.stopProcesses()
		e.mu.Unlock()
	}
	if o.ownsBus {
		o.deps.Bus.Close()
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
