package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/logging"
	"github.com/fyrsmithlabs/scaffoldd/internal/report"
	"github.com/fyrsmithlabs/scaffoldd/internal/task"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/telemetry"
	"github.com/fyrsmithlabs/scaffoldd/internal/tools"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

// fakeRunner succeeds for every command unless told otherwise. Starting a
// process brings the fake server up.
type fakeRunner struct {
	mu        sync.Mutex
	commands  []string
	failing   map[string]string
	gate      chan struct{} // when set, "npm run build" waits for it
	started   chan struct{} // closed once the gated command is reached
	server    *fakeProber
	processes []*fakeProcess
}

func (r *fakeRunner) Run(ctx context.Context, _ string, command string) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	msg, failing := r.failing[command]
	gate, started := r.gate, r.started
	if gate != nil && command == "npm run build" {
		r.started = nil
	}
	r.mu.Unlock()

	if gate != nil && command == "npm run build" {
		if started != nil {
			close(started)
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failing {
		return msg, errors.New("exit status 1")
	}
	return "ok", nil
}

func (r *fakeRunner) Start(_ string, command string) (validation.Process, error) {
	p := &fakeProcess{}
	r.mu.Lock()
	r.commands = append(r.commands, "start: "+command)
	r.processes = append(r.processes, p)
	r.mu.Unlock()
	if r.server != nil && !r.server.never {
		r.server.up.Store(true)
	}
	return p, nil
}

func (r *fakeRunner) gateBuild() (release func(), reached <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate, started := make(chan struct{}), make(chan struct{})
	r.gate, r.started = gate, started
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }, started
}

func (r *fakeRunner) startedProcesses() []*fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeProcess(nil), r.processes...)
}

func (r *fakeRunner) ranTwice(command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c == command {
			n++
		}
	}
	return n > 1
}

func (r *fakeRunner) ran(command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.commands {
		if c == command {
			return true
		}
	}
	return false
}

type fakeProcess struct {
	stopped atomic.Bool
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Stop() error {
	p.stopped.Store(true)
	return nil
}

type fakeProber struct {
	up    atomic.Bool
	never bool
}

func (p *fakeProber) Probe(_ context.Context, url string) (int, error) {
	if p.up.Load() {
		return 200, nil
	}
	return 0, errors.New("connection refused: " + url)
}

// stubIntelligence answers with a fixed solution, or with change for
// modification requests.
type stubIntelligence struct {
	mu       sync.Mutex
	solution *intelligence.Solution
	change   *intelligence.Inference
	err      error
	calls    []intelligence.InferContext
}

func (s *stubIntelligence) Infer(_ context.Context, _ string, ic intelligence.InferContext) (*intelligence.Inference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ic)
	if s.err != nil {
		return nil, s.err
	}
	if ic.Modification != "" {
		if s.change == nil {
			return nil, errors.New("no change prepared")
		}
		return s.change, nil
	}
	return &intelligence.Inference{
		Intent:   intelligence.Intent{Domain: "productivity", Technology: "react", Features: []string{"todo list"}},
		Solution: s.solution,
	}, nil
}

func frontendSolution() *intelligence.Solution {
	return &intelligence.Solution{
		Framework:      "react",
		PackageManager: "npm",
		Dependencies:   map[string]string{"react": "^18.3.0"},
		Scripts: map[string]string{
			"build": "vite build",
			"test":  "vitest run",
			"start": "vite --port 3000",
		},
		Structure: []intelligence.FileSpec{
			{Path: "index.html", Content: "<div id=root></div>"},
			{Path: "src/App.jsx", Content: "export default () => null"},
		},
	}
}

// statusFailingStore rejects every status change.
type statusFailingStore struct {
	task.Store
}

func (s statusFailingStore) UpdateStatus(context.Context, string, task.Status) (bool, error) {
	return false, errors.New("disk full")
}

// systemNoteFailingStore rejects saves that end with a system message.
type systemNoteFailingStore struct {
	taskcontext.Store
}

func (s systemNoteFailingStore) Save(ctx context.Context, taskID string, c *taskcontext.Context) error {
	if n := len(c.ConversationHistory); n > 0 && c.ConversationHistory[n-1].Role == taskcontext.RoleSystem {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, taskID, c)
}

// blockingMessenger holds Generate until release is closed.
type blockingMessenger struct {
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingMessenger() *blockingMessenger {
	return &blockingMessenger{reached: make(chan struct{}), release: make(chan struct{})}
}

func (m *blockingMessenger) Generate(ctx context.Context, _ string) (string, error) {
	m.once.Do(func() { close(m.reached) })
	select {
	case <-m.release:
		return "Routing is handled by react-router.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch      *Orchestrator
	deps      Deps
	cfg       Config
	clock     *fakeClock
	tasks     *task.FileStore
	contexts  *taskcontext.FileStore
	runner    *fakeRunner
	prober    *fakeProber
	intel     *stubIntelligence
	telemetry *telemetry.TestTelemetry
	logs      *logging.TestLogger
	dataDir   string
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()

	tasks, err := task.NewFileStore(filepath.Join(dir, "tasks"), nil)
	require.NoError(t, err)
	contexts, err := taskcontext.NewFileStore(filepath.Join(dir, "contexts"))
	require.NoError(t, err)

	prober := &fakeProber{}
	runner := &fakeRunner{failing: map[string]string{}, server: prober}
	intel := &stubIntelligence{solution: frontendSolution()}
	tel := telemetry.NewTestTelemetry()

	engine := validation.NewEngine(
		validation.WithRunner(runner),
		validation.WithProber(prober),
		validation.WithSettle(0),
		validation.WithTracer(tel.Tracer("test")),
	)

	cfg := DefaultConfig()
	cfg.Validation.StepTimeout = 5 * time.Second
	cfg.DownloadsDir = filepath.Join(dir, "downloads")
	cfg.ReportsDir = filepath.Join(dir, "reports")

	deps := Deps{
		Tasks:        tasks,
		Contexts:     contexts,
		Validator:    engine,
		Tools:        tools.NewLocalExecutor(runner, cfg.DownloadsDir, nil),
		Reports:      report.NewMarkdownRenderer(cfg.ReportsDir),
		Intelligence: intel,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	logs := logging.NewTestLogger()
	orch, err := New(deps, cfg,
		WithTracer(tel.Tracer(instrumentationName)),
		WithClock(clock.Now),
		WithLogger(logs.Underlying()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	return &harness{
		orch:      orch,
		deps:      deps,
		cfg:       cfg,
		clock:     clock,
		tasks:     tasks,
		contexts:  contexts,
		runner:    runner,
		prober:    prober,
		intel:     intel,
		telemetry: tel,
		logs:      logs,
		dataDir:   dir,
	}
}

func (h *harness) create(t *testing.T, projectType string, opts ...func(*CreateRequest)) string {
	t.Helper()
	req := CreateRequest{
		Name:          "todo app",
		Description:   "a small todo app",
		ProjectType:   projectType,
		UserID:        "user-1",
		InitialPrompt: "Build me a todo app with React",
	}
	for _, opt := range opts {
		opt(&req)
	}
	res := h.orch.CreatePersistentTask(context.Background(), req)
	require.True(t, res.Success, res.Error)
	return res.Data.(*TaskStatus).ID
}

func (h *harness) status(t *testing.T, id string) *TaskStatus {
	t.Helper()
	res := h.orch.GetTaskStatus(context.Background(), id)
	require.True(t, res.Success, res.Error)
	return res.Data.(*TaskStatus)
}

func (h *harness) summary(t *testing.T, id string) *TaskSummary {
	t.Helper()
	res := h.orch.GetTaskSummary(context.Background(), id)
	require.True(t, res.Success, res.Error)
	return res.Data.(*TaskSummary)
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func types(evts []events.Event) []events.Type {
	out := make([]events.Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func progressPoints(evts []events.Event) []int {
	var out []int
	for _, e := range evts {
		if e.Type == events.TaskProgress {
			out = append(out, e.Payload["percent"].(int))
		}
	}
	return out
}

func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
