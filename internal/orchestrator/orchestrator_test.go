package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
	"github.com/fyrsmithlabs/scaffoldd/internal/logging"
	"github.com/fyrsmithlabs/scaffoldd/internal/report"
	"github.com/fyrsmithlabs/scaffoldd/internal/task"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)

	deps := h.deps
	deps.Validator = nil
	_, err := New(deps, DefaultConfig())
	assert.ErrorContains(t, err, "validator")

	deps = h.deps
	deps.Tasks = nil
	_, err = New(deps, DefaultConfig())
	assert.ErrorContains(t, err, "task store")
}

func TestCreatePersistentTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.orch.Events().Subscribe(nil)
	defer sub.Close()

	res := h.orch.CreatePersistentTask(ctx, CreateRequest{
		Name:          "  todo app ",
		ProjectType:   "Frontend",
		UserID:        "user-1",
		InitialPrompt: "Build me a todo app",
	})
	require.True(t, res.Success, res.Error)
	st := res.Data.(*TaskStatus)

	assert.NotEmpty(t, st.ID)
	assert.Equal(t, "todo app", st.Name)
	assert.Equal(t, "frontend", st.ProjectType)
	assert.Equal(t, task.StatusActive, st.Status)
	assert.Equal(t, 25, st.Progress)
	assert.False(t, st.Executing)

	c, err := h.contexts.Load(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, c.ConversationHistory, 1)
	assert.Equal(t, taskcontext.RoleUser, c.ConversationHistory[0].Role)
	assert.Equal(t, taskcontext.DefaultOptions(), c.Options)

	evts := drain(sub)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.TaskCreated, evts[0].Type)
	assert.Equal(t, st.ID, evts[0].TaskID)
}

func TestCreatePersistentTask_Options(t *testing.T) {
	h := newHarness(t)
	keep, retries := true, 5
	id := h.create(t, "backend", func(r *CreateRequest) {
		r.Options = &CreateOptions{KeepAlive: &keep, MaxRetries: &retries}
	})

	c, err := h.contexts.Load(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, c.Options.KeepAlive)
	assert.Equal(t, 5, c.Options.MaxRetries)
	assert.True(t, c.Options.GenerateReport, "unset options keep their defaults")
}

func TestCreatePersistentTask_Invalid(t *testing.T) {
	h := newHarness(t)
	negative := -1

	for name, req := range map[string]CreateRequest{
		"missing name":         {ProjectType: "frontend"},
		"missing project type": {Name: "x"},
		"negative retries":     {Name: "x", ProjectType: "frontend", Options: &CreateOptions{MaxRetries: &negative}},
	} {
		t.Run(name, func(t *testing.T) {
			res := h.orch.CreatePersistentTask(context.Background(), req)
			assert.False(t, res.Success)
			assert.Equal(t, CodeInvalidRequest, res.Code)
		})
	}

	all, err := h.tasks.List(context.Background(), task.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "frontend")

	res := h.orch.PauseTask(ctx, id)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, task.StatusPaused, res.Data.(*TaskStatus).Status)

	res = h.orch.PauseTask(ctx, id)
	require.True(t, res.Success, "pausing twice is a no-op")
	assert.Equal(t, task.StatusPaused, h.status(t, id).Status)

	res = h.orch.ExecuteTask(ctx, id)
	assert.Equal(t, CodeConflict, res.Code, "paused tasks do not execute")

	res = h.orch.ResumeTask(ctx, id)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, task.StatusActive, h.status(t, id).Status)

	res = h.orch.ResumeTask(ctx, id)
	assert.True(t, res.Success, "resuming an active task is a no-op")
}

func TestCompleteTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "frontend")

	res := h.orch.CompleteTask(ctx, id)
	require.True(t, res.Success, res.Error)
	st := h.status(t, id)
	assert.Equal(t, task.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)

	sum := h.summary(t, id)
	require.NotEmpty(t, sum.ReportPath)
	body, err := os.ReadFile(sum.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(body), "todo app")

	assert.Equal(t, CodeConflict, h.orch.PauseTask(ctx, id).Code)
	assert.Equal(t, CodeConflict, h.orch.ResumeTask(ctx, id).Code)
	assert.Equal(t, CodeConflict, h.orch.ExecuteTask(ctx, id).Code)
}

func TestUnknownTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for name, res := range map[string]Result{
		"status":  h.orch.GetTaskStatus(ctx, "missing"),
		"summary": h.orch.GetTaskSummary(ctx, "missing"),
		"pause":   h.orch.PauseTask(ctx, "missing"),
		"execute": h.orch.ExecuteTask(ctx, "missing"),
		"delete":  h.orch.DeleteTask(ctx, "missing"),
	} {
		assert.False(t, res.Success, name)
		assert.Equal(t, CodeNotFound, res.Code, name)
	}
}

func TestDeleteTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "frontend")
	require.True(t, h.orch.ExecuteTask(ctx, id).Success)
	sum := h.summary(t, id)
	require.FileExists(t, sum.ReportPath)

	res := h.orch.DeleteTask(ctx, id)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, CodeNotFound, h.orch.GetTaskStatus(ctx, id).Code)
	_, err := h.contexts.Load(ctx, id)
	assert.ErrorIs(t, err, taskcontext.ErrNotFound)
	assert.NoFileExists(t, sum.ReportPath)
	paths, err := report.Paths(h.cfg.ReportsDir, id)
	require.NoError(t, err)
	assert.Empty(t, paths)

	assert.Equal(t, CodeNotFound, h.orch.DeleteTask(ctx, id).Code)
}

// Four tasks, three of them completed: cleanup removes exactly those three.
func TestCleanupCompletedTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var done []string
	for i := 0; i < 3; i++ {
		id := h.create(t, "frontend")
		require.True(t, h.orch.CompleteTask(ctx, id).Success)
		done = append(done, id)
	}
	keep := h.create(t, "backend")

	res := h.orch.CleanupCompletedTasks(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.Data.(map[string]any)["cleanedCount"])

	for _, id := range done {
		assert.Equal(t, CodeNotFound, h.orch.GetTaskStatus(ctx, id).Code)
	}
	list := h.orch.ListTasks(ctx, "")
	require.True(t, list.Success)
	views := list.Data.([]TaskStatus)
	require.Len(t, views, 1)
	assert.Equal(t, keep, views[0].ID)
}

func TestListTasks_FiltersByUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "frontend")
	other := h.create(t, "backend", func(r *CreateRequest) { r.UserID = "user-2" })

	res := h.orch.ListTasks(ctx, "user-2")
	require.True(t, res.Success)
	views := res.Data.([]TaskStatus)
	require.Len(t, views, 1)
	assert.Equal(t, other, views[0].ID)

	res = h.orch.ListTasks(ctx, "")
	assert.Len(t, res.Data.([]TaskStatus), 2)
}

func TestGetTaskStatistics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ran := h.create(t, "frontend")
	h.create(t, "backend")
	require.True(t, h.orch.ExecuteTask(ctx, ran).Success)

	res := h.orch.GetTaskStatistics(ctx)
	require.True(t, res.Success, res.Error)
	stats := res.Data.(*Statistics)

	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(task.StatusCompleted)])
	assert.Equal(t, 1, stats.ByStatus[string(task.StatusActive)])
	assert.Equal(t, 1, stats.ByProjectType["frontend"])
	assert.Equal(t, 1, stats.TestsPassed)
	assert.InDelta(t, 62.5, stats.AverageProgress, 0.001)
}

func TestRecover_MarksInterruptedRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "frontend")
	idle := h.create(t, "backend")

	// Simulate a daemon that died mid-run.
	c, err := h.contexts.Load(ctx, id)
	require.NoError(t, err)
	c.TestStatus = taskcontext.TestRunning
	require.NoError(t, h.contexts.Save(ctx, id, c))

	restarted, err := New(h.deps, h.cfg)
	require.NoError(t, err)
	defer restarted.Close()

	res := restarted.Recover(ctx)
	require.True(t, res.Success, res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, 2, data["recovered"])
	assert.Equal(t, 1, data["interrupted"])

	st := restarted.GetTaskStatus(ctx, id).Data.(*TaskStatus)
	assert.Equal(t, task.StatusError, st.Status)
	assert.Equal(t, taskcontext.TestFailed, st.TestStatus)
	assert.Equal(t, task.StatusActive, restarted.GetTaskStatus(ctx, idle).Data.(*TaskStatus).Status)
}

func TestRecover_LogsStatusFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "frontend")

	c, err := h.contexts.Load(ctx, id)
	require.NoError(t, err)
	c.TestStatus = taskcontext.TestRunning
	require.NoError(t, h.contexts.Save(ctx, id, c))

	deps := h.deps
	deps.Tasks = statusFailingStore{Store: h.tasks}
	logs := logging.NewTestLogger()
	restarted, err := New(deps, h.cfg, WithLogger(logs.Underlying()))
	require.NoError(t, err)
	defer restarted.Close()

	res := restarted.Recover(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Data.(map[string]any)["interrupted"])
	logs.AssertLogged(t, zapcore.ErrorLevel, "failed to mark interrupted task as error")
	logs.AssertField(t, "failed to mark interrupted task as error", "task.id", id)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 100, Progress(task.StatusCompleted, taskcontext.TestFailed))
	assert.Equal(t, 0, Progress(task.StatusError, taskcontext.TestPassed))
	assert.Equal(t, 50, Progress(task.StatusActive, taskcontext.TestRunning))
	assert.Equal(t, 25, Progress(task.StatusPaused, ""))
}

func TestDerivedStatus(t *testing.T) {
	assert.Equal(t, task.StatusCompleted, DerivedStatus(task.StatusActive, taskcontext.TestPassed))
	assert.Equal(t, task.StatusError, DerivedStatus(task.StatusActive, taskcontext.TestFailed))
	assert.Equal(t, task.StatusPaused, DerivedStatus(task.StatusPaused, taskcontext.TestPassed))
}

func TestClose_StopsKeptServers(t *testing.T) {
	h := newHarness(t)
	keep := true
	id := h.create(t, "frontend", func(r *CreateRequest) { r.Options = &CreateOptions{KeepAlive: &keep} })
	require.True(t, h.orch.ExecuteTask(context.Background(), id).Success)

	procs := h.runner.startedProcesses()
	require.Len(t, procs, 1)
	assert.False(t, procs[0].stopped.Load(), "keepAlive leaves the server running")

	require.NoError(t, h.orch.Close())
	assert.True(t, procs[0].stopped.Load())
}

func TestSummary_WorkingDirectoryUnderTaskRoot(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "frontend")
	sum := h.summary(t, id)
	assert.Equal(t, filepath.Join(h.dataDir, "tasks", id, "workspace"), sum.WorkingDirectory)
	assert.Equal(t, 1, sum.MessageCount)
}
